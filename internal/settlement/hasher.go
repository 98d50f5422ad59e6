package settlement

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

const GenesisHashSeed = "SafeLedger:genesis:v1"

// StateHasher chains every applied batch into an audit hash:
// hash[n] = SHA-256(hash[n-1] || sequence || digest)
type StateHasher struct {
	prevHash common.Hash
}

func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash extends the chain and returns the new tip.
func (h *StateHasher) ComputeHash(sequence uint64, digest []byte) common.Hash {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], sequence)
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash common.Hash
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// Tip returns the current chain tip.
func (h *StateHasher) Tip() common.Hash {
	return h.prevHash
}

// Reset sets the tip, used when restoring a snapshot.
func (h *StateHasher) Reset(tip common.Hash) {
	h.prevHash = tip
}
