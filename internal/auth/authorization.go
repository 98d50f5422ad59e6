package auth

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"SafeLedger/internal/clock"
	"SafeLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Action is the operation an authorization permits. It is part of the
// signed digest so a settle authorization cannot be replayed as a
// cancellation.
type Action uint8

const (
	ActionSettle Action = iota + 1
	ActionEnqueue
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionSettle:
		return "settle"
	case ActionEnqueue:
		return "enqueue"
	case ActionCancel:
		return "cancel"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Domain separates authorizations between deployments and chains.
type Domain struct {
	Name    string         `json:"name" yaml:"name"`
	ChainID uint64         `json:"chain_id" yaml:"chain_id"`
	Ledger  common.Address `json:"ledger" yaml:"ledger"`
}

var (
	domainTypeHash = crypto.Keccak256Hash([]byte("SafeLedgerDomain(string name,uint64 chainId,address ledger)"))
	authTypeHash   = crypto.Keccak256Hash([]byte("Authorization(uint8 action,address caller,address destination,uint256 amount,uint64 nonce,int64 deadline,uint64 queueSeq)"))
)

// Separator is the domain's contribution to every digest.
func (d Domain) Separator() common.Hash {
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], d.ChainID)
	return crypto.Keccak256Hash(
		domainTypeHash[:],
		crypto.Keccak256([]byte(d.Name)),
		common.LeftPadBytes(chain[:], 32),
		common.LeftPadBytes(d.Ledger[:], 32),
	)
}

// Authorization is a single-use, caller-bound proof permitting one action.
type Authorization struct {
	Domain      Domain           `json:"domain"`
	Action      Action           `json:"action"`
	Caller      ledger.AccountID `json:"caller"`
	Destination ledger.AccountID `json:"destination"`
	Amount      ledger.Amount    `json:"amount"`
	Nonce       uint64           `json:"nonce"`
	Deadline    int64            `json:"deadline"`            // epoch microseconds, 0 = none
	QueueSeq    uint64           `json:"queue_seq,omitempty"` // cancel only
	Signature   hexutil.Bytes    `json:"signature"`
}

// Digest is the keccak256 hash that Signature signs.
func (a *Authorization) Digest() common.Hash {
	sep := a.Domain.Separator()
	amount := a.Amount.Bytes32()

	var nonce, deadline, seq [8]byte
	binary.BigEndian.PutUint64(nonce[:], a.Nonce)
	binary.BigEndian.PutUint64(deadline[:], uint64(a.Deadline))
	binary.BigEndian.PutUint64(seq[:], a.QueueSeq)

	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		sep[:],
		authTypeHash[:],
		[]byte{byte(a.Action)},
		common.LeftPadBytes(a.Caller[:], 32),
		common.LeftPadBytes(a.Destination[:], 32),
		amount[:],
		nonce[:],
		deadline[:],
		seq[:],
	)
}

// Sign fills Signature using key. The key's address must be Caller.
func (a *Authorization) Sign(key *ecdsa.PrivateKey) error {
	if signer := crypto.PubkeyToAddress(key.PublicKey); signer != a.Caller {
		return fmt.Errorf("sign: key address %s is not caller %s", signer.Hex(), a.Caller.Hex())
	}
	digest := a.Digest()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	a.Signature = sig
	return nil
}

// Signer recovers the address that produced Signature. High-s and
// malformed signatures are rejected.
func (a *Authorization) Signer() (common.Address, error) {
	if len(a.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature length %d", ledger.ErrInvalidAuthorization, len(a.Signature))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, a.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return common.Address{}, fmt.Errorf("%w: invalid signature values", ledger.ErrInvalidAuthorization)
	}

	digest := a.Digest()
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recover: %v", ledger.ErrInvalidAuthorization, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verifier checks everything about an authorization except the nonce,
// which the ledger consumes atomically with the effect it permits.
type Verifier struct {
	domain Domain
	clock  clock.Clock
	skew   time.Duration
}

func NewVerifier(domain Domain, clk clock.Clock, skew time.Duration) *Verifier {
	return &Verifier{domain: domain, clock: clk, skew: skew}
}

func (v *Verifier) Domain() Domain { return v.domain }

// Verify checks that a permits action by caller for amount within this
// domain, is signed by caller and has not expired.
func (v *Verifier) Verify(a *Authorization, action Action, caller ledger.AccountID, amount ledger.Amount) error {
	if a == nil {
		return fmt.Errorf("%w: missing", ledger.ErrInvalidAuthorization)
	}
	if a.Domain != v.domain {
		return fmt.Errorf("%w: domain %q/%d is not %q/%d",
			ledger.ErrInvalidAuthorization, a.Domain.Name, a.Domain.ChainID, v.domain.Name, v.domain.ChainID)
	}
	if a.Action != action {
		return fmt.Errorf("%w: authorizes %s, not %s", ledger.ErrInvalidAuthorization, a.Action, action)
	}
	if a.Caller != caller {
		return fmt.Errorf("%w: bound to %s, not %s", ledger.ErrInvalidAuthorization, a.Caller.Hex(), caller.Hex())
	}
	if !a.Amount.Eq(amount) {
		return fmt.Errorf("%w: bound to amount %s, not %s", ledger.ErrInvalidAuthorization, a.Amount, amount)
	}

	signer, err := a.Signer()
	if err != nil {
		return err
	}
	if signer != caller {
		return fmt.Errorf("%w: signed by %s, not %s", ledger.ErrInvalidAuthorization, signer.Hex(), caller.Hex())
	}

	if clock.Expired(a.Deadline, v.clock.NowMicros(), v.skew) {
		return fmt.Errorf("%w: deadline %d", ledger.ErrAuthorizationExpired, a.Deadline)
	}
	return nil
}

// CheckNonce compares an authorization nonce with the account's next
// unused nonce.
func CheckNonce(authNonce, accountNonce uint64) error {
	switch {
	case authNonce < accountNonce:
		return fmt.Errorf("%w: nonce %d already consumed", ledger.ErrReplayedAuthorization, authNonce)
	case authNonce > accountNonce:
		return fmt.Errorf("%w: nonce %d, next is %d", ledger.ErrInvalidSequence, authNonce, accountNonce)
	}
	return nil
}
