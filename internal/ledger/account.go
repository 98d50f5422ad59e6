package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountID is the opaque, address-equivalent key of a ledger account.
type AccountID = common.Address

// ParseAccountID parses a 0x-prefixed 20-byte hex address.
func ParseAccountID(s string) (AccountID, error) {
	if !common.IsHexAddress(s) {
		return AccountID{}, fmt.Errorf("invalid account id %q", s)
	}
	return common.HexToAddress(s), nil
}

// Account is the per-account state owned by the Ledger.
type Account struct {
	ID                  AccountID `json:"id"`
	Balance             Amount    `json:"balance"`
	Shares              Amount    `json:"shares"`
	Nonce               uint64    `json:"nonce"`                 // next unused authorization nonce
	LastActionTimestamp int64     `json:"last_action_timestamp"` // logical clock, epoch microseconds
}

// AccountPath returns the string representation for storage/logging
func AccountPath(id AccountID) string {
	return fmt.Sprintf("account:%s", id.Hex())
}

// IsEmpty reports whether the account carries no value and has never
// consumed a nonce.
func (a Account) IsEmpty() bool {
	return a.Balance.IsZero() && a.Shares.IsZero() && a.Nonce == 0
}
