package ledger

import "errors"

// Error taxonomy shared by the ledger, the settlement engine and the queue.
// Callers classify with errors.Is; Code maps any wrapped error to a stable
// machine-readable string for the API layer.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrOverflow              = errors.New("arithmetic overflow")
	ErrUnderflow             = errors.New("arithmetic underflow")
	ErrReplayedAuthorization = errors.New("authorization already consumed")
	ErrReentrantCall         = errors.New("reentrant call rejected")
	ErrTransferFailed        = errors.New("transfer failed")
	ErrZeroAmountRejected    = errors.New("zero amount rejected")
	ErrInvalidSequence       = errors.New("invalid sequence")
	ErrStaleOracleData       = errors.New("stale oracle data")

	ErrInvalidAuthorization = errors.New("invalid authorization")
	ErrAuthorizationExpired = errors.New("authorization expired")
	ErrSharesRoundToZero    = errors.New("amount converts to zero shares")
	ErrUnknownAccount       = errors.New("unknown account")
	ErrQueueEmpty           = errors.New("queue has no processable entry")
	ErrNotEntryOwner        = errors.New("caller does not own queue entry")
	ErrEntryTerminal        = errors.New("queue entry already terminal")
	ErrUnknownOperation     = errors.New("unknown operation")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInsufficientBalance, "INSUFFICIENT_BALANCE"},
	{ErrOverflow, "OVERFLOW"},
	{ErrUnderflow, "UNDERFLOW"},
	{ErrReplayedAuthorization, "REPLAYED_AUTHORIZATION"},
	{ErrReentrantCall, "REENTRANT_CALL"},
	{ErrTransferFailed, "TRANSFER_FAILED"},
	{ErrZeroAmountRejected, "ZERO_AMOUNT_REJECTED"},
	{ErrInvalidSequence, "INVALID_SEQUENCE"},
	{ErrStaleOracleData, "STALE_ORACLE_DATA"},
	{ErrInvalidAuthorization, "INVALID_AUTHORIZATION"},
	{ErrAuthorizationExpired, "AUTHORIZATION_EXPIRED"},
	{ErrSharesRoundToZero, "SHARES_ROUND_TO_ZERO"},
	{ErrUnknownAccount, "UNKNOWN_ACCOUNT"},
	{ErrQueueEmpty, "QUEUE_EMPTY"},
	{ErrNotEntryOwner, "NOT_ENTRY_OWNER"},
	{ErrEntryTerminal, "ENTRY_TERMINAL"},
	{ErrUnknownOperation, "UNKNOWN_OPERATION"},
}

// Code returns the machine code for err, "OK" for nil and "INTERNAL" for
// errors outside the taxonomy.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}
