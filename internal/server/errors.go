package server

import (
	"context"
	"errors"

	"SafeLedger/internal/ingestion"
	"SafeLedger/internal/ledger"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is the ErrorInfo domain attached to every ledger error.
const ErrorDomain = "safeledger"

var grpcCodes = map[string]codes.Code{
	"INSUFFICIENT_BALANCE":   codes.FailedPrecondition,
	"SHARES_ROUND_TO_ZERO":   codes.FailedPrecondition,
	"AUTHORIZATION_EXPIRED":  codes.FailedPrecondition,
	"QUEUE_EMPTY":            codes.FailedPrecondition,
	"ENTRY_TERMINAL":         codes.FailedPrecondition,
	"REPLAYED_AUTHORIZATION": codes.AlreadyExists,
	"REENTRANT_CALL":         codes.Aborted,
	"ZERO_AMOUNT_REJECTED":   codes.InvalidArgument,
	"INVALID_AUTHORIZATION":  codes.InvalidArgument,
	"INVALID_SEQUENCE":       codes.InvalidArgument,
	"NOT_ENTRY_OWNER":        codes.PermissionDenied,
	"OVERFLOW":               codes.OutOfRange,
	"UNDERFLOW":              codes.OutOfRange,
	"TRANSFER_FAILED":        codes.Unavailable,
	"STALE_ORACLE_DATA":      codes.Unavailable,
	"UNKNOWN_ACCOUNT":        codes.NotFound,
	"UNKNOWN_OPERATION":      codes.NotFound,
}

// toStatus converts err into a gRPC status carrying an ErrorInfo whose
// reason is the ledger error code. kv pairs become ErrorInfo metadata.
func toStatus(err error, kv ...string) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ledger.Code(err) == "INTERNAL" {
			return status.FromContextError(err).Err()
		}
	}

	reason := ledger.Code(err)
	code, ok := grpcCodes[reason]
	switch {
	case errors.Is(err, ingestion.ErrDedupUnavailable):
		reason, code = "DEDUP_UNAVAILABLE", codes.Unavailable
	case !ok:
		code = codes.Internal
	}

	st := status.New(code, err.Error())
	info := &errdetails.ErrorInfo{Reason: reason, Domain: ErrorDomain}
	if len(kv) > 1 {
		info.Metadata = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			info.Metadata[kv[i]] = kv[i+1]
		}
	}
	if detailed, derr := st.WithDetails(info); derr == nil {
		st = detailed
	}
	return st.Err()
}

// ErrorReason extracts the ledger error code from a status returned by the
// service, or "" when there is none.
func ErrorReason(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == ErrorDomain {
			return info.Reason
		}
	}
	return ""
}
