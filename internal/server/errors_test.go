package server

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"SafeLedger/internal/ingestion"
	"SafeLedger/internal/ledger"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   codes.Code
		reason string
	}{
		{"ledger error", fmt.Errorf("settle: %w", ledger.ErrReplayedAuthorization), codes.AlreadyExists, "REPLAYED_AUTHORIZATION"},
		{"dedup outage", fmt.Errorf("%w: connection refused", ingestion.ErrDedupUnavailable), codes.Unavailable, "DEDUP_UNAVAILABLE"},
		{"caller cancelled", fmt.Errorf("process: %w", context.Canceled), codes.Canceled, ""},
		{"unknown", errors.New("boom"), codes.Internal, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := toStatus(tt.err)
			assert.Equal(t, tt.code, status.Code(err))
			assert.Equal(t, tt.reason, ErrorReason(err))
		})
	}
}
