package transfer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultTransferSubject is where NATSSink sends instructions.
const DefaultTransferSubject = "ledger.transfers.execute"

// Requester is the request/reply half of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSSink hands instructions to an external payout service over NATS
// request/reply. Only an explicit {"confirmed": true} reply confirms.
type NATSSink struct {
	nc      Requester
	subject string
}

type transferReply struct {
	Confirmed bool   `json:"confirmed"`
	Reference string `json:"reference"`
	Error     string `json:"error,omitempty"`
}

func NewNATSSink(nc Requester, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultTransferSubject
	}
	return &NATSSink{nc: nc, subject: subject}
}

func (s *NATSSink) Transfer(ctx context.Context, in Instruction) (Receipt, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal instruction: %w", err)
	}

	msg, err := s.nc.RequestWithContext(ctx, s.subject, data)
	if err != nil {
		return Receipt{}, fmt.Errorf("request %s: %w", s.subject, err)
	}

	var reply transferReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Receipt{}, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return Receipt{}, fmt.Errorf("payout service: %s", reply.Error)
	}
	if !reply.Confirmed {
		return Receipt{}, nil
	}
	return Confirm(reply.Reference), nil
}
