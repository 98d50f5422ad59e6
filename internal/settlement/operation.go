package settlement

import (
	"fmt"

	"SafeLedger/internal/ledger"

	"github.com/google/uuid"
)

type Kind int32

const (
	KindSettle Kind = iota // debit the caller, pay a destination
	KindPayout             // pay a queue entry out of escrow
)

func (k Kind) String() string {
	switch k {
	case KindSettle:
		return "settle"
	case KindPayout:
		return "payout"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// Status of one settlement: Requested -> Checked -> Reserved -> Committed | RolledBack.
// Only Reserved and the terminal states are durable.
type Status int32

const (
	StatusRequested Status = iota
	StatusChecked
	StatusReserved
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusChecked:
		return "checked"
	case StatusReserved:
		return "reserved"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Transition is one entry of an operation's state history.
type Transition struct {
	Status Status `json:"status"`
	At     int64  `json:"at"` // logical clock, epoch microseconds
}

// Operation is a pending or finished settlement.
type Operation struct {
	ID          uuid.UUID           `json:"id"`
	Kind        Kind                `json:"kind"`
	Account     ledger.AccountID    `json:"account"`
	Destination ledger.AccountID    `json:"destination"`
	Amount      ledger.Amount       `json:"amount"`
	Shares      ledger.Amount       `json:"shares"`          // burned at reserve, restored on rollback
	Nonce       *uint64             `json:"nonce,omitempty"` // authorization nonce consumed at reserve
	Status      Status              `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	Receipt     string              `json:"receipt,omitempty"`
	Queue       *ledger.QueueRecord `json:"queue,omitempty"` // payouts only
	CreatedAt   int64               `json:"created_at"`
	UpdatedAt   int64               `json:"updated_at"`
	History     []Transition        `json:"history"`
}

func (op *Operation) transition(to Status, at int64) {
	op.Status = to
	op.UpdatedAt = at
	op.History = append(op.History, Transition{Status: to, At: at})
}

// clone returns a deep copy safe to hand to other goroutines.
func (op *Operation) clone() Operation {
	c := *op
	c.History = append([]Transition(nil), op.History...)
	if op.Nonce != nil {
		n := *op.Nonce
		c.Nonce = &n
	}
	if op.Queue != nil {
		q := *op.Queue
		c.Queue = &q
	}
	return c
}
