package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"SafeLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultPriceSubject carries price updates for NATSSource.
const DefaultPriceSubject = "ledger.oracle.price"

var ErrNoObservation = errors.New("no oracle observation yet")

// Subscriber is the subscribe half of *nats.Conn.
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSSource is a Source fed by price messages of the form
// {"price": "1.0025", "timestamp_us": 1700000000000000}. It serves the
// latest observation; the Guard decides whether that is still fresh.
type NATSSource struct {
	mu   sync.RWMutex
	last *Value

	sub *nats.Subscription
	log zerolog.Logger
}

func NewNATSSource() *NATSSource {
	return &NATSSource{log: observability.NewLogger("oracle-source")}
}

type priceMessage struct {
	Price       decimal.Decimal `json:"price"`
	TimestampUs int64           `json:"timestamp_us"`
}

// Start subscribes to subject; "" means DefaultPriceSubject.
func (s *NATSSource) Start(nc Subscriber, subject string) error {
	if subject == "" {
		subject = DefaultPriceSubject
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		if err := s.Observe(msg.Data); err != nil {
			s.log.Warn().Err(err).Str("subject", msg.Subject).Msg("ignoring oracle message")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	return nil
}

// Observe records one price message. Messages older than the current
// observation are ignored.
func (s *NATSSource) Observe(data []byte) error {
	var m priceMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode price: %w", err)
	}
	if m.TimestampUs <= 0 {
		return fmt.Errorf("price without timestamp")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && m.TimestampUs < s.last.Timestamp {
		return nil
	}
	s.last = &Value{Price: m.Price, Timestamp: m.TimestampUs}
	return nil
}

func (s *NATSSource) LatestValue(context.Context) (Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Value{}, ErrNoObservation
	}
	return *s.last, nil
}

// Stop unsubscribes.
func (s *NATSSource) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Warn().Err(err).Msg("unsubscribe")
		}
	}
}
