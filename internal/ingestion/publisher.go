package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"SafeLedger/internal/ledger"
	"SafeLedger/internal/observability"
	"SafeLedger/internal/settlement"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream        = "SAFE_LEDGER_EVENTS"
	EventSubjectPrefix = "ledger.events"
)

// JetStreamPublisher is the publishing half of jetstream.JetStream.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PublishableEvent is a journaled output ready for downstream consumers.
type PublishableEvent struct {
	Sequence     uint64                `json:"sequence"`
	Kind         string                `json:"kind"`
	OperationRef string                `json:"operation_ref"`
	Operation    *settlement.Operation `json:"operation,omitempty"`
	Queue        *ledger.QueueRecord   `json:"queue,omitempty"`
	StateHash    string                `json:"state_hash"`
	Timestamp    int64                 `json:"timestamp_us"`
}

// EventFor converts an output into its outbound form.
func EventFor(out settlement.Output) PublishableEvent {
	return PublishableEvent{
		Sequence:     out.Batch.Sequence,
		Kind:         out.Batch.Kind.String(),
		OperationRef: out.Batch.OperationRef,
		Operation:    out.Operation,
		Queue:        out.Batch.Queue,
		StateHash:    out.StateHash.Hex(),
		Timestamp:    out.Batch.Timestamp,
	}
}

// OutboundPublisher publishes outputs to ledger.events.{kind} once they are
// persisted. Publishing is best effort: consumers that miss events can read
// the journal.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan chan PublishableEvent
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewOutboundPublisher(js JetStreamPublisher, buffer int, metrics *observability.Metrics) *OutboundPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &OutboundPublisher{
		js:        js,
		inputChan: make(chan PublishableEvent, buffer),
		metrics:   metrics,
		log:       observability.NewLogger("publisher"),
	}
}

// Enqueue hands persisted outputs to the publisher without blocking; events
// that do not fit are dropped and counted. Its signature matches the
// persistence worker's flush hook.
func (op *OutboundPublisher) Enqueue(outs []settlement.Output) {
	for _, out := range outs {
		select {
		case op.inputChan <- EventFor(out):
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
		}
	}
	op.metrics.SetChannelMetrics("publish", len(op.inputChan), cap(op.inputChan))
}

// Run publishes until ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.inputChan:
			if err := op.publish(ctx, evt); err != nil {
				op.log.Warn().Err(err).Uint64("sequence", evt.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", EventSubjectPrefix, evt.Kind)
	// The sequence doubles as the JetStream message id, so a republish
	// after restart is dropped by the stream's duplicate window.
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(strconv.FormatUint(evt.Sequence, 10)))
	return err
}
