package persistence

import (
	"context"
	"fmt"
	"time"

	"SafeLedger/internal/observability"
	"SafeLedger/internal/settlement"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to a
// JournalStore. The engine sends on that channel with a blocking send, so if
// this worker falls behind the engine stalls and no output is lost.
type PersistenceWorker struct {
	store        JournalStore
	inputChan    <-chan settlement.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
	onFlushed    func([]settlement.Output)

	// minBackoff is lowered by tests.
	minBackoff time.Duration
}

func NewPersistenceWorker(
	store JournalStore,
	inputChan <-chan settlement.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		store:        store,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence"),
		minBackoff:   100 * time.Millisecond,
	}
}

// OnFlushed registers fn to run after every successful write. fn must not
// retain the slice.
func (pw *PersistenceWorker) OnFlushed(fn func([]settlement.Output)) {
	pw.onFlushed = fn
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]settlement.Output, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			batch = pw.drain(batch)
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.log.Error().Err(err).Int("outputs", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flushWithRetry(ctx, batch); err != nil {
						pw.log.Error().Err(err).Int("outputs", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// drain pulls whatever is already buffered without blocking.
func (pw *PersistenceWorker) drain(batch []settlement.Output) []settlement.Output {
	for {
		select {
		case out, ok := <-pw.inputChan:
			if !ok {
				return batch
			}
			batch = append(batch, out)
		default:
			return batch
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without it.
// Outputs are never dropped.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []settlement.Output) error {
	backoff := pw.minBackoff
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("outputs", len(batch)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.log.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []settlement.Output) error {
	start := time.Now()

	if err := pw.store.Append(ctx, batch); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("append").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistBatchesWritten.Add(float64(len(batch)))
		pw.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Batch.Sequence))
	}
	if pw.onFlushed != nil {
		pw.onFlushed(batch)
	}
	return nil
}
