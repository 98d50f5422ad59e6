package projection

import (
	"context"
	"fmt"

	"SafeLedger/internal/observability"
	"SafeLedger/internal/persistence"
	"SafeLedger/internal/settlement"

	"github.com/rs/zerolog"
)

// ProjectionWorker updates read models from engine outputs. The projection
// channel is fed with non-blocking sends, so outputs may be dropped; a gap
// in sequences is filled from the journal when the journal already has it.
type ProjectionWorker struct {
	store     Store
	journal   persistence.JournalStore
	inputChan <-chan settlement.Output
	metrics   *observability.Metrics
	log       zerolog.Logger

	lastSeq uint64
}

// NewProjectionWorker creates a worker. journal may be nil, in which case
// gaps are logged and left for a rebuild.
func NewProjectionWorker(store Store, journal persistence.JournalStore, inputChan <-chan settlement.Output, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		journal:   journal,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("projection"),
	}
}

// LastSequence is the highest sequence projected by this worker.
func (pw *ProjectionWorker) LastSequence() uint64 { return pw.lastSeq }

// Run blocks until ctx is cancelled or the input channel is closed.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := pw.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("projection watermark: %w", err)
	}
	pw.lastSeq = seq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.metrics.SetChannelMetrics("projection", len(pw.inputChan), cap(pw.inputChan))
			pw.handle(ctx, out)
		}
	}
}

func (pw *ProjectionWorker) handle(ctx context.Context, out settlement.Output) {
	seq := out.Batch.Sequence
	if seq <= pw.lastSeq {
		return
	}
	if seq > pw.lastSeq+1 {
		pw.catchUp(ctx, seq)
	}

	// Read models are eventually consistent and can be rebuilt, so a
	// failed update is logged and skipped.
	if err := pw.store.Apply(ctx, UpdateFor(out)); err != nil {
		pw.log.Warn().Err(err).Uint64("sequence", seq).Msg("projection update failed")
	}
	pw.lastSeq = seq
}

// catchUp applies journaled outputs between the last projected sequence and
// upTo (exclusive).
func (pw *ProjectionWorker) catchUp(ctx context.Context, upTo uint64) {
	missing := int(upTo - pw.lastSeq - 1)
	if pw.journal == nil {
		pw.log.Warn().Int("missing", missing).Uint64("sequence", upTo).Msg("projection gap, rebuild required")
		return
	}

	outs, err := pw.journal.LoadFrom(ctx, pw.lastSeq+1, missing)
	if err != nil {
		pw.log.Warn().Err(err).Int("missing", missing).Msg("projection catch-up failed")
		return
	}
	for _, o := range outs {
		if o.Batch.Sequence >= upTo {
			break
		}
		if err := pw.store.Apply(ctx, UpdateFor(o)); err != nil {
			pw.log.Warn().Err(err).Uint64("sequence", o.Batch.Sequence).Msg("projection catch-up update failed")
		}
		pw.lastSeq = o.Batch.Sequence
	}
	if len(outs) < missing {
		pw.log.Warn().
			Int("missing", missing-len(outs)).
			Uint64("sequence", upTo).
			Msg("projection gap not yet journaled, rebuild required")
	}
}

// Rebuild resets store and projects the whole journal into it.
func Rebuild(ctx context.Context, store Store, journal persistence.JournalStore) (uint64, error) {
	if err := store.Reset(ctx); err != nil {
		return 0, err
	}

	const page = 1000
	var last uint64
	from := uint64(1)
	for {
		outs, err := journal.LoadFrom(ctx, from, page)
		if err != nil {
			return last, fmt.Errorf("load journal from %d: %w", from, err)
		}
		for _, o := range outs {
			if err := store.Apply(ctx, UpdateFor(o)); err != nil {
				return last, fmt.Errorf("project sequence %d: %w", o.Batch.Sequence, err)
			}
			last = o.Batch.Sequence
		}
		if len(outs) < page {
			break
		}
		from = last + 1
	}

	logger := observability.NewLogger("projection")
	logger.Info().Uint64("sequence", last).Msg("projection rebuild complete")
	return last, nil
}
