package persistence

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"TradeAudit/internal/audit"
	"TradeAudit/internal/observability"
)

// SyncStore is the synchronous persistence surface behind the fallback.
type SyncStore interface {
	Write(ctx context.Context, entry audit.Entry) error
}

// Recorder is the single entry point producers use. It enqueues on the
// async writer; when the queue rejects the entry it writes synchronously
// on the same persistence path, trading request latency for zero loss.
type Recorder struct {
	writer  *AsyncWriter
	store   SyncStore
	logger  zerolog.Logger
	metrics *observability.Metrics

	fallbacks atomic.Int64
}

func NewRecorder(writer *AsyncWriter, store SyncStore, logger zerolog.Logger, metrics *observability.Metrics) *Recorder {
	return &Recorder{
		writer:  writer,
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// Record validates and persists one entry, fast path first.
func (r *Recorder) Record(ctx context.Context, entry audit.Entry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid audit entry: %w", err)
	}

	if r.writer != nil && r.writer.Enqueue(entry) {
		return nil
	}

	r.fallbacks.Add(1)
	if r.metrics != nil {
		r.metrics.FallbackWrites.Inc()
	}
	r.logger.Debug().
		Str("entry_id", entry.ID.String()).
		Msg("audit queue full, writing synchronously")

	if err := r.store.Write(ctx, entry); err != nil {
		return fmt.Errorf("synchronous audit write: %w", err)
	}
	return nil
}

// Fallbacks returns how many entries took the synchronous path.
func (r *Recorder) Fallbacks() int64 { return r.fallbacks.Load() }
