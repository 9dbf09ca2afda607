package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"TradeAudit/internal/audit"
	"TradeAudit/internal/observability"
)

// Store is the persistence surface the async writer drains into.
type Store interface {
	WriteBatch(ctx context.Context, entries []audit.Entry) error
}

// WriterConfig tunes the async writer.
type WriterConfig struct {
	// QueueSize bounds the audit queue. Enqueue never blocks: a full
	// queue rejects the entry and the caller falls back to a
	// synchronous write.
	QueueSize int

	// Workers is the fixed number of drain goroutines.
	Workers int

	// BatchSize caps how many entries one worker flushes per write.
	BatchSize int

	// RetryAttempts bounds flush retries before a batch is counted
	// failed and dropped.
	RetryAttempts uint

	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration

	// WriteTimeout bounds a single flush attempt.
	WriteTimeout time.Duration
}

func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:      1024,
		Workers:        4,
		BatchSize:      25,
		RetryAttempts:  5,
		RetryBaseDelay: 100 * time.Millisecond,
		WriteTimeout:   10 * time.Second,
	}
}

func (c WriterConfig) withDefaults() WriterConfig {
	d := DefaultWriterConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// AsyncWriter drains a bounded queue of audit entries into the store
// with a fixed pool of workers. Producers never block: Enqueue returns
// false on a full queue and the caller degrades to a synchronous write.
// Per-batch failures are retried with backoff, then logged and counted;
// a failing store never kills a worker loop.
type AsyncWriter struct {
	store   Store
	cfg     WriterConfig
	logger  zerolog.Logger
	metrics *observability.Metrics

	queue chan audit.Entry
	stop  chan struct{}
	wg    sync.WaitGroup

	// acceptMu makes the accepting check and the channel send atomic
	// with respect to Shutdown: once Shutdown flips accepting under the
	// write lock, no Enqueue can still slip an entry past the drain.
	acceptMu  sync.RWMutex
	accepting bool

	startOnce sync.Once
	stopOnce  sync.Once

	processed atomic.Int64
	failed    atomic.Int64
}

func NewAsyncWriter(store Store, cfg WriterConfig, logger zerolog.Logger, metrics *observability.Metrics) *AsyncWriter {
	cfg = cfg.withDefaults()
	return &AsyncWriter{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan audit.Entry, cfg.QueueSize),
		stop:    make(chan struct{}),
	}
}

// Start launches the worker pool.
func (w *AsyncWriter) Start() {
	w.startOnce.Do(func() {
		w.acceptMu.Lock()
		w.accepting = true
		w.acceptMu.Unlock()
		if w.metrics != nil {
			w.metrics.SetQueueMetrics(0, w.cfg.QueueSize)
		}
		for i := 0; i < w.cfg.Workers; i++ {
			w.wg.Add(1)
			go w.worker(i)
		}
		w.logger.Info().
			Int("workers", w.cfg.Workers).
			Int("queue_size", w.cfg.QueueSize).
			Msg("async audit writer started")
	})
}

// Enqueue attempts a non-blocking put. Returns false immediately when
// the queue is full or shutdown has begun; the caller must then persist
// the entry synchronously.
func (w *AsyncWriter) Enqueue(entry audit.Entry) bool {
	w.acceptMu.RLock()
	defer w.acceptMu.RUnlock()
	if !w.accepting {
		return false
	}

	select {
	case w.queue <- entry:
		if w.metrics != nil {
			w.metrics.SetQueueMetrics(len(w.queue), w.cfg.QueueSize)
		}
		return true
	default:
		if w.metrics != nil {
			w.metrics.EnqueueRejected.Inc()
		}
		return false
	}
}

// Shutdown stops intake, waits up to timeout for the queue to drain and
// the workers to join, and logs processed/failed/remaining counts. It
// returns the number of entries still queued when it gave up waiting.
func (w *AsyncWriter) Shutdown(timeout time.Duration) int {
	remaining := 0
	w.stopOnce.Do(func() {
		w.acceptMu.Lock()
		w.accepting = false
		w.acceptMu.Unlock()
		deadline := time.Now().Add(timeout)

		// Let the workers drain what is already queued.
		for len(w.queue) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}

		close(w.stop)

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		wait := time.Until(deadline)
		if wait < 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		select {
		case <-done:
		case <-time.After(wait):
			w.logger.Warn().Msg("shutdown timeout before workers joined")
		}

		remaining = len(w.queue)
		w.logger.Info().
			Int64("processed", w.processed.Load()).
			Int64("failed", w.failed.Load()).
			Int("remaining", remaining).
			Msg("async audit writer stopped")
	})
	return remaining
}

// Processed returns entries successfully persisted by the workers.
func (w *AsyncWriter) Processed() int64 { return w.processed.Load() }

// Failed returns entries dropped after exhausting flush retries.
func (w *AsyncWriter) Failed() int64 { return w.failed.Load() }

// QueueDepth returns the number of queued, not yet drained entries.
func (w *AsyncWriter) QueueDepth() int { return len(w.queue) }

func (w *AsyncWriter) worker(id int) {
	defer w.wg.Done()
	logger := w.logger.With().Int("worker", id).Logger()

	for {
		select {
		case entry := <-w.queue:
			w.flush(logger, w.fillBatch(entry))

		case <-w.stop:
			// Final drain: flush whatever is still queued, then exit.
			for {
				select {
				case entry := <-w.queue:
					w.flush(logger, w.fillBatch(entry))
				default:
					return
				}
			}
		}
	}
}

// fillBatch greedily tops up a batch from the queue without blocking.
func (w *AsyncWriter) fillBatch(first audit.Entry) []audit.Entry {
	batch := make([]audit.Entry, 1, w.cfg.BatchSize)
	batch[0] = first
	for len(batch) < w.cfg.BatchSize {
		select {
		case entry := <-w.queue:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
	return batch
}

// flush writes one batch with bounded exponential-backoff retries.
// A batch that still fails is logged with its entry IDs and counted;
// the worker loop carries on.
func (w *AsyncWriter) flush(logger zerolog.Logger, batch []audit.Entry) {
	if w.metrics != nil {
		w.metrics.SetQueueMetrics(len(w.queue), w.cfg.QueueSize)
	}

	err := retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
			defer cancel()
			return w.store.WriteBatch(ctx, batch)
		},
		retry.Attempts(w.cfg.RetryAttempts),
		retry.Delay(w.cfg.RetryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if w.metrics != nil {
				w.metrics.WriteRetries.Inc()
			}
			logger.Warn().Uint("attempt", n+1).Int("batch", len(batch)).Err(err).
				Msg("audit batch write failed, retrying")
		}),
	)
	if err != nil {
		w.failed.Add(int64(len(batch)))
		if w.metrics != nil {
			w.metrics.EntriesFailed.Add(float64(len(batch)))
		}
		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.ID.String()
		}
		logger.Error().Strs("entry_ids", ids).Err(err).
			Msg("audit batch dropped after retries")
		return
	}

	w.processed.Add(int64(len(batch)))
	if w.metrics != nil {
		w.metrics.EntriesWritten.Add(float64(len(batch)))
	}
}
