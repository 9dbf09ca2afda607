package persistence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"TradeAudit/internal/persistence"
)

func TestRecorder_FastPathUsesQueue(t *testing.T) {
	asyncStore := newMemStore()
	syncStore := newMemStore()

	w := persistence.NewAsyncWriter(asyncStore, persistence.WriterConfig{QueueSize: 8, Workers: 1}, zerolog.Nop(), nil)
	w.Start()
	defer w.Shutdown(time.Second)

	r := persistence.NewRecorder(w, syncStore, zerolog.Nop(), nil)

	if err := r.Record(context.Background(), testEntry()); err != nil {
		t.Fatalf("record: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return asyncStore.count() == 1 },
		"entry persisted via worker")

	if syncStore.count() != 0 {
		t.Errorf("fast path hit the sync store (%d writes)", syncStore.count())
	}
	if r.Fallbacks() != 0 {
		t.Errorf("fallbacks: got %d, want 0", r.Fallbacks())
	}
}

func TestRecorder_FullQueueFallsBackToSyncWrite(t *testing.T) {
	asyncStore := newMemStore()
	stall := make(chan struct{})
	asyncStore.stall = stall
	defer close(stall)
	syncStore := newMemStore()

	w := persistence.NewAsyncWriter(asyncStore, persistence.WriterConfig{
		QueueSize:    1,
		Workers:      1,
		BatchSize:    1,
		WriteTimeout: time.Minute,
	}, zerolog.Nop(), nil)
	w.Start()
	defer w.Shutdown(100 * time.Millisecond)

	r := persistence.NewRecorder(w, syncStore, zerolog.Nop(), nil)

	// First entry occupies the stalled worker, second fills the queue.
	if err := r.Record(context.Background(), testEntry()); err != nil {
		t.Fatalf("record 1: %v", err)
	}
	waitFor(t, time.Second, func() bool { return w.QueueDepth() == 0 }, "worker busy")
	if err := r.Record(context.Background(), testEntry()); err != nil {
		t.Fatalf("record 2: %v", err)
	}
	waitFor(t, time.Second, func() bool { return w.QueueDepth() == 1 }, "queue full")

	// Third entry must take the synchronous path, not block or get lost.
	if err := r.Record(context.Background(), testEntry()); err != nil {
		t.Fatalf("record 3: %v", err)
	}

	if syncStore.count() != 1 {
		t.Errorf("sync writes: got %d, want 1", syncStore.count())
	}
	if r.Fallbacks() != 1 {
		t.Errorf("fallbacks: got %d, want 1", r.Fallbacks())
	}
}

func TestRecorder_RejectsInvalidEntry(t *testing.T) {
	syncStore := newMemStore()
	r := persistence.NewRecorder(nil, syncStore, zerolog.Nop(), nil)

	e := testEntry()
	e.Actor = ""
	if err := r.Record(context.Background(), e); err == nil {
		t.Error("expected validation error")
	}
	if syncStore.count() != 0 {
		t.Error("invalid entry reached the store")
	}
}

// TestRecorder_NoEntryIsLost drives concurrent producers through a tiny
// queue: every recorded entry must end up in exactly one of the two
// stores, whichever path it took.
func TestRecorder_NoEntryIsLost(t *testing.T) {
	asyncStore := newMemStore()
	syncStore := newMemStore()

	w := persistence.NewAsyncWriter(asyncStore, persistence.WriterConfig{
		QueueSize: 4,
		Workers:   2,
		BatchSize: 2,
	}, zerolog.Nop(), nil)
	w.Start()

	r := persistence.NewRecorder(w, syncStore, zerolog.Nop(), nil)

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for g := 0; g < producers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := r.Record(context.Background(), testEntry()); err != nil {
					t.Errorf("record: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if remaining := w.Shutdown(5 * time.Second); remaining != 0 {
		t.Fatalf("queue not drained: %d remaining", remaining)
	}

	total := asyncStore.count() + syncStore.count()
	if total != producers*perProducer {
		t.Errorf("persisted %d entries (async=%d sync=%d), want %d",
			total, asyncStore.count(), syncStore.count(), producers*perProducer)
	}
	if got := w.Processed() + r.Fallbacks(); got != producers*perProducer {
		t.Errorf("processed+fallbacks = %d, want %d", got, producers*perProducer)
	}
}
