package sqlitestore

import (
	"context"
	"log/slog"
	"time"

	"github.com/anthropics/relayproxy/internal/reporting"
)

const defaultBatchSize = 32

// Writer drains a Queue in the background and persists batches to a
// Store, so that a slow disk never blocks the dispatcher goroutine that
// produced the report.
type Writer struct {
	store     *Store
	queue     *Queue
	logger    *slog.Logger
	batchSize int
	done      chan struct{}
}

// NewWriter builds a Writer. Call Listener to obtain a
// reporting.MessageListener to register with a reporting.Broadcaster,
// and Run to start the background drain loop.
func NewWriter(store *Store, queue *Queue, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, queue: queue, logger: logger, batchSize: defaultBatchSize, done: make(chan struct{})}
}

// Listener implements reporting.MessageListener by enqueueing a clone of
// every reported exchange. The clone is for independence only: the
// caller's LogReport is not touched again once reported.
func (w *Writer) Listener() reporting.MessageListener {
	return listenerFunc(func(report *reporting.LogReport) {
		if dropped := w.queue.Push(report); dropped {
			w.logger.Warn("report queue full, dropped oldest entry", "guid", report.GUID)
		}
	})
}

type listenerFunc func(report *reporting.LogReport)

func (f listenerFunc) OnChange(report *reporting.LogReport) { f(report) }

// Run drains the queue until ctx is cancelled, writing batches as they
// accumulate. It returns once the queue is empty and ctx is done.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		if !w.queue.Wait(ctx) {
			w.flushRemaining()
			return
		}
		w.drainOnce(ctx)
	}
}

func (w *Writer) drainOnce(ctx context.Context) {
	batch := w.queue.PopBatch(w.batchSize)
	if len(batch) == 0 {
		return
	}
	if err := w.store.SaveReports(ctx, batch); err != nil {
		w.logger.Error("failed to persist report batch", "error", err, "count", len(batch))
	}
}

// flushRemaining makes a best-effort attempt to persist whatever is
// still queued after Run's context is cancelled.
func (w *Writer) flushRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for w.queue.Len() > 0 {
		w.drainOnce(ctx)
	}
}

// Done returns a channel closed once Run has returned.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}
