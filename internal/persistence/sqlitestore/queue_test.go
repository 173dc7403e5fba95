package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/anthropics/relayproxy/internal/httpmsg"
	"github.com/anthropics/relayproxy/internal/reporting"
)

func TestQueuePushAndPopBatch(t *testing.T) {
	q := NewQueue(10)
	for i := 0; i < 3; i++ {
		q.Push(reporting.NewLogReport())
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	batch := q.PopBatch(2)
	if len(batch) != 2 {
		t.Fatalf("PopBatch(2) returned %d items", len(batch))
	}
	if q.Len() != 1 {
		t.Fatalf("Len() after PopBatch = %d, want 1", q.Len())
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)
	first := reporting.NewLogReport()
	q.Push(first)
	q.Push(reporting.NewLogReport())

	dropped := q.Push(reporting.NewLogReport())
	if dropped {
		t.Fatalf("Push reported the new item as dropped, want the oldest evicted instead")
	}
	if q.DropsTotal() != 1 {
		t.Fatalf("DropsTotal() = %d, want 1", q.DropsTotal())
	}

	batch := q.PopBatch(10)
	for _, r := range batch {
		if r.GUID == first.GUID {
			t.Fatalf("oldest report was not evicted")
		}
	}
}

func TestQueueCloseUnblocksWait(t *testing.T) {
	q := NewQueue(10)
	done := make(chan bool, 1)
	go func() { done <- q.Wait(context.Background()) }()

	q.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("Wait returned true after Close, want false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not unblock after Close")
	}
}

func TestWriterDrainsQueueIntoStore(t *testing.T) {
	store := openTestStore(t)
	queue := NewQueue(10)
	writer := NewWriter(store, queue, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go writer.Run(ctx)

	listener := writer.Listener()
	report := reporting.NewLogReport()
	report.RecordRequest("local", httpmsg.NewRequest("GET", "/x", nil))
	listener.OnChange(report)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := store.CountReports(context.Background())
		if err != nil {
			t.Fatalf("CountReports: %v", err)
		}
		if n == 1 {
			cancel()
			<-writer.Done()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	t.Fatal("writer never persisted the queued report")
}
