package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/anthropics/relayproxy/internal/httpmsg"
	"github.com/anthropics/relayproxy/internal/reporting"
)

func buildReport() *reporting.LogReport {
	r := reporting.NewLogReport()
	req := httpmsg.NewRequest("GET", "/widgets", nil)
	r.RecordRequest("local", req)
	resp := httpmsg.NewResponse("200", "OK", []byte("ok"))
	r.RecordResponse("local", resp)
	return r
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reports.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndGetReport(t *testing.T) {
	store := openTestStore(t)
	report := buildReport()

	if err := store.SaveReport(context.Background(), report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	got, err := store.GetReport(context.Background(), report.GUID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Request().Path != "/widgets" {
		t.Fatalf("Path = %q, want /widgets", got.Request().Path)
	}
}

func TestListReportsFiltersByPath(t *testing.T) {
	store := openTestStore(t)

	r1 := buildReport()
	r2 := reporting.NewLogReport()
	r2.RecordRequest("local", httpmsg.NewRequest("GET", "/other", nil))

	if err := store.SaveReports(context.Background(), []*reporting.LogReport{r1, r2}); err != nil {
		t.Fatalf("SaveReports: %v", err)
	}

	widgets := "/widgets"
	got, err := store.ListReports(context.Background(), ListFilter{Path: &widgets})
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(got) != 1 || got[0].Request().Path != "/widgets" {
		t.Fatalf("ListReports filtered = %+v, want exactly /widgets", got)
	}
}

func TestCountReports(t *testing.T) {
	store := openTestStore(t)
	if err := store.SaveReport(context.Background(), buildReport()); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	n, err := store.CountReports(context.Background())
	if err != nil {
		t.Fatalf("CountReports: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountReports = %d, want 1", n)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	store := openTestStore(t)
	if err := store.SaveReport(context.Background(), buildReport()); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	n, err := store.DeleteOlderThan(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteOlderThan removed %d rows, want 1", n)
	}
}
