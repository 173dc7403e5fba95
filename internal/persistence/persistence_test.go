package persistence

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/anthropics/relayproxy/internal/httpmsg"
	"github.com/anthropics/relayproxy/internal/reporting"
)

func buildReport(guid uuid.UUID) *reporting.LogReport {
	r := reporting.NewLogReport()
	r.GUID = guid
	req := httpmsg.NewRequest("GET", "/widgets", nil)
	req.Headers.Set("Host", "example.com")
	r.RecordRequest("local", req)

	resp := httpmsg.NewResponse("200", "OK", []byte(`{"ok":true}`))
	resp.Headers.Set("Content-Type", "application/json")
	r.RecordResponse("local", resp)
	r.RecordRequest("remote", req.Clone())
	r.RecordResponse("remote", resp.Clone())
	return r
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	guid := uuid.New()
	report := buildReport(guid)

	var buf bytes.Buffer
	if err := EncodeReport(&buf, report); err != nil {
		t.Fatalf("EncodeReport: %v", err)
	}

	decoded, err := DecodeAll(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("len(decoded) = %d, want 1", len(decoded))
	}

	got := decoded[0]
	if got.GUID != guid {
		t.Fatalf("GUID = %v, want %v", got.GUID, guid)
	}
	if got.Request() == nil || got.Request().Path != "/widgets" {
		t.Fatalf("Request() = %+v", got.Request())
	}
	if got.Response() == nil || string(got.Response().Body) != `{"ok":true}` {
		t.Fatalf("Response() = %+v", got.Response())
	}
}

func TestDecodeAllHandlesMultipleRecords(t *testing.T) {
	r1 := buildReport(uuid.New())
	r2 := buildReport(uuid.New())

	var buf bytes.Buffer
	if err := EncodeReports(&buf, []*reporting.LogReport{r1, r2}); err != nil {
		t.Fatalf("EncodeReports: %v", err)
	}

	decoded, err := DecodeAll(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("len(decoded) = %d, want 2", len(decoded))
	}
	if decoded[0].GUID != r1.GUID || decoded[1].GUID != r2.GUID {
		t.Fatalf("GUIDs out of order: %v, %v", decoded[0].GUID, decoded[1].GUID)
	}
}

func TestEncodeNoRequestNoResponsePlaceholders(t *testing.T) {
	guid := uuid.New()
	report := reporting.NewLogReport()
	report.GUID = guid
	report.RecordRequest("local", httpmsg.NewRequest("GET", "/", nil))
	// "local" has no response; never touched otherwise.

	var buf bytes.Buffer
	if err := EncodeReport(&buf, report); err != nil {
		t.Fatalf("EncodeReport: %v", err)
	}
	if !strings.Contains(buf.String(), "NoResponse\r\n") {
		t.Fatalf("output missing NoResponse placeholder:\n%s", buf.String())
	}

	decoded, err := DecodeAll(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("len(decoded) = %d, want 1", len(decoded))
	}
	if decoded[0].Response() != nil {
		t.Fatalf("Response() = %+v, want nil", decoded[0].Response())
	}
}

func TestDecodeAllReturnsEOFOnEmptyInput(t *testing.T) {
	decoded, err := DecodeAll(nil)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("len(decoded) = %d, want 0", len(decoded))
	}
}

func TestEncodeEndsWithSeparatorLine(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeReport(&buf, buildReport(uuid.New())); err != nil {
		t.Fatalf("EncodeReport: %v", err)
	}
	if !strings.Contains(buf.String(), separatorLine+"\r\n") {
		t.Fatalf("output missing separator line:\n%s", buf.String())
	}
}
