package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRecordAssignsMonotonicIDs(t *testing.T) {
	l := NewLog(10, nil)

	a := l.Record(Entry{Tool: "fs__read", Decision: DecisionAllowed})
	b := l.Record(Entry{Tool: "fs__write", Decision: DecisionDenied})
	if a.ID != 1 || b.ID != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("missing timestamp should be stamped")
	}
}

func TestRecordRedactsArguments(t *testing.T) {
	l := NewLog(10, nil)
	e := l.Record(Entry{
		Tool:      "db__query",
		Decision:  DecisionAllowed,
		Arguments: map[string]any{"sql": "select 1", "password": "hunter2"},
	})
	if e.Arguments["password"] != RedactedPlaceholder {
		t.Error("arguments not redacted on record")
	}
	stored := l.Recent(1)[0]
	if stored.Arguments["password"] != RedactedPlaceholder {
		t.Error("stored entry holds unredacted arguments")
	}
}

func TestRingEviction(t *testing.T) {
	l := NewLog(3, nil)
	for i := 0; i < 5; i++ {
		l.Record(Entry{Tool: "t", Decision: DecisionAllowed})
	}

	if l.Len() != 3 {
		t.Fatalf("len = %d, want capacity 3", l.Len())
	}
	entries := l.Recent(10)
	if len(entries) != 3 {
		t.Fatalf("recent = %d entries", len(entries))
	}
	// Newest first; ids keep growing across evictions.
	if entries[0].ID != 5 || entries[2].ID != 3 {
		t.Errorf("ids = %d..%d, want 5..3", entries[0].ID, entries[2].ID)
	}
}

func seedLog(t *testing.T) *Log {
	t.Helper()
	l := NewLog(100, nil)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	seed := []Entry{
		{Timestamp: base, SessionID: "s1", Role: "frontend", Tool: "fs__read", Server: "fs", Decision: DecisionAllowed, DurationMs: 12},
		{Timestamp: base.Add(time.Minute), SessionID: "s1", Role: "frontend", Tool: "fs__write", Server: "fs", Decision: DecisionDenied, Reason: "not in allow scope"},
		{Timestamp: base.Add(2 * time.Minute), SessionID: "s2", Role: "backend", Tool: "db__query", Server: "db", Decision: DecisionAllowed, DurationMs: 40},
		{Timestamp: base.Add(3 * time.Minute), SessionID: "s2", Role: "backend", Tool: "db__query", Server: "db", Decision: DecisionError, Error: "timeout"},
	}
	for _, e := range seed {
		l.Record(e)
	}
	return l
}

func TestQueryFiltersAndOrder(t *testing.T) {
	l := seedLog(t)

	got := l.Query(Query{Role: "backend"})
	if len(got) != 2 {
		t.Fatalf("backend entries = %d, want 2", len(got))
	}
	if !got[0].Timestamp.After(got[1].Timestamp) {
		t.Error("results must be newest first")
	}

	if got := l.Query(Query{Decision: DecisionDenied}); len(got) != 1 || got[0].Tool != "fs__write" {
		t.Errorf("denied query = %+v", got)
	}
	if got := l.Query(Query{Server: "fs", Decision: DecisionAllowed}); len(got) != 1 {
		t.Errorf("combined filter = %d entries", len(got))
	}
	if got := l.Query(Query{SessionID: "s1"}); len(got) != 2 {
		t.Errorf("session filter = %d entries", len(got))
	}

	since := time.Date(2025, 6, 1, 10, 2, 0, 0, time.UTC)
	if got := l.Query(Query{Since: since}); len(got) != 2 {
		t.Errorf("since filter = %d entries", len(got))
	}
	until := time.Date(2025, 6, 1, 10, 0, 30, 0, time.UTC)
	if got := l.Query(Query{Until: until}); len(got) != 1 {
		t.Errorf("until filter = %d entries", len(got))
	}
}

func TestQueryPagination(t *testing.T) {
	l := seedLog(t)

	page1 := l.Query(Query{Limit: 2})
	page2 := l.Query(Query{Limit: 2, Offset: 2})
	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("pages = %d, %d", len(page1), len(page2))
	}
	if page1[1].ID == page2[0].ID {
		t.Error("pages overlap")
	}
	if got := l.Query(Query{Offset: 10}); got != nil {
		t.Errorf("offset past the end = %v, want nil", got)
	}
}

func TestStats(t *testing.T) {
	l := seedLog(t)
	stats := l.Stats()

	if stats.Total != 4 || stats.Allowed != 2 || stats.Denied != 1 || stats.Errors != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByTool["db__query"] != 2 {
		t.Errorf("byTool = %v", stats.ByTool)
	}
	if stats.ByRole["frontend"] != 2 {
		t.Errorf("byRole = %v", stats.ByRole)
	}
	if !stats.Newest.After(stats.Oldest) {
		t.Error("newest should be after oldest")
	}
}

func TestExportCSV(t *testing.T) {
	l := seedLog(t)

	var buf bytes.Buffer
	if err := l.ExportCSV(&buf, Query{}); err != nil {
		t.Fatalf("export: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("rows = %d, want header + 4", len(records))
	}
	if records[0][0] != "id" || records[0][7] != "decision" {
		t.Errorf("header = %v", records[0])
	}
	// Newest first: the error row comes right after the header.
	if !strings.Contains(strings.Join(records[1], ","), "timeout") {
		t.Errorf("first row = %v, want the newest entry", records[1])
	}
}

func TestExportJSON(t *testing.T) {
	l := seedLog(t)

	var buf bytes.Buffer
	if err := l.ExportJSON(&buf, Query{Decision: DecisionAllowed}); err != nil {
		t.Fatalf("export: %v", err)
	}

	var entries []Entry
	if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Decision != DecisionAllowed {
			t.Errorf("decision = %s", e.Decision)
		}
	}
}
