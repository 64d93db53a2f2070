package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the number of entries retained before the
	// oldest are evicted.
	DefaultCapacity = 10000

	// defaultPageSize bounds query results when no limit is given.
	defaultPageSize = 100
)

// Log is a fixed-capacity in-memory audit trail. Writes evict the oldest
// entry once capacity is reached; ids keep growing monotonically across
// evictions.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	count    int
	nextID   int64
	capacity int
	logger   *slog.Logger
}

// NewLog creates an audit log. Zero or negative capacity means
// DefaultCapacity. The logger may be nil.
func NewLog(capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		entries:  make([]Entry, capacity),
		capacity: capacity,
		logger:   logger.With("component", "audit"),
	}
}

// Record stores one entry, assigning its id, stamping a missing
// timestamp, and redacting its arguments. The stored entry is returned.
func (l *Log) Record(e Entry) Entry {
	e.Arguments = Redact(e.Arguments)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.nextID++
	e.ID = l.nextID
	l.entries[l.next] = e
	l.next = (l.next + 1) % l.capacity
	if l.count < l.capacity {
		l.count++
	}
	l.mu.Unlock()

	if e.Decision == DecisionDenied {
		l.logger.Warn("tool call denied",
			"tool", e.Tool, "role", e.Role, "reason", e.Reason)
	} else {
		l.logger.Debug("tool call recorded",
			"tool", e.Tool, "role", e.Role, "decision", e.Decision)
	}
	return e
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// snapshot copies the retained entries in insertion order.
func (l *Log) snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, l.count)
	start := 0
	if l.count == l.capacity {
		start = l.next
	}
	for i := 0; i < l.count; i++ {
		out = append(out, l.entries[(start+i)%l.capacity])
	}
	return out
}

// Query returns matching entries newest first, paginated by the query's
// offset and limit.
func (l *Log) Query(q Query) []Entry {
	all := l.snapshot()

	matched := make([]Entry, 0, len(all))
	for _, e := range all {
		if q.Matches(e) {
			matched = append(matched, e)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil
	}
	matched = matched[offset:]

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// Recent returns the n newest entries, newest first.
func (l *Log) Recent(n int) []Entry {
	return l.Query(Query{Limit: n})
}

// Stats summarizes the retained window.
func (l *Log) Stats() Stats {
	all := l.snapshot()

	stats := Stats{
		ByTool: make(map[string]int),
		ByRole: make(map[string]int),
	}
	for _, e := range all {
		stats.Total++
		switch e.Decision {
		case DecisionAllowed:
			stats.Allowed++
		case DecisionDenied:
			stats.Denied++
		case DecisionError:
			stats.Errors++
		}
		if e.Tool != "" {
			stats.ByTool[e.Tool]++
		}
		if e.Role != "" {
			stats.ByRole[e.Role]++
		}
		if stats.Oldest.IsZero() || e.Timestamp.Before(stats.Oldest) {
			stats.Oldest = e.Timestamp
		}
		if e.Timestamp.After(stats.Newest) {
			stats.Newest = e.Timestamp
		}
	}
	return stats
}

// ExportJSON writes matching entries as a JSON array, newest first.
func (l *Log) ExportJSON(w io.Writer, q Query) error {
	entries := l.Query(q)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// csvHeader is the column order of CSV exports.
var csvHeader = []string{
	"id", "timestamp", "session_id", "agent_name", "role",
	"server", "tool", "decision", "reason", "duration_ms", "error", "arguments",
}

// ExportCSV writes matching entries as CSV, newest first. Arguments are
// JSON-encoded into the last column.
func (l *Log) ExportCSV(w io.Writer, q Query) error {
	entries := l.Query(q)

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, e := range entries {
		args := ""
		if len(e.Arguments) > 0 {
			data, err := json.Marshal(e.Arguments)
			if err != nil {
				return fmt.Errorf("audit: encode arguments: %w", err)
			}
			args = string(data)
		}
		record := []string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.Format(time.RFC3339Nano),
			e.SessionID,
			e.AgentName,
			e.Role,
			e.Server,
			e.Tool,
			string(e.Decision),
			e.Reason,
			strconv.FormatInt(e.DurationMs, 10),
			e.Error,
			args,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit: write csv record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
