// Package audit keeps a bounded in-memory record of routing decisions:
// who called which tool on which upstream, what the gateway decided, and
// why. Arguments are redacted before they are stored.
package audit

import "time"

// Decision is the gateway's verdict on one tool call.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
	DecisionError   Decision = "error"
)

// Entry is one audit record.
type Entry struct {
	// ID is assigned monotonically at record time.
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	SessionID string `json:"sessionId,omitempty"`
	AgentName string `json:"agentName,omitempty"`
	Role      string `json:"role,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Server    string `json:"server,omitempty"`

	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	Error    string   `json:"error,omitempty"`

	// DurationMs is the end-to-end routing latency for forwarded calls.
	DurationMs int64 `json:"durationMs,omitempty"`

	// Arguments are stored redacted.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Query filters audit reads. Zero fields match everything.
type Query struct {
	SessionID string    `json:"sessionId,omitempty"`
	Role      string    `json:"role,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Server    string    `json:"server,omitempty"`
	Decision  Decision  `json:"decision,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Until     time.Time `json:"until,omitempty"`

	// Limit bounds the result set; zero means the default page size.
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Matches reports whether an entry passes the query filters.
func (q Query) Matches(e Entry) bool {
	if q.SessionID != "" && e.SessionID != q.SessionID {
		return false
	}
	if q.Role != "" && e.Role != q.Role {
		return false
	}
	if q.Tool != "" && e.Tool != q.Tool {
		return false
	}
	if q.Server != "" && e.Server != q.Server {
		return false
	}
	if q.Decision != "" && e.Decision != q.Decision {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// Stats summarizes the retained window.
type Stats struct {
	Total   int `json:"total"`
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
	Errors  int `json:"errors"`

	ByTool map[string]int `json:"byTool,omitempty"`
	ByRole map[string]int `json:"byRole,omitempty"`

	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}
