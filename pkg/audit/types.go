package audit

import "context"

// Entry records a single scoring action for the audit trail.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"timestamp"`
	Action     string `json:"action"`
	Transport  string `json:"transport"` // "http" or "mcp"
	UserID     string `json:"user_id"`
	AnonID     string `json:"anon_id"`
	RequestID  string `json:"request_id"`
	Parameters string `json:"parameters"`
	Result     string `json:"result"`
	Error      string `json:"error_message"`
	DurationMs int64  `json:"duration_ms"`
	Status     string `json:"status"` // "success" or "error"
}

// Logger writes audit entries to storage.
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
	LogAsync(entry *Entry)
	Close() error
}

type anonKey struct{}

// WithAnonID stores the anonymous caller id for the audit middleware.
func WithAnonID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, anonKey{}, id)
}

// GetAnonID returns the id stored by WithAnonID.
func GetAnonID(ctx context.Context) string {
	v, _ := ctx.Value(anonKey{}).(string)
	return v
}
