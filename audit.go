package penguin

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// PermissionEventName is the event bus name recorded checks publish
// under when a bus is attached.
const PermissionEventName = "permission.check"

// AuditVerbosity controls which checks of a category reach the log file.
type AuditVerbosity string

const (
	AuditOff        AuditVerbosity = "off"
	AuditDenyOnly   AuditVerbosity = "deny_only"
	AuditAskAndDeny AuditVerbosity = "ask_and_deny"
	AuditAll        AuditVerbosity = "all"
)

// shouldWrite reports whether a result passes the verbosity filter.
func (v AuditVerbosity) shouldWrite(r PermissionResult) bool {
	switch v {
	case AuditAll:
		return true
	case AuditAskAndDeny:
		return r == ResultAsk || r == ResultDeny
	case AuditDenyOnly:
		return r == ResultDeny
	default:
		return false
	}
}

// defaultAuditEntries sizes the in-memory ring buffer.
const defaultAuditEntries = 1000

// AuditLog keeps a ring buffer of recent permission checks and
// optionally writes JSON Lines to a file with per-category verbosity.
// Categories key on the operation namespace ("filesystem", "process",
// "network", "git", "memory"); the "*" category is the fallback.
type AuditLog struct {
	mu      sync.Mutex
	ring    []PermissionCheck
	next    int
	filled  bool
	maxSize int

	file       *os.File
	categories map[string]AuditVerbosity
	logger     *slog.Logger
	bus        *EventBus
}

// AuditOption configures an AuditLog.
type AuditOption func(*AuditLog)

// WithAuditFile appends JSON Lines to the named file.
func WithAuditFile(path string) AuditOption {
	return func(a *AuditLog) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			a.logger.Warn("audit file open failed", "path", path, "error", err)
			return
		}
		a.file = f
	}
}

// WithAuditCategories sets per-category verbosity for the file sink.
func WithAuditCategories(categories map[string]AuditVerbosity) AuditOption {
	return func(a *AuditLog) { a.categories = categories }
}

// WithAuditMaxEntries sizes the in-memory ring buffer.
func WithAuditMaxEntries(n int) AuditOption {
	return func(a *AuditLog) {
		if n > 0 {
			a.maxSize = n
		}
	}
}

// WithAuditLogger sets a structured logger for sink failures.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLog) { a.logger = l }
}

// WithAuditBus publishes every recorded check on the event bus so
// observers (metrics, transports) can react to denials.
func WithAuditBus(b *EventBus) AuditOption {
	return func(a *AuditLog) { a.bus = b }
}

// NewAuditLog creates an audit log.
func NewAuditLog(opts ...AuditOption) *AuditLog {
	a := &AuditLog{
		maxSize: defaultAuditEntries,
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(a)
	}
	a.ring = make([]PermissionCheck, a.maxSize)
	return a
}

// Record appends a check to the ring and, when it passes the category's
// verbosity filter, writes one JSON line to the file sink. Bus emission
// happens outside the lock: handlers may query the log.
func (a *AuditLog) Record(check PermissionCheck) {
	a.mu.Lock()
	a.ring[a.next] = check
	a.next = (a.next + 1) % a.maxSize
	if a.next == 0 {
		a.filled = true
	}
	a.writeLocked(check)
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Emit(context.Background(), PermissionEventName, check)
	}
}

// writeLocked appends one JSON line to the file sink when the category's
// verbosity admits the result. Caller holds a.mu.
func (a *AuditLog) writeLocked(check PermissionCheck) {
	if a.file == nil {
		return
	}
	verbosity, ok := a.categories[operationCategory(check.Operation)]
	if !ok {
		verbosity, ok = a.categories["*"]
		if !ok {
			verbosity = AuditAskAndDeny
		}
	}
	if !verbosity.shouldWrite(check.Result) {
		return
	}
	line, err := json.Marshal(check)
	if err != nil {
		return
	}
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		a.logger.Warn("audit write failed", "error", err)
	}
}

// Recent returns up to n checks, newest last.
func (a *AuditLog) Recent(n int) []PermissionCheck {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.next
	if a.filled {
		size = a.maxSize
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]PermissionCheck, 0, n)
	start := a.next - n
	if start < 0 {
		start += a.maxSize
	}
	for i := 0; i < n; i++ {
		out = append(out, a.ring[(start+i)%a.maxSize])
	}
	return out
}

// Close releases the file sink.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

// operationCategory returns the namespace of an operation
// ("filesystem.read" → "filesystem").
func operationCategory(op string) string {
	for i := 0; i < len(op); i++ {
		if op[i] == '.' {
			return op[:i]
		}
	}
	return op
}
