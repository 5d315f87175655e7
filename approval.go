package penguin

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultApprovalTTL is how long a request stays open before it expires.
// Expiry resolves as ApprovalExpired, with the same effect as a deny.
const defaultApprovalTTL = 5 * time.Minute

// ApprovalDecision is the terminal state of an approval request.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalDenied   ApprovalDecision = "denied"
	ApprovalExpired  ApprovalDecision = "expired"
)

// Granted reports whether the decision permits the operation. Expired is
// identical in effect to denied.
func (d ApprovalDecision) Granted() bool { return d == ApprovalApproved }

// ApprovalRequest is one pending human decision.
type ApprovalRequest struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Resource  string    `json:"resource"`
	Reason    string    `json:"reason"`
	AgentID   string    `json:"agent_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	decided chan ApprovalDecision
	timer   *time.Timer
	once    sync.Once
}

// resolve settles the request exactly once.
func (r *ApprovalRequest) resolve(d ApprovalDecision) {
	r.once.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.decided <- d
		close(r.decided)
	})
}

// ApprovalManager tracks open approval requests. An ASK result opens a
// request; the engine awaits the decision while the workflow sits in
// waiting_input.
type ApprovalManager struct {
	mu      sync.Mutex
	pending map[string]*ApprovalRequest
	ttl     time.Duration
	logger  *slog.Logger
	bus     *EventBus
}

// ApprovalOption configures an ApprovalManager.
type ApprovalOption func(*ApprovalManager)

// WithApprovalTTL overrides the default 5-minute expiry.
func WithApprovalTTL(d time.Duration) ApprovalOption {
	return func(m *ApprovalManager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithApprovalLogger sets a structured logger.
func WithApprovalLogger(l *slog.Logger) ApprovalOption {
	return func(m *ApprovalManager) { m.logger = l }
}

// WithApprovalBus publishes "approval.requested" events so transports
// can surface pending requests.
func WithApprovalBus(b *EventBus) ApprovalOption {
	return func(m *ApprovalManager) { m.bus = b }
}

// NewApprovalManager creates a manager.
func NewApprovalManager(opts ...ApprovalOption) *ApprovalManager {
	m := &ApprovalManager{
		pending: make(map[string]*ApprovalRequest),
		ttl:     defaultApprovalTTL,
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open registers a request and starts its expiry timer.
func (m *ApprovalManager) Open(ctx context.Context, check PermissionCheck) *ApprovalRequest {
	now := time.Now()
	req := &ApprovalRequest{
		ID:        NewID(),
		Operation: check.Operation,
		Resource:  check.Resource,
		Reason:    check.Reason,
		AgentID:   check.AgentID,
		ToolName:  check.ToolName,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		decided:   make(chan ApprovalDecision, 1),
	}
	req.timer = time.AfterFunc(m.ttl, func() {
		m.logger.Info("approval request expired", "request", req.ID, "resource", req.Resource)
		m.settle(req.ID, ApprovalExpired)
	})

	m.mu.Lock()
	m.pending[req.ID] = req
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(ctx, "approval.requested", req)
	}
	return req
}

// Await blocks until the request is decided, expires, or ctx is
// cancelled. Cancellation resolves as expired.
func (m *ApprovalManager) Await(ctx context.Context, req *ApprovalRequest) ApprovalDecision {
	select {
	case d, ok := <-req.decided:
		if !ok {
			return ApprovalExpired
		}
		return d
	case <-ctx.Done():
		m.settle(req.ID, ApprovalExpired)
		return ApprovalExpired
	}
}

// Approve settles a pending request as approved.
func (m *ApprovalManager) Approve(requestID string) bool {
	return m.settle(requestID, ApprovalApproved)
}

// Deny settles a pending request as denied.
func (m *ApprovalManager) Deny(requestID string) bool {
	return m.settle(requestID, ApprovalDenied)
}

// settle resolves and removes a pending request.
func (m *ApprovalManager) settle(requestID string, d ApprovalDecision) bool {
	m.mu.Lock()
	req, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	req.resolve(d)
	return true
}

// Pending lists open requests.
func (m *ApprovalManager) Pending() []*ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ApprovalRequest, 0, len(m.pending))
	for _, r := range m.pending {
		out = append(out, r)
	}
	return out
}
