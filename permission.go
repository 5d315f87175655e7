package penguin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// PermissionMode sets the enforcer's baseline posture.
type PermissionMode string

const (
	ModeReadOnly  PermissionMode = "READ_ONLY"
	ModeWorkspace PermissionMode = "WORKSPACE"
	ModeFull      PermissionMode = "FULL"
)

// ParsePermissionMode parses a configuration string into a mode.
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch PermissionMode(strings.ToUpper(s)) {
	case ModeReadOnly:
		return ModeReadOnly, nil
	case ModeWorkspace, "":
		return ModeWorkspace, nil
	case ModeFull:
		return ModeFull, nil
	default:
		return "", fmt.Errorf("unknown permission mode %q", s)
	}
}

// restrictiveness orders modes for monotonic narrowing; higher is tighter.
func (m PermissionMode) restrictiveness() int {
	switch m {
	case ModeReadOnly:
		return 2
	case ModeWorkspace:
		return 1
	default:
		return 0
	}
}

// PermissionResult is the outcome of a policy check.
type PermissionResult string

const (
	ResultAllow PermissionResult = "ALLOW"
	ResultAsk   PermissionResult = "ASK"
	ResultDeny  PermissionResult = "DENY"
)

// PermissionCheck is one recorded decision.
type PermissionCheck struct {
	Operation  string           `json:"operation"`
	Resource   string           `json:"resource"`
	Result     PermissionResult `json:"result"`
	Reason     string           `json:"reason,omitempty"`
	PolicyName string           `json:"policy_name,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	AgentID    string           `json:"agent_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
}

// CheckContext carries request metadata into policies.
type CheckContext struct {
	AgentID  string
	ToolName string
	// Command is the full shell command for process.execute checks, used
	// by the safe-command filter.
	Command string
}

// Policy is one link in the chain. Check returns the result and a
// human-readable reason.
type Policy interface {
	Name() string
	Priority() int
	Check(ctx context.Context, operation, resource string, cc CheckContext) (PermissionResult, string)
}

// Enforcer evaluates an ordered policy chain. Configuration is immutable
// after construction; only the audit log mutates, behind its own lock.
//
// Evaluation order:
//  1. yolo → ALLOW (still audited).
//  2. Session allowlist glob match on "operation:resource" → ALLOW.
//  3. Policies in descending priority: first DENY wins immediately;
//     ASKs are collected.
//  4. Any ASK and no DENY → ASK. Otherwise ALLOW.
type Enforcer struct {
	mode     PermissionMode
	yolo     bool
	policies []Policy
	audit    *AuditLog
	logger   *slog.Logger

	allowMu   sync.RWMutex
	allowlist []string // "operation:resource" globs granted for the session
}

// EnforcerOption configures an Enforcer.
type EnforcerOption func(*Enforcer)

// WithYolo bypasses all checks. Every decision is still audited and a
// loud warning is logged at construction.
func WithYolo() EnforcerOption {
	return func(e *Enforcer) { e.yolo = true }
}

// WithPolicies sets the policy chain. Policies are sorted by descending
// priority once, at construction.
func WithPolicies(ps ...Policy) EnforcerOption {
	return func(e *Enforcer) { e.policies = append(e.policies, ps...) }
}

// WithAudit attaches an audit log.
func WithAudit(a *AuditLog) EnforcerOption {
	return func(e *Enforcer) { e.audit = a }
}

// WithEnforcerLogger sets a structured logger.
func WithEnforcerLogger(l *slog.Logger) EnforcerOption {
	return func(e *Enforcer) { e.logger = l }
}

// NewEnforcer creates an enforcer in the given mode.
func NewEnforcer(mode PermissionMode, opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{mode: mode, logger: nopLogger}
	for _, o := range opts {
		o(e)
	}
	sort.SliceStable(e.policies, func(i, j int) bool {
		return e.policies[i].Priority() > e.policies[j].Priority()
	})
	if e.yolo {
		e.logger.Warn("PERMISSION BYPASS ACTIVE: yolo mode allows every operation")
	}
	return e
}

// Mode returns the enforcer's baseline mode.
func (e *Enforcer) Mode() PermissionMode { return e.mode }

// AllowForSession adds an "operation:resource" glob to the session
// allowlist (the effect of a human approving "always allow").
func (e *Enforcer) AllowForSession(pattern string) {
	e.allowMu.Lock()
	defer e.allowMu.Unlock()
	e.allowlist = append(e.allowlist, pattern)
}

// Check evaluates the chain for one operation on one resource.
func (e *Enforcer) Check(ctx context.Context, operation, resource string, cc CheckContext) PermissionCheck {
	check := PermissionCheck{
		Operation: operation,
		Resource:  resource,
		Timestamp: time.Now(),
		AgentID:   cc.AgentID,
		ToolName:  cc.ToolName,
	}

	switch {
	case e.yolo:
		check.Result = ResultAllow
		check.Reason = "yolo bypass"
		check.PolicyName = "yolo"
	case e.sessionAllowed(operation, resource):
		check.Result = ResultAllow
		check.Reason = "session allowlist"
		check.PolicyName = "session_allowlist"
	default:
		check.Result, check.Reason, check.PolicyName = e.evalChain(ctx, operation, resource, cc)
	}

	if e.audit != nil {
		e.audit.Record(check)
	}
	return check
}

// evalChain walks the sorted policies. First DENY short-circuits.
func (e *Enforcer) evalChain(ctx context.Context, operation, resource string, cc CheckContext) (PermissionResult, string, string) {
	var askReason, askPolicy string
	for _, p := range e.policies {
		result, reason := p.Check(ctx, operation, resource, cc)
		switch result {
		case ResultDeny:
			return ResultDeny, reason, p.Name()
		case ResultAsk:
			if askPolicy == "" {
				askReason, askPolicy = reason, p.Name()
			}
		}
	}
	if askPolicy != "" {
		return ResultAsk, askReason, askPolicy
	}
	return ResultAllow, "", ""
}

// sessionAllowed matches "operation:resource" against the allowlist.
func (e *Enforcer) sessionAllowed(operation, resource string) bool {
	e.allowMu.RLock()
	defer e.allowMu.RUnlock()
	key := operation + ":" + resource
	for _, pat := range e.allowlist {
		if ok, err := doublestar.Match(pat, key); err == nil && ok {
			return true
		}
	}
	return false
}

// --- Agent-scoped refinement ---

// AgentPolicy refines a parent enforcer for one agent. A child may only
// narrow: the mode can only become more restrictive, allowed operations
// and paths intersect, denied paths and approval patterns union.
type AgentPolicy struct {
	// Mode, when set, tightens the effective mode. A looser mode than
	// the parent's is ignored.
	Mode PermissionMode
	// AllowedOperations, when non-empty, is intersected with whatever the
	// parent permits: operations outside the list are denied.
	AllowedOperations []string
	// DeniedPaths are additional path globs denied for this agent.
	DeniedPaths []string
	// RequireApproval are additional path globs that force ASK.
	RequireApproval []string
	// AllowedPaths, when non-empty, restricts filesystem resources to
	// these globs (intersection with the parent's boundaries).
	AllowedPaths []string
}

// ScopedEnforcer wraps a parent enforcer with an agent's refinement.
// Monotonic: for every (operation, resource), the scoped result is never
// more permissive than the parent's.
type ScopedEnforcer struct {
	parent *Enforcer
	agent  *AgentPolicy
}

// Scope returns an enforcer view narrowed by the agent policy. A nil
// policy returns the parent unchanged behavior.
func (e *Enforcer) Scope(agent *AgentPolicy) *ScopedEnforcer {
	return &ScopedEnforcer{parent: e, agent: agent}
}

// Check applies the agent refinement, then defers to the parent. The
// parent's DENY always survives; the refinement can only add DENY or ASK.
func (s *ScopedEnforcer) Check(ctx context.Context, operation, resource string, cc CheckContext) PermissionCheck {
	parent := s.parent.Check(ctx, operation, resource, cc)
	if s.agent == nil || parent.Result == ResultDeny {
		return parent
	}

	a := s.agent
	if len(a.AllowedOperations) > 0 && !matchesAny(a.AllowedOperations, operation) {
		return s.audited(PermissionCheck{
			Operation: operation, Resource: resource,
			Result: ResultDeny, Reason: "operation outside agent allowlist",
			PolicyName: "agent_scope", Timestamp: time.Now(),
			AgentID: cc.AgentID, ToolName: cc.ToolName,
		})
	}
	if isFilesystemOp(operation) {
		for _, pat := range a.DeniedPaths {
			if globMatch(pat, resource) {
				return s.audited(PermissionCheck{
					Operation: operation, Resource: resource,
					Result: ResultDeny, Reason: "path denied for agent",
					PolicyName: "agent_scope", Timestamp: time.Now(),
					AgentID: cc.AgentID, ToolName: cc.ToolName,
				})
			}
		}
		if len(a.AllowedPaths) > 0 && !globMatchAny(a.AllowedPaths, resource) {
			return s.audited(PermissionCheck{
				Operation: operation, Resource: resource,
				Result: ResultDeny, Reason: "path outside agent boundary",
				PolicyName: "agent_scope", Timestamp: time.Now(),
				AgentID: cc.AgentID, ToolName: cc.ToolName,
			})
		}
		for _, pat := range a.RequireApproval {
			if globMatch(pat, resource) && parent.Result == ResultAllow {
				parent.Result = ResultAsk
				parent.Reason = "agent approval pattern"
				parent.PolicyName = "agent_scope"
				return parent
			}
		}
	}
	if a.Mode != "" && a.Mode.restrictiveness() > s.parent.mode.restrictiveness() {
		if a.Mode == ModeReadOnly && !isReadOperation(operation, cc) && parent.Result == ResultAllow {
			parent.Result = ResultDeny
			parent.Reason = "agent mode is read-only"
			parent.PolicyName = "agent_scope"
		}
	}
	return parent
}

// audited records a refinement decision on the parent's audit log.
func (s *ScopedEnforcer) audited(check PermissionCheck) PermissionCheck {
	if s.parent.audit != nil {
		s.parent.audit.Record(check)
	}
	return check
}

// Narrow merges a child refinement onto a parent refinement, producing
// the effective policy for a sub-agent. Children only narrow.
func (p *AgentPolicy) Narrow(child *AgentPolicy) *AgentPolicy {
	if p == nil {
		return child
	}
	if child == nil {
		return p
	}
	out := &AgentPolicy{
		Mode:            p.Mode,
		DeniedPaths:     append(append([]string{}, p.DeniedPaths...), child.DeniedPaths...),
		RequireApproval: append(append([]string{}, p.RequireApproval...), child.RequireApproval...),
	}
	if child.Mode.restrictiveness() > p.Mode.restrictiveness() {
		out.Mode = child.Mode
	}
	out.AllowedOperations = intersect(p.AllowedOperations, child.AllowedOperations)
	out.AllowedPaths = intersect(p.AllowedPaths, child.AllowedPaths)
	return out
}

// intersect returns the intersection of two lists, treating an empty
// list as "everything".
func intersect(a, b []string) []string {
	if len(a) == 0 {
		return append([]string{}, b...)
	}
	if len(b) == 0 {
		return append([]string{}, a...)
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	var out []string
	for _, s := range b {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

// matchesAny reports whether op matches any pattern (glob or exact).
func matchesAny(patterns []string, op string) bool {
	for _, p := range patterns {
		if p == op || globMatch(p, op) {
			return true
		}
	}
	return false
}

// globMatch is doublestar matching that treats pattern errors as a miss.
func globMatch(pattern, s string) bool {
	ok, err := doublestar.Match(pattern, s)
	return err == nil && ok
}

// globMatchAny reports whether s matches any of the patterns.
func globMatchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if globMatch(p, s) {
			return true
		}
	}
	return false
}

// isFilesystemOp reports whether an operation targets the filesystem.
func isFilesystemOp(op string) bool {
	return strings.HasPrefix(op, "filesystem.")
}

// isReadOperation reports whether an operation is read-only. Shell
// commands count as reads only when the safe-command filter accepts them.
func isReadOperation(op string, cc CheckContext) bool {
	switch op {
	case "filesystem.read", "memory.read", "git.read":
		return true
	case "process.execute":
		return isSafeReadCommand(cc.Command)
	default:
		return false
	}
}
