package penguin

import (
	"context"
	"sync"
	"time"
)

// WireEventName is the single event name the adapter publishes under.
// Transports subscribe here and multiplex by envelope type.
const WireEventName = "wire.event"

// Wire envelope types.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventServerConnected    = "server.connected"
	EventTool               = "tool"
)

// WireEvent is the canonical envelope for client-facing events.
type WireEvent struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// MessageInfo is the message.updated snapshot body.
type MessageInfo struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	AgentID    string         `json:"agent_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	ModelID    string         `json:"model_id,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	Time       MessageTimeRef `json:"time"`
}

// MessageTimeRef carries creation and optional completion stamps.
type MessageTimeRef struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// PartInfo is the message.part.updated body. Delta carries the
// incremental chunk for streaming text and reasoning parts.
type PartInfo struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Status    string `json:"status,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PartEventAdapter translates engine activity into wire events. It is
// the only component that mints wire ids (msg_ and part_ prefixes) and
// the only publisher on WireEventName.
type PartEventAdapter struct {
	bus       *EventBus
	sessionID string
	agentID   string

	mu      sync.Mutex
	created map[string]int64 // message id -> created stamp
}

// NewPartEventAdapter creates an adapter bound to one event bus. The
// session and agent ids annotate every message snapshot.
func NewPartEventAdapter(bus *EventBus, sessionID, agentID string) *PartEventAdapter {
	return &PartEventAdapter{
		bus:       bus,
		sessionID: sessionID,
		agentID:   agentID,
		created:   make(map[string]int64),
	}
}

// emit publishes one envelope. Emission awaits handler completion, so
// ordering on the wire follows call order.
func (a *PartEventAdapter) emit(ctx context.Context, typ string, props map[string]any) {
	if a.bus == nil {
		return
	}
	a.bus.Emit(ctx, WireEventName, WireEvent{Type: typ, Properties: props})
}

// Connected emits the initial server.connected event for a transport.
func (a *PartEventAdapter) Connected(ctx context.Context) {
	a.emit(ctx, EventServerConnected, map[string]any{
		"session_id": a.sessionID,
		"time":       time.Now().Unix(),
	})
}

// OnUserMessage emits a user message snapshot plus its single text part
// and returns the minted message id.
func (a *PartEventAdapter) OnUserMessage(ctx context.Context, text string) string {
	msgID := newPrefixedID("msg")
	now := a.markCreated(msgID)
	a.emit(ctx, EventMessageUpdated, map[string]any{
		"info": MessageInfo{
			ID: msgID, Role: "user",
			AgentID: a.agentID, SessionID: a.sessionID,
			Time: MessageTimeRef{Created: now},
		},
	})
	a.emit(ctx, EventMessagePartUpdated, map[string]any{
		"part": PartInfo{
			ID: newPrefixedID("part"), MessageID: msgID,
			Type: "text", Text: text,
		},
	})
	return msgID
}

// OnStreamStart emits the assistant message snapshot that streaming
// parts will attach to and returns (message id, part id).
func (a *PartEventAdapter) OnStreamStart(ctx context.Context, modelID, providerID string) (string, string) {
	msgID := newPrefixedID("msg")
	partID := newPrefixedID("part")
	now := a.markCreated(msgID)
	a.emit(ctx, EventMessageUpdated, map[string]any{
		"info": MessageInfo{
			ID: msgID, Role: "assistant",
			AgentID: a.agentID, SessionID: a.sessionID,
			ModelID: modelID, ProviderID: providerID,
			Time: MessageTimeRef{Created: now},
		},
	})
	return msgID, partID
}

// OnStreamChunk emits one incremental delta. kind distinguishes text
// from reasoning parts.
func (a *PartEventAdapter) OnStreamChunk(ctx context.Context, msgID, partID, delta string, kind StreamKind) {
	partType := "text"
	if kind == StreamReasoning {
		partType = "reasoning"
	}
	a.emit(ctx, EventMessagePartUpdated, map[string]any{
		"part": PartInfo{
			ID: partID, MessageID: msgID,
			Type: partType, Delta: delta,
		},
	})
}

// OnStreamEnd emits the final message snapshot with time.completed set.
func (a *PartEventAdapter) OnStreamEnd(ctx context.Context, msgID, partID string) {
	_ = partID
	a.emit(ctx, EventMessageUpdated, map[string]any{
		"info": MessageInfo{
			ID: msgID, Role: "assistant",
			AgentID: a.agentID, SessionID: a.sessionID,
			Time: MessageTimeRef{
				Created:   a.createdAt(msgID),
				Completed: time.Now().Unix(),
			},
		},
	})
	a.forget(msgID)
}

// OnToolStart emits a tool lifecycle event with phase start and returns
// the part id the end event should reference.
func (a *PartEventAdapter) OnToolStart(ctx context.Context, tool, input string) string {
	partID := newPrefixedID("part")
	a.emit(ctx, EventTool, map[string]any{
		"phase": "start",
		"part": PartInfo{
			ID: partID, Type: "tool",
			Tool: tool, Text: input,
		},
	})
	return partID
}

// OnToolEnd emits a tool lifecycle event with phase end. output is
// already truncated for display by the caller; elapsed is the dispatch
// wall time.
func (a *PartEventAdapter) OnToolEnd(ctx context.Context, tool, status, output string, elapsed time.Duration) {
	a.emit(ctx, EventTool, map[string]any{
		"phase":       "end",
		"duration_ms": float64(elapsed) / float64(time.Millisecond),
		"part": PartInfo{
			ID: newPrefixedID("part"), Type: "tool",
			Tool: tool, Status: status, Output: output,
		},
	})
}

func (a *PartEventAdapter) markCreated(msgID string) int64 {
	now := time.Now().Unix()
	a.mu.Lock()
	a.created[msgID] = now
	a.mu.Unlock()
	return now
}

func (a *PartEventAdapter) createdAt(msgID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.created[msgID]; ok {
		return t
	}
	return time.Now().Unix()
}

func (a *PartEventAdapter) forget(msgID string) {
	a.mu.Lock()
	delete(a.created, msgID)
	a.mu.Unlock()
}
