package penguin

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HumanRecipient is the reserved recipient id for messages addressed to
// the human operator.
const HumanRecipient = "human"

// MessageBus routes addressed messages between agents and the human.
// Every delivered message is mirrored into the recipient's session so
// the conversation record stays complete, and published as a
// "bus.message" event for transports.
type MessageBus struct {
	sessions SessionCoordinator
	events   *EventBus
	logger   *slog.Logger

	mu    sync.Mutex
	human []BusMessage
}

// MessageBusOption configures a MessageBus.
type MessageBusOption func(*MessageBus)

// WithMessageBusLogger sets a structured logger.
func WithMessageBusLogger(l *slog.Logger) MessageBusOption {
	return func(b *MessageBus) { b.logger = l }
}

// WithMessageBusEvents publishes delivered messages on an event bus.
func WithMessageBusEvents(e *EventBus) MessageBusOption {
	return func(b *MessageBus) { b.events = e }
}

// NewMessageBus creates a bus over the session coordinator that owns
// the recipients.
func NewMessageBus(sessions SessionCoordinator, opts ...MessageBusOption) *MessageBus {
	b := &MessageBus{
		sessions: sessions,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Send delivers a message from one agent to another. The recipient must
// exist; delivery appends to the recipient's session so its next
// reasoning step sees it.
func (b *MessageBus) Send(ctx context.Context, msg BusMessage) error {
	if msg.Recipient == HumanRecipient {
		return b.SendToHuman(ctx, msg)
	}
	if _, ok := b.sessions.Agent(msg.Recipient); !ok {
		return &ErrUnknownAgent{AgentID: msg.Recipient}
	}
	b.stamp(&msg)
	if _, err := b.sessions.AddBusMessage(msg); err != nil {
		return err
	}
	b.publish(ctx, msg)
	b.logger.Debug("bus delivery",
		"sender", msg.Sender,
		"recipient", msg.Recipient,
		"message_type", string(msg.MessageType))
	return nil
}

// SendToHuman queues a message for the human operator. Queued messages
// are held until drained with HumanInbox.
func (b *MessageBus) SendToHuman(ctx context.Context, msg BusMessage) error {
	msg.Recipient = HumanRecipient
	b.stamp(&msg)

	b.mu.Lock()
	b.human = append(b.human, msg)
	b.mu.Unlock()

	b.publish(ctx, msg)
	return nil
}

// HumanReply injects the human's reply into an agent's session as a
// user message, visible on the agent's next turn.
func (b *MessageBus) HumanReply(ctx context.Context, agentID, content string) error {
	if _, ok := b.sessions.Agent(agentID); !ok {
		return &ErrUnknownAgent{AgentID: agentID}
	}
	if _, err := b.sessions.AddUserMessage(agentID, content, ""); err != nil {
		return err
	}
	b.publish(ctx, BusMessage{
		Sender:      HumanRecipient,
		Recipient:   agentID,
		MessageType: BusTypeMessage,
		Content:     content,
		Timestamp:   time.Now(),
	})
	return nil
}

// HumanInbox drains and returns every message queued for the human.
func (b *MessageBus) HumanInbox() []BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.human
	b.human = nil
	return out
}

func (b *MessageBus) stamp(msg *BusMessage) {
	if msg.MessageType == "" {
		msg.MessageType = BusTypeMessage
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
}

func (b *MessageBus) publish(ctx context.Context, msg BusMessage) {
	if b.events != nil {
		b.events.Emit(ctx, "bus.message", msg)
	}
}
