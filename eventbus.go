package penguin

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Priority orders handler invocation within one event name.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// Handler receives an emitted payload. Emit waits for the handler to
// return unless the subscription was registered with Async().
type Handler func(ctx context.Context, payload any)

// Subscription identifies one registered handler. Callers hold the token
// and pass it to Unsubscribe when done; the bus keeps strong handles
// keyed by token, so dropping the token without unsubscribing leaks the
// handler for the bus's lifetime.
type Subscription struct {
	id    uint64
	event string
}

// subscriber is one registered handler with its ordering keys.
type subscriber struct {
	id       uint64
	priority Priority
	seq      uint64 // subscription order within a priority
	fn       Handler
	async    bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscriber)

// WithPriority sets the handler's priority (default PriorityNormal).
func WithPriority(p Priority) SubscribeOption {
	return func(s *subscriber) { s.priority = p }
}

// Async detaches the handler from Emit: it runs in its own goroutine and
// Emit does not wait for it. Ordering relative to other handlers of the
// same event is preserved at launch time only.
func Async() SubscribeOption {
	return func(s *subscriber) { s.async = true }
}

// EventBus is a process-wide priority pub/sub. Handlers for a given
// event name are invoked in priority order (high → normal → low), within
// a priority in subscription order. Emissions on the same event name
// serialize; emissions on different names may interleave.
type EventBus struct {
	mu     sync.RWMutex
	events map[string]*eventEntry
	nextID atomic.Uint64
	logger *slog.Logger
}

// eventEntry holds the subscriber list and emit lock for one event name.
type eventEntry struct {
	emitMu sync.Mutex // serializes Emit per event name
	subs   []*subscriber
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// WithBusLogger sets a structured logger for handler failures.
// If not set, no logs are emitted.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *EventBus) { b.logger = l }
}

// NewEventBus creates an empty bus.
func NewEventBus(opts ...BusOption) *EventBus {
	b := &EventBus{
		events: make(map[string]*eventEntry),
		logger: nopLogger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a handler for an event name and returns a token
// for Unsubscribe.
func (b *EventBus) Subscribe(event string, fn Handler, opts ...SubscribeOption) Subscription {
	sub := &subscriber{
		id:       b.nextID.Add(1),
		priority: PriorityNormal,
		fn:       fn,
	}
	for _, o := range opts {
		o(sub)
	}
	sub.seq = sub.id

	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.events[event]
	if entry == nil {
		entry = &eventEntry{}
		b.events[event] = entry
	}
	entry.subs = append(entry.subs, sub)
	sort.SliceStable(entry.subs, func(i, j int) bool {
		if entry.subs[i].priority != entry.subs[j].priority {
			return entry.subs[i].priority < entry.subs[j].priority
		}
		return entry.subs[i].seq < entry.subs[j].seq
	})
	return Subscription{id: sub.id, event: event}
}

// Unsubscribe removes a previously registered handler. Unknown tokens
// are a no-op.
func (b *EventBus) Unsubscribe(token Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.events[token.event]
	if entry == nil {
		return
	}
	for i, s := range entry.subs {
		if s.id == token.id {
			entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
			break
		}
	}
}

// Emit delivers payload to every handler subscribed to event, in priority
// order, and returns once all synchronous handlers have run. A panicking
// handler is logged and isolated; it never blocks the others and does not
// change the emission outcome.
func (b *EventBus) Emit(ctx context.Context, event string, payload any) {
	b.mu.RLock()
	entry := b.events[event]
	var snapshot []*subscriber
	if entry != nil {
		snapshot = make([]*subscriber, len(entry.subs))
		copy(snapshot, entry.subs)
	}
	b.mu.RUnlock()
	if entry == nil || len(snapshot) == 0 {
		return
	}

	// Per-event-name serialization makes handler ordering observable:
	// a single emitter's emissions are seen in emit order.
	entry.emitMu.Lock()
	defer entry.emitMu.Unlock()

	for _, s := range snapshot {
		if s.async {
			go b.invoke(ctx, event, s, payload)
			continue
		}
		b.invoke(ctx, event, s, payload)
	}
}

// invoke runs one handler with panic isolation.
func (b *EventBus) invoke(ctx context.Context, event string, s *subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				"event", event,
				"handler_id", s.id,
				"panic", r)
		}
	}()
	s.fn(ctx, payload)
}

// SubscriberCount returns the number of handlers registered for event.
func (b *EventBus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if entry := b.events[event]; entry != nil {
		return len(entry.subs)
	}
	return 0
}

// Clear removes all subscriptions for all event names.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = make(map[string]*eventEntry)
}

// nopLogger discards all output. Components fall back to it when no
// logger is configured so the library stays silent by default.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
