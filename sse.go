package penguin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
)

// sseKeepAlive is the idle interval between keep-alive comments so
// proxies do not drop quiet streams.
const sseKeepAlive = 300 * time.Second

// SSEHandler bridges wire events to a Server-Sent Events response. Each
// connected client gets its own event bus subscription; the handler
// multiplexes by filtering envelope types.
type SSEHandler struct {
	bus     *EventBus
	filter  map[string]bool
	logger  *slog.Logger
	adapter *PartEventAdapter
}

// SSEOption configures an SSEHandler.
type SSEOption func(*SSEHandler)

// WithSSEFilter limits the envelope types forwarded to clients. Empty
// means all.
func WithSSEFilter(types ...string) SSEOption {
	return func(h *SSEHandler) {
		h.filter = make(map[string]bool, len(types))
		for _, t := range types {
			h.filter[t] = true
		}
	}
}

// WithSSELogger sets a structured logger.
func WithSSELogger(l *slog.Logger) SSEOption {
	return func(h *SSEHandler) { h.logger = l }
}

// WithSSEAdapter emits server.connected through the adapter when a
// client attaches.
func WithSSEAdapter(a *PartEventAdapter) SSEOption {
	return func(h *SSEHandler) { h.adapter = a }
}

// NewSSEHandler creates a handler over the bus that wire events publish
// on.
func NewSSEHandler(bus *EventBus, opts ...SSEOption) *SSEHandler {
	h := &SSEHandler{
		bus:    bus,
		logger: nopLogger,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP implements http.Handler. It blocks until the client
// disconnects or the request context ends.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	events := make(chan WireEvent, 64)
	sub := h.bus.Subscribe(WireEventName, func(_ context.Context, payload any) {
		ev, ok := payload.(WireEvent)
		if !ok {
			return
		}
		if len(h.filter) > 0 && !h.filter[ev.Type] {
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		default:
			// Slow client: drop rather than stall the bus.
		}
	})
	defer h.bus.Unsubscribe(sub)

	if h.adapter != nil {
		h.adapter.Connected(ctx)
	} else {
		h.write(w, flusher, sse.Event{
			Event: EventServerConnected,
			Data:  map[string]any{"time": time.Now().Unix()},
		})
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			h.write(w, flusher, sse.Event{Event: ev.Type, Data: ev.Properties})
		case <-keepAlive.C:
			h.write(w, flusher, sse.Event{Event: "keep-alive", Data: "ping"})
		}
	}
}

func (h *SSEHandler) write(w http.ResponseWriter, flusher http.Flusher, ev sse.Event) {
	if err := sse.Encode(w, ev); err != nil {
		h.logger.Debug("sse encode failed", "error", err)
		return
	}
	flusher.Flush()
}
