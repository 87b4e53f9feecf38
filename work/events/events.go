// Package events fans broker lifecycle events out to admin subscribers.
package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"audio-relay/work/logger"
)

// Event types published by the broker.
const (
	TypeClassified      = "classified"
	TypeRejected        = "rejected"
	TypeSessionStarted  = "session_started"
	TypeSessionEnded    = "session_ended"
	TypeControlAttached = "control_attached"
	TypeControlDetached = "control_detached"
	TypeCommand         = "command"
	TypeShutdown        = "shutdown"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"sessionId,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Role      string    `json:"role,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

const subscriberBuffer = 32

// Hub delivers published events to every subscriber. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes it and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish stamps ev and offers it to every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logger.Debug("{events - Publish} subscriber full, dropped %s event", ev.Type)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

const writeTimeout = 5 * time.Second

// Handler streams events to a websocket client as JSON text frames until
// the client goes away or the hub is closed.
func Handler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Warn("{events - Handler} websocket accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// the feed is one way; CloseRead handles pings and the client close
		ctx := conn.CloseRead(r.Context())

		ch, cancel := h.Subscribe()
		defer cancel()

		logger.Debug("{events - Handler} subscriber %s attached", r.RemoteAddr)
		for {
			select {
			case <-ctx.Done():
				logger.Debug("{events - Handler} subscriber %s left", r.RemoteAddr)
				return
			case ev, ok := <-ch:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "shutting down")
					return
				}
				if err := write(ctx, conn, ev); err != nil {
					logger.Debug("{events - Handler} write to %s failed: %v", r.RemoteAddr, err)
					return
				}
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
