package events

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestHubDeliversToAllSubscribers(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe()
	defer cancelA()
	b, cancelB := h.Subscribe()
	defer cancelB()

	h.Publish(Event{Type: TypeSessionStarted, SessionID: "s1"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Type != TypeSessionStarted || ev.SessionID != "s1" {
				t.Errorf("subscriber %s got %+v", name, ev)
			}
			if ev.Time.IsZero() {
				t.Errorf("subscriber %s got an unstamped event", name)
			}
		case <-time.After(time.Second):
			t.Errorf("subscriber %s got nothing", name)
		}
	}
}

func TestHubPublishNeverBlocks(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			h.Publish(Event{Type: TypeCommand})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestHubCancelAndClose(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("cancelled subscription channel still open")
	}
	if h.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", h.Subscribers())
	}

	other, _ := h.Subscribe()
	h.Close()
	if _, ok := <-other; ok {
		t.Error("Close left a subscriber open")
	}

	late, _ := h.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing to a closed hub returned an open channel")
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(Handler(h))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.Publish(Event{Type: TypeSessionEnded, SessionID: "s2", Outcome: "drained"})

	var got Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != TypeSessionEnded || got.SessionID != "s2" || got.Outcome != "drained" {
		t.Errorf("received %+v", got)
	}
}
