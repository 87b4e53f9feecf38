package registry

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"audio-relay/work/types"
)

// controlPair returns the server side of a control connection and a channel
// delivering everything the peer receives until the server side is closed.
func controlPair(t *testing.T) (net.Conn, <-chan string) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	received := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(client)
		received <- string(data)
	}()
	return server, received
}

func TestTryStartSessionAdmitsOnlyOne(t *testing.T) {
	r := New(time.Second)

	if !r.TryStartSession("a") {
		t.Fatal("first session should be admitted")
	}
	if r.TryStartSession("b") {
		t.Fatal("second session must be rejected while busy")
	}

	s := r.Snapshot()
	if !s.Busy || s.SessionID != "a" {
		t.Errorf("snapshot = %+v, want busy session a", s)
	}

	r.EndSession()
	if !r.TryStartSession("c") {
		t.Fatal("session should be admitted after EndSession")
	}
}

func TestTryStartSessionClearsStopFlag(t *testing.T) {
	r := New(time.Second)
	r.TryStartSession("a")
	r.RequestStop()
	if !r.StopRequested() {
		t.Fatal("stop should be recorded while busy")
	}
	r.EndSession()

	r.TryStartSession("b")
	if r.StopRequested() {
		t.Error("new session must start with stop cleared")
	}
}

func TestRequestStopIsNoopWhenIdle(t *testing.T) {
	r := New(time.Second)
	if r.RequestStop() {
		t.Error("RequestStop should report false when idle")
	}
	if r.StopRequested() {
		t.Error("stop flag must not be set when idle")
	}
}

func TestEndSessionNotifiesAndClosesControl(t *testing.T) {
	r := New(time.Second)
	conn, received := controlPair(t)

	r.RegisterControl(conn)
	r.TryStartSession("a")
	r.EndSession()

	select {
	case got := <-received:
		if got != types.CompletionToken {
			t.Errorf("control peer got %q, want %q", got, types.CompletionToken)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control connection was not closed after the notice")
	}

	s := r.Snapshot()
	if s.Busy || s.ControlRegistered {
		t.Errorf("snapshot after end = %+v", s)
	}
}

func TestEndSessionWithoutControl(t *testing.T) {
	r := New(time.Second)
	r.TryStartSession("a")
	r.EndSession()

	if r.Snapshot().Busy {
		t.Error("busy must be cleared")
	}
}

func TestEndSessionStalledControlPeer(t *testing.T) {
	r := New(50 * time.Millisecond)
	server, client := net.Pipe()
	defer client.Close()

	// nobody reads from client, so the notice write hits the deadline
	r.RegisterControl(server)
	r.TryStartSession("a")

	done := make(chan struct{})
	go func() {
		r.EndSession()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("EndSession blocked on a stalled control peer")
	}
	if r.Snapshot().Busy {
		t.Error("busy must be cleared even when the notice fails")
	}
}

func TestEndSessionReleasesLockDuringNotice(t *testing.T) {
	r := New(time.Second)
	server, client := net.Pipe()
	defer client.Close()

	r.RegisterControl(server)
	r.TryStartSession("a")

	done := make(chan struct{})
	go func() {
		r.EndSession()
		close(done)
	}()

	// the control is detached before the write starts; wait for that
	deadline := time.Now().Add(time.Second)
	for r.Snapshot().ControlRegistered {
		if time.Now().After(deadline) {
			t.Fatal("EndSession never detached the control connection")
		}
		time.Sleep(time.Millisecond)
	}

	replacement, received := controlPair(t)
	calls := []struct {
		name string
		fn   func()
	}{
		{"Snapshot", func() {
			if !r.Snapshot().Busy {
				t.Error("busy must stay set while the notice is in flight")
			}
		}},
		{"TryStartSession", func() {
			if r.TryStartSession("b") {
				t.Error("admission must be refused while the notice is in flight")
			}
		}},
		{"RequestStop", func() { r.RequestStop() }},
		{"RegisterControl", func() { r.RegisterControl(replacement) }},
	}
	for _, c := range calls {
		returned := make(chan struct{})
		go func() {
			c.fn()
			close(returned)
		}()
		select {
		case <-returned:
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("%s blocked behind the completion notice write", c.name)
		}
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("EndSession did not return after the write deadline")
	}

	s := r.Snapshot()
	if s.Busy || s.StopRequested {
		t.Errorf("snapshot after end = %+v", s)
	}
	if !r.IsControl(replacement) {
		t.Error("control registered during the notice must stay registered")
	}
	select {
	case got := <-received:
		t.Errorf("replacement control was closed early, received %q", got)
	default:
	}
}

func TestRegisterControlClosesPrevious(t *testing.T) {
	r := New(time.Second)
	first, firstReceived := controlPair(t)
	second, _ := controlPair(t)

	r.RegisterControl(first)
	r.RegisterControl(second)

	select {
	case got := <-firstReceived:
		if got != "" {
			t.Errorf("replaced control got %q, want nothing", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("previous control connection was not closed")
	}

	if r.IsControl(first) {
		t.Error("first connection must be deregistered")
	}
	if !r.IsControl(second) {
		t.Error("second connection must be registered")
	}
}

func TestDropControlIgnoresStaleConnection(t *testing.T) {
	r := New(time.Second)
	first, _ := controlPair(t)
	second, _ := controlPair(t)

	r.RegisterControl(first)
	r.RegisterControl(second)

	if r.DropControl(first) {
		t.Error("dropping a replaced connection should be a no-op")
	}
	if !r.IsControl(second) {
		t.Fatal("current control connection must survive a stale drop")
	}
	if !r.DropControl(second) {
		t.Error("dropping the current connection should succeed")
	}
	if r.Snapshot().ControlRegistered {
		t.Error("no control connection should remain")
	}
}

func TestDropControlDoesNotStop(t *testing.T) {
	r := New(time.Second)
	conn, _ := controlPair(t)
	r.RegisterControl(conn)
	r.TryStartSession("a")

	r.DropControl(conn)
	if r.StopRequested() {
		t.Error("control disconnect must not request a stop")
	}
}

func TestConcurrentStopAndPoll(t *testing.T) {
	r := New(time.Second)
	r.TryStartSession("a")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.RequestStop()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.StopRequested()
		}
	}()
	wg.Wait()

	if !r.StopRequested() {
		t.Error("stop should be set")
	}
}
