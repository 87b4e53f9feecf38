package registry

import (
	"errors"
	"net"
	"sync"
	"time"

	"audio-relay/work/logger"
	"audio-relay/work/metrics"
	"audio-relay/work/types"
)

// ErrBusy is reported when a stream connection arrives while a session is
// already active. The connection is refused, not queued.
var ErrBusy = errors.New("session already active")

// Status is a point-in-time copy of the registry state.
type Status struct {
	Busy              bool   `json:"busy"`
	StopRequested     bool   `json:"stopRequested"`
	ControlRegistered bool   `json:"controlRegistered"`
	ControlPeer       string `json:"controlPeer,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
}

// Registry is the single-slot session state shared by the multiplexer and
// the streaming worker. All fields are guarded by mu and only reachable
// through the methods below.
//
// Invariant: busy is true exactly while one streaming worker runs.
type Registry struct {
	mu            sync.Mutex
	control       net.Conn
	busy          bool
	stopRequested bool
	sessionID     string

	completion    []byte
	notifyTimeout time.Duration
}

// New creates an idle registry. notifyTimeout bounds the completion notice
// write so a stalled control peer cannot hold up the end of a session.
func New(notifyTimeout time.Duration) *Registry {
	return &Registry{
		completion:    []byte(types.CompletionToken),
		notifyTimeout: notifyTimeout,
	}
}

// TryStartSession admits a new session if none is active. On success busy
// is set, any stale stop request is cleared and the caller owns the stream
// connection as its worker. On rejection the caller must close the stream
// connection immediately.
func (r *Registry) TryStartSession(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busy {
		return false
	}
	r.busy = true
	r.stopRequested = false
	r.sessionID = sessionID
	return true
}

// RegisterControl installs conn as the control connection. A previously
// registered connection is closed first; its reader then fails and the
// multiplexer drops the stale registration.
func (r *Registry) RegisterControl(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.control != nil && r.control != conn {
		logger.Info("[CONTROL_REPLACE] closing previous control connection %s", r.control.RemoteAddr())
		r.control.Close()
	}
	r.control = conn
}

// DropControl deregisters conn after its peer disconnected. It is a no-op
// when conn is no longer the registered connection. The stop flag is left
// untouched: losing the control peer does not stop playback.
func (r *Registry) DropControl(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.control == nil || r.control != conn {
		return false
	}
	r.control.Close()
	r.control = nil
	return true
}

// IsControl reports whether conn is the registered control connection.
func (r *Registry) IsControl(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return conn != nil && r.control == conn
}

// RequestStop asks the active session to stop. It returns false and does
// nothing when no session is active.
func (r *Registry) RequestStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.busy {
		return false
	}
	r.stopRequested = true
	return true
}

// StopRequested is polled by the streaming worker between decode iterations.
func (r *Registry) StopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

// EndSession is called exactly once by the streaming worker on exit. The
// control connection is detached under the lock, then the completion notice
// is written and the connection closed without holding it. A stalled control
// peer therefore delays only the worker, never Snapshot, RequestStop or a
// replacement control registration.
//
// busy stays set until the notice write has finished, so a new session
// cannot be admitted while the previous notice is still in flight.
func (r *Registry) EndSession() {
	r.mu.Lock()
	ctrl := r.control
	r.control = nil
	r.mu.Unlock()

	if ctrl != nil {
		r.notify(ctrl)
		ctrl.Close()
	}

	r.mu.Lock()
	r.busy = false
	r.stopRequested = false
	r.sessionID = ""
	r.mu.Unlock()
}

// notify writes the completion token to conn. Failures are logged only.
func (r *Registry) notify(conn net.Conn) {
	if r.notifyTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(r.notifyTimeout))
	}
	if _, err := conn.Write(r.completion); err != nil {
		logger.Warn("[NOTIFY_FAIL] completion notice to %s failed: %v", conn.RemoteAddr(), err)
		metrics.CompletionNotices.WithLabelValues("failed").Inc()
		return
	}
	metrics.CompletionNotices.WithLabelValues("sent").Inc()
	logger.Debug("{registry - EndSession} completion notice sent to %s", conn.RemoteAddr())
}

// Snapshot returns the current state for status reporting.
func (r *Registry) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		Busy:              r.busy,
		StopRequested:     r.stopRequested,
		ControlRegistered: r.control != nil,
		SessionID:         r.sessionID,
	}
	if r.control != nil && r.control.RemoteAddr() != nil {
		s.ControlPeer = r.control.RemoteAddr().String()
	}
	return s
}

// Close releases the control connection at process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.control != nil {
		r.control.Close()
		r.control = nil
	}
}
