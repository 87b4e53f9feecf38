package types

import (
	"net"
	"time"
)

// Wire tokens. Both role tokens are 10 ASCII bytes and must arrive in the
// first write a peer makes on a new connection.
const (
	StreamToken     = "RELAY:STRM" // identifies a stream connection carrying compressed audio
	ControlToken    = "RELAY:CTRL" // identifies a control connection carrying text commands
	CompletionToken = "DONE\n"     // written to the control connection when a session ends
	StopCommand     = "STOP"       // control command requesting the active session to stop
)

// Role is the classification assigned to an accepted connection.
type Role int

const (
	RoleUnclassified Role = iota // freshly accepted, no identification token read yet
	RoleStream                   // carries the audio byte stream, handed to a worker
	RoleControl                  // carries commands, owned by the session registry
)

// String returns the lowercase role name used in logs and metric labels.
func (r Role) String() string {
	switch r {
	case RoleStream:
		return "stream"
	case RoleControl:
		return "control"
	default:
		return "unclassified"
	}
}

// Connection is an accepted socket together with its role. Ownership of Conn
// moves with the Connection value: to a streaming worker for RoleStream, to
// the session registry for RoleControl.
type Connection struct {
	ID         string    // short identifier used in logs
	Conn       net.Conn  // underlying socket
	Role       Role      // assigned by the classifier
	AcceptedAt time.Time // when the listener returned the socket
}

// RemoteAddr returns the peer address or "unknown" when not available.
func (c Connection) RemoteAddr() string {
	if c.Conn == nil || c.Conn.RemoteAddr() == nil {
		return "unknown"
	}
	return c.Conn.RemoteAddr().String()
}
