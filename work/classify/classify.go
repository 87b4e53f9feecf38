package classify

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"time"

	"audio-relay/work/buffer"
	"audio-relay/work/logger"
	"audio-relay/work/types"
)

// ErrUnrecognized is returned when the first read on a connection does not
// carry a complete role token. The caller closes the connection; nothing is
// reported to the peer.
var ErrUnrecognized = errors.New("unrecognized role token")

// Classifier assigns a role to freshly accepted connections by reading the
// identification token. It is a one-shot check: exactly one Read is made,
// so a peer must send its token in a single write before anything else.
type Classifier struct {
	streamToken  []byte
	controlToken []byte
	timeout      time.Duration
	pool         *buffer.BufferPool
}

// New creates a Classifier for the standard stream and control tokens.
func New(timeout time.Duration) *Classifier {
	return NewWithTokens(types.StreamToken, types.ControlToken, timeout)
}

// NewWithTokens creates a Classifier matching custom tokens.
func NewWithTokens(streamToken, controlToken string, timeout time.Duration) *Classifier {
	n := len(streamToken)
	if len(controlToken) > n {
		n = len(controlToken)
	}
	return &Classifier{
		streamToken:  []byte(streamToken),
		controlToken: []byte(controlToken),
		timeout:      timeout,
		pool:         buffer.NewBufferPool(n),
	}
}

// TokenLength is the maximum number of bytes a single classification read consumes.
func (c *Classifier) TokenLength() int {
	return c.pool.Size()
}

// Classify reads the identification token from conn with a bounded wait and
// returns the classified connection. On any failure the error wraps
// ErrUnrecognized and conn is left open for the caller to close.
func (c *Classifier) Classify(id string, conn net.Conn) (types.Connection, error) {
	result := types.Connection{
		ID:         id,
		Conn:       conn,
		Role:       types.RoleUnclassified,
		AcceptedAt: time.Now(),
	}

	if c.timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return result, fmt.Errorf("%w: set deadline: %v", ErrUnrecognized, err)
		}
	}

	buf := c.pool.Get()
	defer c.pool.Put(buf)

	n, err := conn.Read(buf.B)
	if n == 0 {
		if err == nil {
			err = errors.New("empty read")
		}
		return result, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	got := buf.B[:n]

	switch {
	case matches(got, c.streamToken):
		result.Role = types.RoleStream
	case matches(got, c.controlToken):
		result.Role = types.RoleControl
	default:
		logger.Debug("{classify - Classify} %s: %d bytes did not match a role token", id, n)
		return result, fmt.Errorf("%w: %q", ErrUnrecognized, got)
	}

	// the stream socket is read by the decoder without a deadline from here on
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return result, fmt.Errorf("%w: clear deadline: %v", ErrUnrecognized, err)
	}

	return result, nil
}

// matches reports whether the read holds the complete token. A short read
// that is only a prefix of the token is not a match.
func matches(got, token []byte) bool {
	return len(got) >= len(token) && bytes.Equal(got[:len(token)], token)
}
