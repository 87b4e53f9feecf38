// Package feeder is the client side of the relay: it opens the stream and
// control connections, sends audio bytes and waits for the completion
// notice.
package feeder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"audio-relay/work/logger"
	"audio-relay/work/types"
)

// ErrNoCompletion is returned when the control connection closed without
// the completion notice.
var ErrNoCompletion = errors.New("control closed without completion notice")

const controlSettle = 100 * time.Millisecond

// Options configures one feed.
type Options struct {
	Address     string        // relay address host:port
	Source      string        // audio file or playlist
	Control     bool          // open a control connection and wait for completion
	DialTimeout time.Duration // per connection
	WaitTimeout time.Duration // how long to wait for the completion notice, 0 waits forever
}

// Dial connects to the relay and sends the role token in a single write, as
// the relay classifies a connection from its first read.
func Dial(ctx context.Context, addr, token string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if _, err := conn.Write([]byte(token)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send role token: %w", err)
	}
	return conn, nil
}

// Control is an open control connection.
type Control struct {
	conn net.Conn
}

// OpenControl dials a control connection.
func OpenControl(ctx context.Context, addr string, timeout time.Duration) (*Control, error) {
	conn, err := Dial(ctx, addr, types.ControlToken, timeout)
	if err != nil {
		return nil, err
	}
	return &Control{conn: conn}, nil
}

// Stop sends the STOP command.
func (c *Control) Stop() error {
	_, err := c.conn.Write([]byte(types.StopCommand))
	return err
}

// WaitDone blocks until the relay sends the completion notice and closes
// the connection. A zero timeout waits indefinitely.
func (c *Control) WaitDone(timeout time.Duration) error {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	data, err := io.ReadAll(c.conn)
	if bytes.Contains(data, []byte(types.CompletionToken)) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("waiting for completion: %w", err)
	}
	return ErrNoCompletion
}

// Close closes the control connection.
func (c *Control) Close() error { return c.conn.Close() }

// Send copies every source file to w in order and returns the bytes sent.
// It stops early when ctx is cancelled.
func Send(ctx context.Context, w io.Writer, sources []string) (int64, error) {
	var total int64
	for _, path := range sources {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := sendFile(ctx, w, path)
		total += n
		if err != nil {
			return total, err
		}
		logger.Debug("{feeder - Send} sent %s (%d bytes)", path, n)
	}
	return total, nil
}

func sendFile(ctx context.Context, w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(w, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return n, fmt.Errorf("send %s: %w", path, err)
	}
	return n, nil
}

// ctxReader ends a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Run feeds opts.Source to the relay. With a control connection it waits
// for the completion notice; cancelling ctx sends STOP and still waits for
// the relay to confirm.
func Run(ctx context.Context, opts Options) error {
	sources, err := Sources(opts.Source)
	if err != nil {
		return err
	}

	var ctrl *Control
	if opts.Control {
		ctrl, err = OpenControl(context.Background(), opts.Address, opts.DialTimeout)
		if err != nil {
			return err
		}
		defer ctrl.Close()
		logger.Info("[FEED_CONTROL] control connection open to %s", opts.Address)

		// connections are classified concurrently; the control token needs a
		// head start or a short stream can finish before control is registered
		time.Sleep(controlSettle)

		// STOP is only meaningful while a session runs; the relay ignores it otherwise
		stopOnCancel := context.AfterFunc(ctx, func() {
			logger.Info("[FEED_STOP] sending %s", types.StopCommand)
			if err := ctrl.Stop(); err != nil {
				logger.Warn("[FEED_STOP] %v", err)
			}
		})
		defer stopOnCancel()
	}

	stream, err := Dial(ctx, opts.Address, types.StreamToken, opts.DialTimeout)
	if err != nil {
		return err
	}
	defer stream.Close()

	sent, err := Send(ctx, stream, sources)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("[FEED_SENT] %d bytes from %d source(s)", sent, len(sources))

	// half-close so the relay's decoder sees the end of stream
	if tcp, ok := stream.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}

	if ctrl == nil {
		return nil
	}
	if err := ctrl.WaitDone(opts.WaitTimeout); err != nil {
		return err
	}
	logger.Info("[FEED_DONE] relay reported completion")
	return nil
}
