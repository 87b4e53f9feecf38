// Package worker plays one admitted stream connection through the audio
// pipeline. A session runs on the broker's single-slot pool and always
// releases the registry slot on exit, whatever the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"audio-relay/work/audio"
	"audio-relay/work/logger"
	"audio-relay/work/metrics"
)

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeDrained Outcome = "drained" // stream reached a clean end
	OutcomeStopped Outcome = "stopped" // stop command or process shutdown
	OutcomeFailed  Outcome = "failed"  // decode or sink failure
)

// State is the worker lifecycle position.
type State int32

const (
	StateOpening State = iota
	StatePlaying
	StateDraining
	StateStopping
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StatePlaying:
		return "playing"
	case StateDraining:
		return "draining"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Slot is the part of the session registry a worker talks to.
type Slot interface {
	StopRequested() bool
	EndSession()
}

// Job is everything a session needs. The worker owns Conn from the moment
// the job is handed over.
type Job struct {
	ID         string
	Conn       net.Conn
	Slot       Slot
	NewDecoder audio.DecoderFactory
	NewSink    audio.SinkFactory
}

// Result summarises a finished session.
type Result struct {
	SessionID     string        `json:"sessionId"`
	RemoteAddr    string        `json:"remoteAddr"`
	Outcome       Outcome       `json:"outcome"`
	Error         string        `json:"error,omitempty"`
	Blocks        int64         `json:"blocks"`
	FormatChanges int           `json:"formatChanges"`
	Format        audio.Format  `json:"format"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       time.Time     `json:"endedAt"`
	Duration      time.Duration `json:"duration"`

	Err error `json:"-"`
}

type session struct {
	job      Job
	state    *atomic.Int32
	decoder  audio.Decoder
	sink     audio.Sink
	sinkOpen bool
	res      Result
}

func newSession(job Job, state *atomic.Int32) *session {
	if state == nil {
		state = &atomic.Int32{}
	}
	s := &session{job: job, state: state}
	s.res = Result{
		SessionID: job.ID,
		Format:    audio.DefaultFormat,
	}
	if job.Conn != nil && job.Conn.RemoteAddr() != nil {
		s.res.RemoteAddr = job.Conn.RemoteAddr().String()
	}
	return s
}

// Run plays the session to completion on the calling goroutine. Cancelling
// ctx stops playback and unblocks a pending read on the stream socket.
func Run(ctx context.Context, job Job) Result {
	return newSession(job, nil).run(ctx)
}

func (s *session) run(ctx context.Context) (res Result) {
	s.res.StartedAt = time.Now()
	metrics.SessionActive.Set(1)
	logger.Info("[SESSION_START] session %s from %s", s.res.SessionID, s.res.RemoteAddr)

	unblock := context.AfterFunc(ctx, func() {
		s.job.Conn.SetReadDeadline(time.Now())
	})

	defer func() {
		if p := recover(); p != nil {
			s.res.Outcome = OutcomeFailed
			s.res.Err = fmt.Errorf("worker panic: %v", p)
		}
		unblock()
		s.finish()
		res = s.res
	}()

	s.res.Outcome, s.res.Err = s.play(ctx)
	return s.res
}

func (s *session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		logger.Debug("{worker - setState} session %s: %s -> %s", s.res.SessionID, prev, st)
	}
}

func (s *session) play(ctx context.Context) (Outcome, error) {
	s.setState(StateOpening)
	s.decoder = s.job.NewDecoder(s.job.Conn)
	s.sink = s.job.NewSink()

	if err := s.sink.Open(audio.DefaultFormat); err != nil {
		s.setState(StateFailed)
		return OutcomeFailed, err
	}
	s.sinkOpen = true
	s.setState(StatePlaying)

	for {
		if s.job.Slot.StopRequested() || ctx.Err() != nil {
			s.setState(StateStopping)
			return OutcomeStopped, nil
		}

		ev, err := s.decoder.Pull()
		if err != nil {
			// a shutdown read deadline surfaces as a decode error or a short stream
			if ctx.Err() != nil {
				s.setState(StateStopping)
				return OutcomeStopped, nil
			}
			if errors.Is(err, io.EOF) {
				s.setState(StateDraining)
				if f, ok := s.sink.(audio.Flusher); ok {
					f.Flush()
				}
				return OutcomeDrained, nil
			}
			s.setState(StateFailed)
			return OutcomeFailed, err
		}

		switch ev.Kind {
		case audio.EventFormat:
			if err := s.reopen(ev.Format); err != nil {
				s.setState(StateFailed)
				return OutcomeFailed, err
			}
		case audio.EventUnit:
			if err := s.sink.Render(ev.Block); err != nil {
				s.setState(StateFailed)
				return OutcomeFailed, err
			}
			s.res.Blocks++
			metrics.BlocksRendered.Inc()
		}
	}
}

// reopen closes the sink and opens it again at format. A header that
// repeats the current format keeps the open device.
func (s *session) reopen(format audio.Format) error {
	if s.sinkOpen && format == s.res.Format {
		logger.Debug("{worker - reopen} session %s: format %s unchanged", s.res.SessionID, format)
		return nil
	}

	logger.Info("[FORMAT_CHANGE] session %s: %s -> %s", s.res.SessionID, s.res.Format, format)
	if s.sinkOpen {
		s.sink.Close()
		s.sinkOpen = false
	}
	if err := s.sink.Open(format); err != nil {
		return fmt.Errorf("reopen at %s: %w", format, err)
	}
	s.sinkOpen = true
	s.res.Format = format
	s.res.FormatChanges++
	metrics.FormatChanges.Inc()
	return nil
}

// finish is the single cleanup path shared by every outcome.
func (s *session) finish() {
	if s.sinkOpen {
		if err := s.sink.Close(); err != nil {
			logger.Warn("{worker - finish} session %s: closing sink: %v", s.res.SessionID, err)
		}
		s.sinkOpen = false
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	s.job.Conn.Close()

	s.res.EndedAt = time.Now()
	s.res.Duration = s.res.EndedAt.Sub(s.res.StartedAt)
	if s.res.Err != nil {
		s.res.Error = s.res.Err.Error()
	}

	s.job.Slot.EndSession()
	s.setState(StateClosed)

	metrics.SessionActive.Set(0)
	metrics.SessionsEnded.WithLabelValues(string(s.res.Outcome)).Inc()

	if s.res.Outcome == OutcomeFailed {
		logger.Error("[SESSION_END] session %s %s after %d blocks: %v", s.res.SessionID, s.res.Outcome, s.res.Blocks, s.res.Err)
		return
	}
	logger.Info("[SESSION_END] session %s %s after %d blocks in %s", s.res.SessionID, s.res.Outcome, s.res.Blocks, s.res.Duration.Round(time.Millisecond))
}

// Handle is the multiplexer's reference to a running session.
type Handle struct {
	id     string
	state  atomic.Int32
	done   chan struct{}
	result Result
}

// ID returns the session id.
func (h *Handle) ID() string { return h.id }

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Done is closed once the session has fully cleaned up.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the session has finished and returns its result.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Spawn submits the session to pool and returns its handle. If the pool
// refuses the task the connection is closed and the slot released here,
// so an admitted session always ends exactly once.
func Spawn(ctx context.Context, pool *ants.Pool, job Job) (*Handle, error) {
	h := &Handle{id: job.ID, done: make(chan struct{})}
	s := newSession(job, &h.state)

	err := pool.Submit(func() {
		defer close(h.done)
		h.result = s.run(ctx)
	})
	if err != nil {
		logger.Error("{worker - Spawn} session %s not started: %v", job.ID, err)
		job.Conn.Close()
		job.Slot.EndSession()
		return nil, fmt.Errorf("spawn session %s: %w", job.ID, err)
	}
	return h, nil
}
