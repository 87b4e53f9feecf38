package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"

	"audio-relay/work/logger"
)

const flushTimeout = 5 * time.Second

// sampleQueue is the beep.Streamer handed to the speaker. Render pushes
// blocks into a bounded channel and blocks while it is full, which is how
// the worker waits for device buffer space. The speaker side never blocks:
// an empty queue plays silence so the device keeps running.
type sampleQueue struct {
	blocks  chan [][2]float64
	cur     [][2]float64
	pending atomic.Int64
	done    chan struct{}
	once    sync.Once
}

func newSampleQueue(depth int) *sampleQueue {
	if depth <= 0 {
		depth = 1
	}
	return &sampleQueue{
		blocks: make(chan [][2]float64, depth),
		done:   make(chan struct{}),
	}
}

func (q *sampleQueue) push(samples [][2]float64) error {
	select {
	case <-q.done:
		return fmt.Errorf("%w: sink closed", ErrSink)
	default:
	}

	q.pending.Add(int64(len(samples)))
	select {
	case q.blocks <- samples:
		return nil
	case <-q.done:
		q.pending.Add(-int64(len(samples)))
		return fmt.Errorf("%w: sink closed", ErrSink)
	}
}

// Stream implements beep.Streamer.
func (q *sampleQueue) Stream(samples [][2]float64) (int, bool) {
	n := 0
fill:
	for n < len(samples) {
		if len(q.cur) == 0 {
			select {
			case b := <-q.blocks:
				q.cur = b
				continue
			default:
				break fill
			}
		}
		c := copy(samples[n:], q.cur)
		q.cur = q.cur[c:]
		n += c
		q.pending.Add(-int64(c))
	}
	for i := n; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
	return len(samples), true
}

// Err implements beep.Streamer.
func (q *sampleQueue) Err() error { return nil }

func (q *sampleQueue) close() {
	q.once.Do(func() { close(q.done) })
}

// SpeakerSink renders to the default output device through beep's speaker.
// The speaker is process-global, which matches the single active session.
type SpeakerSink struct {
	bufferDuration time.Duration
	queueBlocks    int

	mu    sync.Mutex
	queue *sampleQueue
}

// NewSpeakerSink creates an unopened sink.
func NewSpeakerSink(bufferDuration time.Duration, queueBlocks int) *SpeakerSink {
	return &SpeakerSink{bufferDuration: bufferDuration, queueBlocks: queueBlocks}
}

// NewSpeakerSinkFactory returns a SinkFactory producing speaker sinks.
func NewSpeakerSinkFactory(bufferDuration time.Duration, queueBlocks int) SinkFactory {
	return func() Sink { return NewSpeakerSink(bufferDuration, queueBlocks) }
}

// Open initialises the output device at the given format.
func (s *SpeakerSink) Open(format Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if format.SampleRate <= 0 {
		return fmt.Errorf("%w: invalid sample rate %d", ErrSink, format.SampleRate)
	}

	rate := beep.SampleRate(format.SampleRate)
	if err := speaker.Init(rate, rate.N(s.bufferDuration)); err != nil {
		return fmt.Errorf("%w: open output device: %v", ErrSink, err)
	}

	s.queue = newSampleQueue(s.queueBlocks)
	speaker.Play(s.queue)

	logger.Debug("{audio - Open} speaker opened at %s, buffer %s", format, s.bufferDuration)
	return nil
}

// Render queues one block, blocking while the device buffer is full.
func (s *SpeakerSink) Render(block Block) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()

	if q == nil {
		return fmt.Errorf("%w: render on closed sink", ErrSink)
	}
	return q.push(block.Samples)
}

// Flush waits until queued blocks have been handed to the device.
func (s *SpeakerSink) Flush() {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return
	}

	deadline := time.Now().Add(flushTimeout)
	for q.pending.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops playback and releases the device. Calling Close on an
// unopened or already closed sink is a no-op.
func (s *SpeakerSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue == nil {
		return nil
	}
	s.queue.close()
	s.queue = nil

	speaker.Clear()
	speaker.Close()
	return nil
}
