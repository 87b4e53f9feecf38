package audio

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrDecode marks malformed stream input. The session ends as failed.
	ErrDecode = errors.New("decode failure")

	// ErrSink marks an unavailable output device or a failed (re)open or render.
	ErrSink = errors.New("audio sink failure")
)

// Format describes decoded PCM.
type Format struct {
	SampleRate    int `json:"sampleRate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bitsPerSample"`
}

// DefaultFormat is assumed when the sink is opened before the decoder has
// seen the stream header, so playback can begin without waiting for it.
var DefaultFormat = Format{SampleRate: 44100, Channels: 2, BitsPerSample: 16}

// String renders the format for logs.
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Block is one decoded unit of stereo samples in [-1, 1].
type Block struct {
	Samples [][2]float64
}

// EventKind distinguishes what a Pull produced.
type EventKind int

const (
	EventUnit   EventKind = iota // Block holds decoded samples to render
	EventFormat                  // Format holds the new stream format
)

// Event is the result of one Decoder pull.
type Event struct {
	Kind   EventKind
	Block  Block
	Format Format
}

// Decoder turns a compressed byte stream into a lazy sequence of events.
// Pull returns io.EOF at a clean end of stream and an error wrapping
// ErrDecode on malformed input.
type Decoder interface {
	Pull() (Event, error)
	Close() error
}

// Sink renders decoded blocks to an output device. It is reopened whenever
// the stream format changes. Errors wrap ErrSink.
type Sink interface {
	Open(format Format) error
	Render(block Block) error
	Close() error
}

// Flusher is implemented by sinks that buffer ahead of the device. Flush
// blocks until queued audio has played out; it is used only when a stream
// ends normally so the tail of the stream is not cut off.
type Flusher interface {
	Flush()
}

// DecoderFactory binds a new Decoder to a stream socket.
type DecoderFactory func(src io.Reader) Decoder

// SinkFactory creates an unopened Sink.
type SinkFactory func() Sink
