package audio

import (
	"errors"
	"fmt"
	"io"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"

	"audio-relay/work/logger"
)

type decodeFunc func(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error)

// BeepDecoder adapts a beep decoder to the pull-based Decoder interface.
// The stream header is parsed lazily on the first Pull, which reports the
// real format as an EventFormat before any samples are produced.
type BeepDecoder struct {
	src      io.Reader
	decode   decodeFunc
	streamer beep.StreamSeekCloser
	samples  [][2]float64
	codec    string
}

// NewMP3Decoder creates a decoder for an MPEG audio byte stream.
func NewMP3Decoder(src io.Reader, blockSamples int) *BeepDecoder {
	return newBeepDecoder("mp3", src, blockSamples, mp3.Decode)
}

// NewWAVDecoder creates a decoder for a RIFF/WAVE byte stream.
func NewWAVDecoder(src io.Reader, blockSamples int) *BeepDecoder {
	return newBeepDecoder("wav", src, blockSamples, func(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
		return wav.Decode(rc)
	})
}

func newBeepDecoder(codec string, src io.Reader, blockSamples int, decode decodeFunc) *BeepDecoder {
	if blockSamples <= 0 {
		blockSamples = 4096
	}
	return &BeepDecoder{
		src:     src,
		decode:  decode,
		samples: make([][2]float64, blockSamples),
		codec:   codec,
	}
}

// NewDecoderFactory returns a factory for the configured codec.
func NewDecoderFactory(codec string, blockSamples int) DecoderFactory {
	switch codec {
	case "wav":
		return func(src io.Reader) Decoder { return NewWAVDecoder(src, blockSamples) }
	default:
		return func(src io.Reader) Decoder { return NewMP3Decoder(src, blockSamples) }
	}
}

// Pull returns the next event from the stream.
func (d *BeepDecoder) Pull() (Event, error) {
	if d.streamer == nil {
		// the socket stays owned by the worker, so the decoder must not close it
		s, format, err := d.decode(io.NopCloser(d.src))
		if err != nil {
			if isEndOfStream(err) {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("%w: %s header: %v", ErrDecode, d.codec, err)
		}
		d.streamer = s

		f := Format{
			SampleRate:    int(format.SampleRate),
			Channels:      format.NumChannels,
			BitsPerSample: format.Precision * 8,
		}
		logger.Debug("{audio - Pull} %s stream format %s", d.codec, f)
		return Event{Kind: EventFormat, Format: f}, nil
	}

	n, ok := d.streamer.Stream(d.samples)
	if !ok {
		if err := d.streamer.Err(); err != nil && !isEndOfStream(err) {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrDecode, d.codec, err)
		}
		return Event{}, io.EOF
	}

	block := make([][2]float64, n)
	copy(block, d.samples[:n])
	return Event{Kind: EventUnit, Block: Block{Samples: block}}, nil
}

// Close releases the beep streamer.
func (d *BeepDecoder) Close() error {
	if d.streamer == nil {
		return nil
	}
	err := d.streamer.Close()
	d.streamer = nil
	return err
}

// isEndOfStream treats a peer closing mid-frame like a normal end of stream.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
