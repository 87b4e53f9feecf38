package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"
)

// pcmWAV builds a minimal 16-bit stereo WAV file holding frames frames.
func pcmWAV(rate, frames int) []byte {
	const channels, bits = 2, 16
	blockAlign := channels * bits / 8
	dataLen := frames * blockAlign

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bits))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	for i := 0; i < frames*channels; i++ {
		binary.Write(&buf, binary.LittleEndian, int16(i*100))
	}
	return buf.Bytes()
}

func TestWAVDecoderReportsFormatThenUnits(t *testing.T) {
	d := NewWAVDecoder(bytes.NewReader(pcmWAV(8000, 4)), 2)
	defer d.Close()

	ev, err := d.Pull()
	if err != nil {
		t.Fatalf("first pull: %v", err)
	}
	if ev.Kind != EventFormat {
		t.Fatalf("first event kind = %v, want format", ev.Kind)
	}
	want := Format{SampleRate: 8000, Channels: 2, BitsPerSample: 16}
	if ev.Format != want {
		t.Errorf("format = %v, want %v", ev.Format, want)
	}

	total := 0
	for i := 0; i < 10; i++ {
		ev, err = d.Pull()
		if err != nil {
			break
		}
		if ev.Kind != EventUnit {
			t.Fatalf("unexpected event kind %v", ev.Kind)
		}
		total += len(ev.Block.Samples)
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
	if total != 4 {
		t.Errorf("decoded %d samples, want 4", total)
	}
}

func TestWAVDecoderRejectsGarbage(t *testing.T) {
	d := NewWAVDecoder(bytes.NewReader([]byte("this is definitely not a riff file")), 16)
	_, err := d.Pull()
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestNewDecoderFactorySelectsCodec(t *testing.T) {
	wav := NewDecoderFactory("wav", 8)(bytes.NewReader(nil))
	if d, ok := wav.(*BeepDecoder); !ok || d.codec != "wav" {
		t.Errorf("wav factory produced %#v", wav)
	}
	mp3 := NewDecoderFactory("anything", 8)(bytes.NewReader(nil))
	if d, ok := mp3.(*BeepDecoder); !ok || d.codec != "mp3" {
		t.Errorf("default factory produced %#v", mp3)
	}
}

func TestSampleQueueStreamsQueuedBlocksThenSilence(t *testing.T) {
	q := newSampleQueue(2)
	if err := q.push([][2]float64{{0.1, 0.1}, {0.2, 0.2}}); err != nil {
		t.Fatal(err)
	}
	if err := q.push([][2]float64{{0.3, 0.3}}); err != nil {
		t.Fatal(err)
	}

	out := make([][2]float64, 5)
	n, ok := q.Stream(out)
	if n != 5 || !ok {
		t.Fatalf("Stream = %d, %v", n, ok)
	}

	want := [][2]float64{{0.1, 0.1}, {0.2, 0.2}, {0.3, 0.3}, {0, 0}, {0, 0}}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, out[i], want[i])
		}
	}
	if q.pending.Load() != 0 {
		t.Errorf("pending = %d, want 0", q.pending.Load())
	}
}

func TestSampleQueuePushBlocksUntilClosed(t *testing.T) {
	q := newSampleQueue(1)
	if err := q.push([][2]float64{{1, 1}}); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- q.push([][2]float64{{1, 1}}) }()

	select {
	case err := <-errc:
		t.Fatalf("push on a full queue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	q.close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrSink) {
			t.Errorf("expected ErrSink after close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("push did not return after close")
	}
}

func TestSpeakerSinkRenderBeforeOpen(t *testing.T) {
	s := NewSpeakerSink(100*time.Millisecond, 4)
	if err := s.Render(Block{}); !errors.Is(err, ErrSink) {
		t.Errorf("expected ErrSink, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("closing an unopened sink: %v", err)
	}
}

func TestFormatString(t *testing.T) {
	if got := DefaultFormat.String(); got != "44100Hz/2ch/16bit" {
		t.Errorf("DefaultFormat.String() = %q", got)
	}
}
