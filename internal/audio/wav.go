// Package audio encodes synthesized waveforms as 16-bit mono PCM WAV.
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"
)

const (
	BitDepth    = 16
	numChannels = 1
	pcmFormat   = 1
)

var ErrInvalidSampleRate = errors.New("audio: sample rate must be positive")

// EncodeWAV returns samples in [-1, 1] as a complete WAV file.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	ws := &writeSeeker{}
	if err := Encode(ws, samples, sampleRate); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

// WriteFile encodes samples straight to path.
func WriteFile(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: creating %s: %w", path, err)
	}
	if err := Encode(f, samples, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes a WAV stream to w. The header is patched on close, so w
// must be seekable.
func Encode(w io.WriteSeeker, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSampleRate, sampleRate)
	}

	enc := wav.NewEncoder(w, sampleRate, BitDepth, numChannels, pcmFormat)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: numChannels, SampleRate: sampleRate},
		Data:           toPCM16(samples),
		SourceBitDepth: BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: writing samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalizing wav: %w", err)
	}
	return nil
}

func toPCM16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		s = max(-1, min(1, s))
		out[i] = int(s * 32767)
	}
	return out
}

// writeSeeker is an in-memory io.WriteSeeker for the encoder.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if end := w.pos + len(p); end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("audio: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("audio: negative seek position")
	}
	w.pos = int(abs)
	return abs, nil
}
