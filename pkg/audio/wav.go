package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// EncodeWAV renders mono samples as a 16-bit PCM RIFF/WAVE file.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(Float32ToInt16(s))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, sampleRate, 16, 1, wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: finalize wav: %w", err)
	}
	return ws.Bytes(), nil
}

// DecodeWAV parses a RIFF/WAVE file into mono float samples. Integer PCM of
// 8, 16, 24 or 32 bits and 32-bit IEEE float are accepted; multi-channel
// audio is downmixed.
func DecodeWAV(data []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("audio: not a valid RIFF/WAVE file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode wav: %w", err)
	}

	depth := int(dec.BitDepth)
	isFloat := dec.WavAudioFormat == wavFormatFloat
	if isFloat && depth != 32 {
		return nil, 0, fmt.Errorf("audio: unsupported float bit depth %d", depth)
	}
	if !isFloat && (depth < 8 || depth > 32) {
		return nil, 0, fmt.Errorf("audio: unsupported bit depth %d", depth)
	}

	out := make([]float32, len(buf.Data))
	scale := float32(int64(1) << (depth - 1))
	for i, v := range buf.Data {
		switch {
		case isFloat:
			out[i] = math.Float32frombits(uint32(int32(v)))
		case depth == 8:
			// 8-bit WAV is unsigned.
			out[i] = float32(v-128) / 128
		default:
			out[i] = float32(int32(v)) / scale
		}
	}
	return Downmix(out, int(dec.NumChans)), int(dec.SampleRate), nil
}

// writeSeeker is an in-memory io.WriteSeeker; the WAV encoder seeks back
// to patch chunk sizes on Close.
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
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("audio: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, errors.New("audio: negative seek position")
	}
	w.pos = int(next)
	return next, nil
}

func (w *writeSeeker) Bytes() []byte { return w.buf }
