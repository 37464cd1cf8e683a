// Package exec provides a tts.Engine that drives a long-lived local worker
// process, typically a Python script holding the loaded XTTS model.
//
// The worker is started once and kept running. Requests and responses are
// single JSON lines on the worker's stdin and stdout:
//
//	-> {"text":"ciao","language":"it","speaker_wav":"/voices/adam.wav"}
//	<- {"sample_rate":24000,"samples":"<base64 float32 LE>"}
//
// speaker_wav is a string or a one-element list depending on the request
// shape; built-in speakers are sent as "speaker". A worker may instead
// reply with "pcm_base64" holding 16-bit little-endian PCM. Failures are
// reported as {"error":"..."}; an "error_kind" of "unsupported_shape"
// marks a rejected speaker_wav form.
//
// The model owns one GPU context, so the Engine serializes calls. If a call
// is cancelled while the worker is busy, the worker is killed and restarted
// on the next call.
package exec

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	osexec "os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/adamkimmins/polybot/pkg/audio"
	"github.com/adamkimmins/polybot/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Engine = (*Engine)(nil)
	_ io.Closer  = (*Engine)(nil)
)

const (
	errorKindUnsupportedShape = "unsupported_shape"

	// waitDelay bounds how long a killed worker's leftover children may
	// hold its pipes open.
	waitDelay = 2 * time.Second

	// maxLine bounds a single response line (about 60 s of float audio).
	maxLine = 16 << 20
)

type workerRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	SpeakerWav any    `json:"speaker_wav,omitempty"`
	Speaker    string `json:"speaker,omitempty"`
}

type workerResponse struct {
	SampleRate int    `json:"sample_rate"`
	Samples    string `json:"samples,omitempty"`
	PCMBase64  string `json:"pcm_base64,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// Option is a functional option for New.
type Option func(*Engine)

// WithEnv appends environment variables ("KEY=value") to the worker's
// environment.
func WithEnv(env ...string) Option {
	return func(e *Engine) { e.env = append(e.env, env...) }
}

// WithStderr sets where the worker's stderr goes. Defaults to os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(e *Engine) { e.stderr = w }
}

// Engine implements tts.Engine by talking to a worker process. The mutex is
// the single execution slot: at most one request is on the wire.
type Engine struct {
	argv   []string
	env    []string
	stderr io.Writer

	mu     sync.Mutex
	w      *worker
	closed bool
}

// worker is one running instance of the command.
type worker struct {
	cmd    *osexec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// New parses command with shell quoting rules. The worker is started on
// the first Synthesize call, or eagerly by Start.
func New(command string, opts ...Option) (*Engine, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("exec: parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("exec: command must not be empty")
	}
	e := &Engine{argv: args, stderr: os.Stderr}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Capabilities implements tts.Engine.
func (e *Engine) Capabilities() tts.Capabilities {
	return tts.Capabilities{Name: "exec", MaxConcurrent: 1, Cloning: true}
}

// Start launches the worker if it is not running, so the model loads
// before the first request.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.ensureWorker()
	return err
}

// Synthesize sends one request line and waits for the response line.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	line, err := encodeRequest(req)
	if err != nil {
		return tts.Audio{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return tts.Audio{}, err
	}
	w, err := e.ensureWorker()
	if err != nil {
		return tts.Audio{}, err
	}

	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if _, err := w.stdin.Write(line); err != nil {
			done <- result{err: fmt.Errorf("exec: write request: %w", err)}
			return
		}
		resp, err := readLine(w.stdout)
		done <- result{line: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		slog.Warn("exec: synthesis cancelled, restarting worker", "err", ctx.Err())
		e.stopWorker()
		<-done
		return tts.Audio{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			e.stopWorker()
			return tts.Audio{}, r.err
		}
		return decodeResponse(r.line)
	}
}

// Close stops the worker. Further calls fail.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stopWorker()
	return nil
}

// ensureWorker returns the running worker, starting one if needed. Must be
// called with e.mu held.
func (e *Engine) ensureWorker() (*worker, error) {
	if e.closed {
		return nil, errors.New("exec: engine closed")
	}
	if e.w != nil {
		return e.w, nil
	}

	cmd := osexec.Command(e.argv[0], e.argv[1:]...)
	cmd.Env = append(os.Environ(), e.env...)
	cmd.Stderr = e.stderr
	cmd.WaitDelay = waitDelay
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("exec: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("exec: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec: start %s: %w", e.argv[0], err)
	}
	slog.Info("exec: worker started", "cmd", e.argv[0], "pid", cmd.Process.Pid)

	e.w = &worker{cmd: cmd, stdin: stdin, stdout: bufio.NewReaderSize(stdout, 64<<10)}
	return e.w, nil
}

// stopWorker kills the worker and reaps it. Must be called with e.mu held.
func (e *Engine) stopWorker() {
	if e.w == nil {
		return
	}
	w := e.w
	e.w = nil
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.cmd.Wait()
}

func encodeRequest(req tts.Request) ([]byte, error) {
	body := workerRequest{Text: req.Text, Language: req.Language}
	switch req.Mode.Kind {
	case tts.ModeReferenceClone:
		if req.Shape == tts.ShapeSequence {
			body.SpeakerWav = []string{req.Mode.ReferencePath}
		} else {
			body.SpeakerWav = req.Mode.ReferencePath
		}
	case tts.ModeBuiltInSpeaker:
		body.Speaker = req.Mode.Speaker
	default:
		return nil, fmt.Errorf("exec: %w: %v", tts.ErrModeUnsupported, req.Mode.Kind)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("exec: marshal request: %w", err)
	}
	return append(data, '\n'), nil
}

// readLine reads one non-empty line, bounded by maxLine.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLine {
			return nil, fmt.Errorf("exec: response exceeds %d bytes", maxLine)
		}
		switch {
		case err == nil:
			if trimmed := trimEOL(line); len(trimmed) > 0 {
				return trimmed, nil
			}
			line = line[:0]
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil, errors.New("exec: worker exited before responding")
		default:
			return nil, fmt.Errorf("exec: read response: %w", err)
		}
	}
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func decodeResponse(line []byte) (tts.Audio, error) {
	var resp workerResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return tts.Audio{}, fmt.Errorf("exec: decode response: %w", err)
	}
	if resp.Error != "" {
		if resp.ErrorKind == errorKindUnsupportedShape {
			return tts.Audio{}, fmt.Errorf("exec: %s: %w", resp.Error, tts.ErrUnsupportedShape)
		}
		return tts.Audio{}, fmt.Errorf("exec: %s", resp.Error)
	}
	if resp.SampleRate <= 0 {
		return tts.Audio{}, fmt.Errorf("exec: invalid sample rate %d", resp.SampleRate)
	}

	var samples []float32
	switch {
	case resp.Samples != "":
		raw, err := base64.StdEncoding.DecodeString(resp.Samples)
		if err != nil {
			return tts.Audio{}, fmt.Errorf("exec: decode samples: %w", err)
		}
		samples = make([]float32, len(raw)/4)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case resp.PCMBase64 != "":
		raw, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return tts.Audio{}, fmt.Errorf("exec: decode pcm: %w", err)
		}
		samples = audio.PCM16ToFloat32(raw)
	}
	return tts.Audio{Samples: samples, SampleRate: resp.SampleRate}, nil
}
