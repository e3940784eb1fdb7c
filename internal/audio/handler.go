// Package audio records spoken input and turns it into a transcript plus an assistant response.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const chunkSize = 32 * 1024

var (
	// ErrRecordingActive is returned by Start when a recording session is already running
	ErrRecordingActive = errors.New("a recording is already in progress")
	// ErrNotRecording is returned by Stop when no recording session is running
	ErrNotRecording = errors.New("no recording is in progress")
	// ErrEmptyRecording is returned when there is no audio to upload
	ErrEmptyRecording = errors.New("the recording is empty")
	// ErrRecordingTooLarge is returned when a recording exceeds the configured size limit
	ErrRecordingTooLarge = errors.New("the recording is too large")
)

// Exchange is the result of uploading one recording
type Exchange struct {
	Transcript      string
	Response        string
	DurationSeconds float64
}

// Transcriber turns a recording into a transcript and a response to it
type Transcriber interface {
	Transcribe(ctx context.Context, payload []byte) (Exchange, error)
}

// Source is a capture device. Open starts capturing and returns a stream of encoded audio; closing the stream ends
// the capture and must unblock any pending read
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// State is the recording state of a Handler
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
)

// session is one active recording
type session struct {
	stream   io.ReadCloser
	buf      bytes.Buffer
	err      error
	stopping atomic.Bool
	done     chan struct{}
	started  time.Time
}

// Handler owns a single capture source and at most one recording session at a time
type Handler struct {
	source      Source
	transcriber Transcriber
	maxBytes    int64 // Zero means unlimited

	mu      sync.Mutex
	current *session
}

func NewHandler(source Source, transcriber Transcriber, maxBytes int64) *Handler {
	return &Handler{
		source:      source,
		transcriber: transcriber,
		maxBytes:    maxBytes,
	}
}

// SetSource replaces the capture source used by the next recording
func (h *Handler) SetSource(source Source) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		return ErrRecordingActive
	}
	h.source = source
	return nil
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		return StateRecording
	}
	return StateIdle
}

// Start opens the capture source and begins buffering audio in the background
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != nil {
		return ErrRecordingActive
	}
	if h.source == nil {
		return fmt.Errorf("no audio source configured")
	}

	stream, err := h.source.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open audio source: %w", err)
	}

	s := &session{stream: stream, done: make(chan struct{}), started: time.Now()}
	go h.collect(s)
	h.current = s

	zap.S().Debug("Recording started")
	return nil
}

// collect copies the stream into the session buffer until the stream ends or is closed
func (h *Handler) collect(s *session) {
	defer close(s.done)

	chunk := make([]byte, chunkSize)
	for {
		n, err := s.stream.Read(chunk)
		if n > 0 {
			s.buf.Write(chunk[:n])
			if h.maxBytes > 0 && int64(s.buf.Len()) > h.maxBytes {
				s.err = ErrRecordingTooLarge
				return
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !s.stopping.Load() {
			s.err = fmt.Errorf("failed to read audio: %w", err)
		}
		return
	}
}

// Stop ends the active recording and uploads everything captured. The source is closed even if the upload fails,
// and a failed upload is not retried
func (h *Handler) Stop(ctx context.Context) (Exchange, error) {
	h.mu.Lock()
	s := h.current
	h.current = nil
	h.mu.Unlock()

	if s == nil {
		return Exchange{}, ErrNotRecording
	}

	s.stopping.Store(true)
	closeErr := s.stream.Close()
	<-s.done
	zap.S().Debugf("Recording stopped after %s, %d bytes captured", time.Since(s.started).Round(time.Millisecond), s.buf.Len())

	if s.err != nil {
		return Exchange{}, s.err
	}
	if closeErr != nil {
		zap.S().Warnf("Failed to close audio source: %v", closeErr)
	}
	return h.Upload(ctx, s.buf.Bytes())
}

// Upload sends an already-assembled recording to the transcriber
func (h *Handler) Upload(ctx context.Context, payload []byte) (Exchange, error) {
	if len(payload) == 0 {
		return Exchange{}, ErrEmptyRecording
	}
	if h.maxBytes > 0 && int64(len(payload)) > h.maxBytes {
		return Exchange{}, ErrRecordingTooLarge
	}

	exchange, err := h.transcriber.Transcribe(ctx, payload)
	if err != nil {
		return Exchange{}, fmt.Errorf("failed to transcribe recording: %w", err)
	}
	return exchange, nil
}

// FileSource replays an audio file as if it were being captured. It stands in for a microphone on the command line
type FileSource struct {
	Path string
}

func (f FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	return file, nil
}
