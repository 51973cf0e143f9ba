// Package sse streams room events to read-only viewers as Server-Sent Events.
package sse

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cohive/pkg/models"
)

const (
	// WriteTimeout is the timeout for writing to SSE clients.
	// Prevents blocking on stale connections.
	WriteTimeout = 2 * time.Second

	// KeepAliveInterval is how often an idle stream gets a comment line.
	KeepAliveInterval = 15 * time.Second
)

// ErrClosed is returned when writing to a closed stream.
var ErrClosed = errors.New("stream closed")

// Stream is one SSE connection. It implements the hub's client transport,
// so a viewer joins a room like any socket does.
type Stream struct {
	ID string

	writer  http.ResponseWriter
	flusher http.Flusher
	events  map[string]bool

	// mu serializes writes and guards closed. The response writer is only
	// touched while holding it.
	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream prepares w for streaming. Only frames whose event is listed are
// forwarded; with no events every frame is.
func NewStream(w http.ResponseWriter, id string, events ...string) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[e] = true
	}
	return &Stream{
		ID:      id,
		writer:  w,
		flusher: flusher,
		events:  allowed,
		done:    make(chan struct{}),
	}, nil
}

// Done is closed when the stream is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close marks the stream closed and waits for an in-flight write to finish,
// so the HTTP handler may return as soon as Close does. No write reaches the
// response writer afterwards.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}

// WriteFrame forwards an encoded hub frame as an SSE event.
func (s *Stream) WriteFrame(data []byte) error {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if len(s.events) > 0 && !s.events[frame.Event] {
		return nil
	}
	payload := frame.Data
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return s.write(fmt.Sprintf("event: %s\ndata: %s\n\n", frame.Event, payload))
}

// Hello sends the initial connected event.
func (s *Stream) Hello(roomID string) error {
	return s.write(fmt.Sprintf("event: connected\ndata: {\"clientId\":%q,\"roomId\":%q}\n\n", s.ID, roomID))
}

// KeepAlive sends a comment line so proxies keep the connection open.
func (s *Stream) KeepAlive() error {
	return s.write(": ping\n\n")
}

// write writes a message with a timeout.
func (s *Stream) write(message string) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			errCh <- ErrClosed
			return
		}
		if _, err := s.writer.Write([]byte(message)); err != nil {
			errCh <- err
			return
		}
		s.flusher.Flush()
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Debug().
				Str("clientId", s.ID).
				Err(err).
				Msg("Failed to write to SSE client")
		}
		return err
	case <-time.After(WriteTimeout):
		log.Warn().
			Str("clientId", s.ID).
			Dur("timeout", WriteTimeout).
			Msg("SSE write timed out")
		return fmt.Errorf("sse write timed out after %s", WriteTimeout)
	case <-s.done:
		return ErrClosed
	}
}
