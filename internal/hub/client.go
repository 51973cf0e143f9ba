// Package hub routes room scoped messages between live connections.
package hub

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the outbound queue length of a client.
const DefaultQueueSize = 256

// Writer is the transport a client delivers frames through.
type Writer interface {
	WriteFrame(data []byte) error
	Close() error
}

// Client is one authenticated connection. Frames are queued by the room
// actor and written by the client's own pump, so a slow transport never
// holds up the room.
type Client struct {
	ID        string
	UserEmail string
	ProjectID string

	writer    Writer
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client for the given project room.
func NewClient(id, userEmail, projectID string, w Writer, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Client{
		ID:        id,
		UserEmail: userEmail,
		ProjectID: projectID,
		writer:    w,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the client has been closed.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops the pump and closes the transport. Safe to call repeatedly.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.writer != nil {
			if err := c.writer.Close(); err != nil {
				log.Debug().Err(err).Str("connId", c.ID).Msg("Close client transport")
			}
		}
	})
}

// Send queues an already encoded frame for this client only.
func (c *Client) Send(data []byte) bool {
	return c.enqueue(data)
}

// SendEvent encodes and queues an event for this client only.
func (c *Client) SendEvent(event string, payload any) bool {
	data, err := EncodeFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to encode frame")
		return false
	}
	return c.enqueue(data)
}

// enqueue never blocks. It reports false when the client is closed or its
// queue is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// WritePump writes queued frames in order until the client is closed or a
// write fails. It must run on its own goroutine.
func (c *Client) WritePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.writer.WriteFrame(data); err != nil {
				log.Debug().
					Str("connId", c.ID).
					Err(err).
					Msg("Failed to write to client, closing")
				c.Close()
				return
			}
		}
	}
}
