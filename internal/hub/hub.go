package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/cohive/pkg/models"
)

// DefaultSweepInterval is how often empty rooms are reaped.
const DefaultSweepInterval = time.Minute

// Options configures a Hub.
type Options struct {
	QueueSize     int
	SweepInterval time.Duration
	Meter         metric.Meter
}

// BroadcastOptions selects who receives a broadcast. The sender is skipped
// unless IncludeSender is set.
type BroadcastOptions struct {
	SenderID      string
	IncludeSender bool
}

// Everyone delivers to every member of the room.
func Everyone() BroadcastOptions {
	return BroadcastOptions{IncludeSender: true}
}

// ExceptSender delivers to every member except the given connection.
func ExceptSender(connID string) BroadcastOptions {
	return BroadcastOptions{SenderID: connID}
}

// IncludingSender delivers to every member, the sender included.
func IncludingSender(connID string) BroadcastOptions {
	return BroadcastOptions{SenderID: connID, IncludeSender: true}
}

func (o BroadcastOptions) exclude() string {
	if o.IncludeSender {
		return ""
	}
	return o.SenderID
}

// Hub is the room registry and broadcast fan-out. The lock only guards the
// lookup tables; membership itself lives inside each room actor.
type Hub struct {
	queueSize     int
	sweepInterval time.Duration
	metrics       *hubMetrics

	mu       sync.Mutex
	rooms    map[string]*room
	connRoom map[string]string
	stopped  bool
}

// New creates a hub. Call Run to start reaping idle rooms and Stop to
// release everything.
func New(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Hub{
		queueSize:     opts.QueueSize,
		sweepInterval: opts.SweepInterval,
		metrics:       newHubMetrics(opts.Meter),
		rooms:         make(map[string]*room),
		connRoom:      make(map[string]string),
	}
}

// QueueSize is the outbound queue length new clients should use.
func (h *Hub) QueueSize() int {
	return h.queueSize
}

// Run reaps empty rooms until ctx is cancelled, then stops the hub.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return nil
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Stop closes every room and every client. The hub rejects joins afterwards.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	rooms := h.rooms
	h.rooms = make(map[string]*room)
	h.connRoom = make(map[string]string)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id, r := range rooms {
		if _, err := r.call(ctx, roomRequest{kind: reqClose, force: true}); err != nil && !errors.Is(err, ErrRoomClosed) {
			log.Warn().Err(err).Str("roomId", id).Msg("Failed to close room")
		}
		h.metrics.rooms.Add(context.Background(), -1)
	}
	log.Debug().Int("rooms", len(rooms)).Msg("Hub stopped")
}

// Sweep reaps rooms that have no members. The rooms are asked one by one
// without holding the registry lock, so a slow room never stalls joins or
// broadcasts elsewhere.
func (h *Hub) Sweep() {
	h.mu.Lock()
	rooms := make(map[string]*room, len(h.rooms))
	for id, r := range h.rooms {
		rooms[id] = r
	}
	h.mu.Unlock()

	for id, r := range rooms {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		rep, err := r.call(ctx, roomRequest{kind: reqClose})
		cancel()
		if err != nil && !errors.Is(err, ErrRoomClosed) {
			log.Warn().Err(err).Str("roomId", id).Msg("Failed to reap room")
			continue
		}
		if rep.ok || errors.Is(err, ErrRoomClosed) {
			if h.forget(id, r) {
				log.Debug().Str("roomId", id).Msg("Reaped empty room")
			}
		}
	}
}

// forget drops a closed room from the registry unless it was already
// replaced. It reports whether the room was removed.
func (h *Hub) forget(id string, r *room) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[id] != r {
		return false
	}
	delete(h.rooms, id)
	h.metrics.rooms.Add(context.Background(), -1)
	return true
}

// roomFor returns the live room for id, creating it when create is set.
func (h *Hub) roomFor(id string, create bool) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, ErrRoomClosed
	}
	r, ok := h.rooms[id]
	if ok || !create {
		return r, nil
	}
	r = newRoom(id, h.metrics)
	h.rooms[id] = r
	go r.run()
	h.metrics.rooms.Add(context.Background(), 1)
	log.Debug().Str("roomId", id).Msg("Room created")
	return r, nil
}

// Join adds the client to the room of its project. Joining the same room
// twice is a no-op; a client already in another room is moved.
func (h *Hub) Join(ctx context.Context, c *Client) error {
	if c.ProjectID == "" {
		return errors.New("client has no project")
	}

	h.mu.Lock()
	prev, inRoom := h.connRoom[c.ID]
	h.mu.Unlock()
	if inRoom && prev != c.ProjectID {
		h.Leave(ctx, c.ID)
	}

	for {
		r, err := h.roomFor(c.ProjectID, true)
		if err != nil {
			return err
		}
		_, err = r.call(ctx, roomRequest{kind: reqJoin, client: c})
		if errors.Is(err, ErrRoomClosed) {
			// Reaped between lookup and join; the next lookup creates a
			// fresh room.
			h.forget(c.ProjectID, r)
			continue
		}
		if err != nil {
			return fmt.Errorf("join room %s: %w", c.ProjectID, err)
		}
		break
	}

	h.mu.Lock()
	_, already := h.connRoom[c.ID]
	h.connRoom[c.ID] = c.ProjectID
	h.mu.Unlock()
	if !already {
		h.metrics.connections.Add(context.Background(), 1)
	}

	log.Debug().
		Str("connId", c.ID).
		Str("roomId", c.ProjectID).
		Msg("Client joined room")
	return nil
}

// Leave removes the connection from whatever room it is in. Unknown
// connections are ignored.
func (h *Hub) Leave(ctx context.Context, connID string) {
	h.mu.Lock()
	roomID, ok := h.connRoom[connID]
	if ok {
		delete(h.connRoom, connID)
	}
	r := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.metrics.connections.Add(context.Background(), -1)
	if r == nil {
		return
	}

	if _, err := r.call(ctx, roomRequest{kind: reqLeave, connID: connID}); err != nil && !errors.Is(err, ErrRoomClosed) {
		log.Warn().Err(err).Str("connId", connID).Str("roomId", roomID).Msg("Failed to leave room")
		return
	}
	log.Debug().
		Str("connId", connID).
		Str("roomId", roomID).
		Msg("Client left room")
}

// Broadcast encodes the payload once and hands it to the room actor.
// Frames submitted for one room reach every recipient in submission order.
// Broadcasting to a room nobody is in does nothing.
func (h *Hub) Broadcast(ctx context.Context, roomID, event string, payload any, opts BroadcastOptions) error {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	r, err := h.roomFor(roomID, false)
	if err != nil || r == nil {
		return nil
	}
	h.metrics.broadcast(event)
	err = r.submit(ctx, roomRequest{
		kind:    reqBroadcast,
		event:   event,
		frame:   frame,
		exclude: opts.exclude(),
	})
	if errors.Is(err, ErrRoomClosed) {
		return nil
	}
	return err
}

// BroadcastLog sends a console-log record to every member of its room.
func (h *Hub) BroadcastLog(ctx context.Context, rec models.LogRecord) error {
	return h.Broadcast(ctx, rec.RoomID, models.EventConsoleLog, rec, Everyone())
}

// Members returns the connection ids currently in a room.
func (h *Hub) Members(ctx context.Context, roomID string) ([]string, error) {
	r, err := h.roomFor(roomID, false)
	if err != nil || r == nil {
		return nil, nil
	}
	rep, err := r.call(ctx, roomRequest{kind: reqMembers})
	if errors.Is(err, ErrRoomClosed) {
		return nil, nil
	}
	return rep.members, err
}

// RoomOf returns the room a connection is in.
func (h *Hub) RoomOf(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.connRoom[connID]
	return id, ok
}

// ConnectionCount returns the number of joined connections across rooms.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connRoom)
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
