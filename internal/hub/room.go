package hub

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// ErrRoomClosed is returned when a request reaches a room that was reaped.
var ErrRoomClosed = errors.New("room closed")

// roomInboxSize bounds the requests waiting for a room actor.
const roomInboxSize = 1024

type requestKind int

const (
	reqJoin requestKind = iota
	reqLeave
	reqBroadcast
	reqMembers
	reqClose
)

type roomRequest struct {
	kind    requestKind
	client  *Client
	connID  string
	event   string
	frame   []byte
	exclude string
	force   bool
	reply   chan roomReply
}

type roomReply struct {
	ok      bool
	members []string
}

// room is the actor owning one project's membership set. Every request is
// handled on the actor goroutine in arrival order, which is what gives
// broadcasts their per-room ordering.
type room struct {
	id      string
	inbox   chan roomRequest
	done    chan struct{}
	members map[string]*Client
	metrics *hubMetrics
}

func newRoom(id string, m *hubMetrics) *room {
	return &room{
		id:      id,
		inbox:   make(chan roomRequest, roomInboxSize),
		done:    make(chan struct{}),
		members: make(map[string]*Client),
		metrics: m,
	}
}

func (r *room) run() {
	defer close(r.done)
	for req := range r.inbox {
		switch req.kind {
		case reqJoin:
			r.members[req.client.ID] = req.client
			req.reply <- roomReply{ok: true}

		case reqLeave:
			_, existed := r.members[req.connID]
			delete(r.members, req.connID)
			req.reply <- roomReply{ok: existed}

		case reqBroadcast:
			r.deliver(req)

		case reqMembers:
			ids := make([]string, 0, len(r.members))
			for id := range r.members {
				ids = append(ids, id)
			}
			req.reply <- roomReply{ok: true, members: ids}

		case reqClose:
			if len(r.members) > 0 && !req.force {
				req.reply <- roomReply{ok: false}
				continue
			}
			for _, c := range r.members {
				c.Close()
			}
			r.members = nil
			req.reply <- roomReply{ok: true}
			return
		}
	}
}

// deliver queues the frame to every member present right now.
func (r *room) deliver(req roomRequest) {
	delivered := 0
	for id, c := range r.members {
		if id == req.exclude {
			continue
		}
		if c.enqueue(req.frame) {
			delivered++
			continue
		}
		// Closed or hopelessly behind: either way the target is gone.
		delete(r.members, id)
		if !c.Closed() {
			log.Warn().
				Str("roomId", r.id).
				Str("connId", id).
				Msg("Client queue full, evicting")
			r.metrics.dropped.Add(context.Background(), 1)
			c.Close()
		}
	}
	r.metrics.delivered(delivered)
}

// submit hands a request to the actor. It fails with ErrRoomClosed once the
// actor has exited.
func (r *room) submit(ctx context.Context, req roomRequest) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	select {
	case r.inbox <- req:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call submits a request and waits for the actor's reply.
func (r *room) call(ctx context.Context, req roomRequest) (roomReply, error) {
	req.reply = make(chan roomReply, 1)
	if err := r.submit(ctx, req); err != nil {
		return roomReply{}, err
	}
	select {
	case rep := <-req.reply:
		return rep, nil
	case <-r.done:
		// The actor may have replied just before exiting.
		select {
		case rep := <-req.reply:
			return rep, nil
		default:
			return roomReply{}, ErrRoomClosed
		}
	case <-ctx.Done():
		return roomReply{}, ctx.Err()
	}
}
