package worker

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cohive/internal/hub"
	"github.com/thebtf/cohive/internal/worker/sse"
	"github.com/thebtf/cohive/pkg/models"
)

// handleLogStream streams a room's console-log records as Server-Sent
// Events. The viewer is a read-only member of the room.
func (s *Service) handleLogStream(w http.ResponseWriter, r *http.Request) {
	project, ok := s.memberProject(w, r)
	if !ok {
		return
	}

	id := "viewer-" + uuid.NewString()
	stream, err := sse.NewStream(w, id, models.EventConsoleLog)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	roomID := project.RoomID()
	client := hub.NewClient(id, currentUser(r).Email, roomID, stream, s.config.QueueSize)
	defer client.Close()

	if err := stream.Hello(roomID); err != nil {
		return
	}
	go client.WritePump()

	if err := s.hub.Join(r.Context(), client); err != nil {
		log.Warn().Err(err).Str("roomId", roomID).Msg("Log viewer failed to join room")
		return
	}
	defer s.hub.Leave(s.ctx, id)

	log.Debug().Str("roomId", roomID).Str("clientId", id).Msg("Log viewer connected")

	ticker := time.NewTicker(sse.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := stream.KeepAlive(); err != nil {
				return
			}
		}
	}
}
