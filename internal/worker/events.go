package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cohive/internal/envelope"
	"github.com/thebtf/cohive/pkg/models"
)

// errInvalidPayload marks frames whose data does not match the event.
var errInvalidPayload = errors.New("invalid payload")

// eventHandler handles one client event. A returned error is reported to
// the sender only.
type eventHandler func(ctx context.Context, sess *session, data []byte) error

type mountPayload struct {
	FileTree *envelope.FileTree `json:"fileTree"`
}

func (s *Service) eventHandlers() map[string]eventHandler {
	return map[string]eventHandler{
		models.EventChatMessage:          s.onChatMessage,
		models.EventTerminalLog:          s.onTerminalLog,
		models.EventRunDependencyInstall: s.onDependencyInstall,
		models.EventMountFileTree:        s.onMountFileTree,
		models.EventRunProject:           s.onRunProject,
		models.EventStopProject:          s.onStopProject,
	}
}

// handleFrame decodes a client frame and dispatches it.
func (s *Service) handleFrame(sess *session, raw []byte) {
	var frame models.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sendError(sess.client, "invalid JSON: "+err.Error())
		return
	}

	handler, ok := s.events[frame.Event]
	if !ok {
		sendError(sess.client, "unknown event: "+frame.Event)
		return
	}
	if err := handler(s.ctx, sess, frame.Data); err != nil {
		log.Debug().
			Err(err).
			Str("connId", sess.client.ID).
			Str("event", frame.Event).
			Msg("Event rejected")
		sendError(sess.client, err.Error())
	}
}

func decodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", errInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

// onChatMessage relays chat and hands "@ai" messages to the assistant. The
// sender is always the authenticated user.
func (s *Service) onChatMessage(ctx context.Context, sess *session, data []byte) error {
	var p models.ChatPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("%w: message is required", errInvalidPayload)
	}
	return s.assistant.HandleChat(ctx, sess.roomID, sess.client.ID, sess.identity.Email, p.Message)
}

// onTerminalLog relays client side console output to the room.
func (s *Service) onTerminalLog(ctx context.Context, sess *session, data []byte) error {
	var p models.TerminalLogPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	return s.hub.BroadcastLog(ctx, models.NewLogRecord(sess.roomID, p.Message, models.ParseSeverity(p.Type)))
}

func (s *Service) onDependencyInstall(ctx context.Context, sess *session, _ []byte) error {
	_, err := s.supervisor.RunShell(ctx, sess.roomID, s.config.InstallCommand, "")
	return err
}

func (s *Service) onMountFileTree(ctx context.Context, sess *session, data []byte) error {
	var p mountPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.FileTree == nil {
		return fmt.Errorf("%w: fileTree is required", errInvalidPayload)
	}
	if err := s.runtime.Mount(ctx, sess.roomID, *p.FileTree); err != nil {
		s.broadcastLog(sess.roomID, "Failed to mount file tree: "+err.Error(), models.SeverityError)
		return err
	}
	s.broadcastLog(sess.roomID, fmt.Sprintf("Mounted %d files", p.FileTree.Len()), models.SeverityInfo)
	return nil
}

// onRunProject runs the optional build command and then starts the
// project as the room's canonical process. The build runs in the
// background so the read loop is never blocked.
func (s *Service) onRunProject(ctx context.Context, sess *session, data []byte) error {
	var p models.RunProjectPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	start := strings.TrimSpace(p.StartCommand)
	if start == "" {
		return fmt.Errorf("%w: startCommand is required", errInvalidPayload)
	}
	build := strings.TrimSpace(p.BuildCommand)
	if build == "" {
		_, err := s.supervisor.RunCanonical(ctx, sess.roomID, start, "")
		return err
	}

	h, err := s.supervisor.RunShell(ctx, sess.roomID, build, "")
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-h.Done():
		case <-s.ctx.Done():
			return
		}
		if _, code := h.State(); code != 0 {
			s.broadcastLog(sess.roomID, "Build failed, not starting the project", models.SeverityError)
			return
		}
		if _, err := s.supervisor.RunCanonical(s.ctx, sess.roomID, start, ""); err != nil {
			log.Warn().Err(err).Str("roomId", sess.roomID).Msg("Failed to start project after build")
		}
	}()
	return nil
}

func (s *Service) onStopProject(_ context.Context, sess *session, _ []byte) error {
	if !s.supervisor.StopCanonical(sess.roomID) {
		return errors.New("no running process")
	}
	return nil
}

