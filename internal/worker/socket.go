package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cohive/internal/auth"
	"github.com/thebtf/cohive/internal/hub"
	"github.com/thebtf/cohive/pkg/models"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageBytes = 4 << 20
)

// socketWriter adapts a websocket connection to the hub client transport.
// WriteFrame is only ever called from the client's write pump.
type socketWriter struct {
	conn *websocket.Conn
}

func (sw *socketWriter) WriteFrame(data []byte) error {
	if err := sw.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return sw.conn.WriteMessage(websocket.TextMessage, data)
}

func (sw *socketWriter) Close() error {
	_ = sw.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return sw.conn.Close()
}

// session is one authenticated socket.
type session struct {
	client   *hub.Client
	identity *auth.Identity
	roomID   string
}

// handleSocket authenticates the handshake and upgrades it. Rejections are
// answered before the upgrade so the client sees a plain HTTP error.
func (s *Service) handleSocket(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	identity, err := s.auth.Authenticate(r.Context(), auth.TokenFromRequest(r), projectID)
	if err != nil {
		status := auth.StatusCode(err)
		ev := log.Info()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Err(err).
			Str("projectId", projectID).
			Int("status", status).
			Msg("Socket handshake rejected")
		writeError(w, status, auth.Reason(err))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sess := &session{
		identity: identity,
		roomID:   identity.Project.RoomID(),
	}
	sess.client = hub.NewClient(uuid.NewString(), identity.Email, sess.roomID, &socketWriter{conn: conn}, s.config.QueueSize)

	s.conns.Add(1)
	go s.serveSocket(conn, sess)
}

// serveSocket runs the read loop of one connection until it closes.
func (s *Service) serveSocket(conn *websocket.Conn, sess *session) {
	defer s.conns.Done()
	c := sess.client
	defer c.Close()

	go c.WritePump()

	if err := s.hub.Join(s.ctx, c); err != nil {
		log.Warn().Err(err).Str("connId", c.ID).Msg("Failed to join room")
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.hub.Leave(ctx, c.ID)
		log.Info().Str("connId", c.ID).Str("roomId", sess.roomID).Msg("User disconnected")
	}()

	log.Info().
		Str("connId", c.ID).
		Str("roomId", sess.roomID).
		Str("user", sess.identity.Email).
		Msg("User connected")
	s.broadcastLog(sess.roomID, "[User connected: "+c.ID+"]", models.SeverityInfo)

	go s.keepAlive(conn, c)

	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) && !c.Closed() {
				log.Debug().Err(err).Str("connId", c.ID).Msg("WebSocket read error")
			}
			return
		}
		s.handleFrame(sess, raw)
	}
}

// keepAlive pings the peer until the client is closed.
func (s *Service) keepAlive(conn *websocket.Conn, c *hub.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

// sendError reports a rejected frame to its sender only.
func sendError(c *hub.Client, msg string) {
	c.SendEvent(models.EventError, models.ErrorPayload{Message: msg})
}

func (s *Service) broadcastLog(roomID, text string, sev models.Severity) {
	if err := s.hub.BroadcastLog(s.ctx, models.NewLogRecord(roomID, text, sev)); err != nil {
		log.Debug().Err(err).Str("roomId", roomID).Msg("Dropped log record")
	}
}
