package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/shopsync/pkg/hub"
	"github.com/rubiojr/shopsync/pkg/realtime"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 << 10
)

// HandleWebSocket upgrades the request to a realtime session.
//
// The token query parameter identifies the user; the session is joined to
// that user's room right away so notifications reach it without a signal.
// Shop and conversation rooms are joined and left by client frames. Frames
// the server cannot parse are logged and ignored.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.writeError(w, http.StatusUnauthorized, "Missing token", "Query parameter 'token' is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	id, out := s.hub.Register()
	s.hub.Join(id, hub.UserRoom(token))
	s.logger.Debugf("session %d opened for %s", id, token)

	done := make(chan struct{})
	go s.writePump(conn, id, out, done)

	s.readPump(conn, id)

	s.hub.Unregister(id)
	<-done
	conn.Close()
	s.logger.Debugf("session %d closed", id)
}

// writePump is the only writer of data frames on conn. It returns when the
// session is unregistered or a write fails.
func (s *Server) writePump(conn *websocket.Conn, id uint64, out <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for msg := range out {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.logger.Debugf("session %d write failed: %v", id, err)
			// Unblocks readPump.
			conn.Close()
			for range out {
			}
			return
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (s *Server) readPump(conn *websocket.Conn, id uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warnf("session %d read failed: %v", id, err)
			}
			return
		}
		s.metrics.FramesReceived.Inc()

		f, err := realtime.ParseFrame(raw)
		if err != nil {
			s.metrics.MalformedFrames.Inc()
			s.logger.Debugf("session %d sent a malformed frame: %v", id, err)
			continue
		}
		s.handleSignal(id, f)
	}
}

func (s *Server) handleSignal(id uint64, f realtime.Frame) {
	switch f.Event {
	case realtime.EventShopJoin, realtime.EventShopLeave:
		var p realtime.ShopRoom
		if err := f.Decode(&p); err != nil || p.ShopID == "" {
			s.logger.Debugf("session %d: %s without shopId", id, f.Event)
			return
		}
		s.toggle(id, f.Event == realtime.EventShopJoin, hub.ShopRoom(p.ShopID))
	case realtime.EventConversationJoin, realtime.EventConversationLeave:
		var p realtime.ConversationRoom
		if err := f.Decode(&p); err != nil || p.ConversationID == "" {
			s.logger.Debugf("session %d: %s without conversationId", id, f.Event)
			return
		}
		s.toggle(id, f.Event == realtime.EventConversationJoin, hub.ConversationRoom(p.ConversationID))
	case realtime.EventPing:
		msg, err := s.encodeFrame(realtime.EventPong, nil)
		if err != nil {
			s.logger.Errorf("encoding pong: %v", err)
			return
		}
		s.hub.Send(id, msg)
	default:
		s.logger.Debugf("session %d: ignoring %q", id, f.Event)
	}
}

func (s *Server) toggle(id uint64, join bool, room string) {
	if join {
		s.hub.Join(id, room)
		s.logger.Debugf("session %d joined %s", id, room)
		return
	}
	s.hub.Leave(id, room)
	s.logger.Debugf("session %d left %s", id, room)
}
