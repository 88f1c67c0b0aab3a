package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quillstore/quill/pkg/hub"
	"github.com/quillstore/quill/pkg/log"
	"github.com/quillstore/quill/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
	// wsMaxFrame bounds a single client frame; batch_sync payloads are
	// the largest legitimate frames.
	wsMaxFrame = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers connect from arbitrary origins; auth is a deployment
	// concern in front of this listener.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and bridges it onto a hub
// session: one reader decoding client frames, one writer draining the
// session queue.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		lg14 := log.WithComponent("api")
		lg14.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := r.URL.Query().Get("clientId")
	sess := s.hub.Connect(clientID)
	logger := log.WithClient(sess.ID)

	done := make(chan struct{})
	go s.writeLoop(conn, sess, done)

	conn.SetReadLimit(wsMaxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("websocket read failed")
			}
			break
		}
		var msg types.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			sess.Push(&types.ServerMessage{
				Type: types.MsgError, Code: "invalid_json", Message: err.Error(),
			})
			continue
		}
		s.hub.Handle(sess, &msg)
	}

	s.hub.Disconnect(sess)
	<-done
	_ = conn.Close()
}

// writeLoop drains the session queue onto the socket and keeps the
// connection alive with pings. It exits when the session closes or a
// write fails.
func (s *Server) writeLoop(conn *websocket.Conn, sess *hub.Session, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	frames := make(chan *types.ServerMessage)
	go func() {
		defer close(frames)
		for {
			msg, ok := sess.Next()
			if !ok {
				return
			}
			select {
			case frames <- msg:
			case <-done:
				// Connection already failed; the frame is lost with it.
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-frames:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
