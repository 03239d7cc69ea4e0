package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// wsMessage frames one event on the websocket.
type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// browsers on other origins are already allowed by CORS
	CheckOrigin: func(*http.Request) bool { return true },
}

// registerWebSocketRoutes mirrors /api/events on a websocket for clients
// that cannot use EventSource. Huma has no websocket support, so the route
// sits on the mux and checks credentials itself.
func (s *Server) registerWebSocketRoutes() {
	s.mux.HandleFunc("GET /api/events/ws", s.handleEventsWebSocket)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.options.AuthUsername == "" || s.options.AuthPassword == "" {
		return true
	}
	user, pass, msg := credentials(r.Header.Get("Authorization"), r.URL.Query().Get("auth"))
	return msg == "" && validCredentials(user, pass, s.options.AuthUsername, s.options.AuthPassword)
}

func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", authRealm)
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	eventCh := make(chan any, 16)
	unsubscribe := s.subscribeSessionEvents(eventCh)
	defer unsubscribe()

	// the read side only serves pongs and notices the close
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("Websocket closed", "error", err)
				}
				return
			}
		}
	}()

	write := func(v any) bool {
		payload, err := json.Marshal(wsMessage{Event: eventName(v), Data: v})
		if err != nil {
			s.logger.Warn("Websocket event not encoded", "error", err)
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, payload) == nil
	}

	if !write(s.sessionStatus()) {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event := <-eventCh:
			if !write(event) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
