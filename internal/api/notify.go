package api

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/kalambet/streamdl/internal/progress"
)

const eventWriteTimeout = 10 * time.Second

// wsConn adapts a WebSocket to progress.Conn. Only the subscription's writer
// goroutine calls WriteEvent.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) WriteEvent(ev progress.Event) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
		return err
	}
	return websocket.JSON.Send(c.ws, ev)
}

func handleNotify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := chi.URLParam(r, "clientID")
		if clientID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "client id is required")
			return
		}
		log := deps.logger().With("client_id", clientID)

		srv := websocket.Server{
			Handshake: checkOrigin(deps.AllowedOrigins),
			Handler: func(ws *websocket.Conn) {
				defer ws.Close()

				sub := deps.Registry.Register(clientID, &wsConn{ws: ws})
				defer deps.Registry.Release(sub)
				log.Debug("notification channel connected")

				// Inbound messages carry no meaning; read until the peer goes away.
				var discard []byte
				for {
					if err := websocket.Message.Receive(ws, &discard); err != nil {
						break
					}
				}
				log.Debug("notification channel disconnected")
			},
		}
		srv.ServeHTTP(w, r)
	}
}

// checkOrigin accepts clients that send no Origin (non-browser tools) and
// browsers whose origin is on the allow-list.
func checkOrigin(allowed []string) func(*websocket.Config, *http.Request) error {
	return func(cfg *websocket.Config, r *http.Request) error {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return nil
		}
		if !slices.Contains(allowed, "*") && !slices.Contains(allowed, origin) {
			return errors.New("origin not allowed")
		}
		var err error
		cfg.Origin, err = websocket.Origin(cfg, r)
		return err
	}
}
