package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"messmini/internal/api"
	"messmini/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type tokenResolver interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	ctx      context.Context
	auth     tokenResolver
	hub      *Hub
	router   eventRouter
	upgrader *websocket.Upgrader
}

func NewServer(ctx context.Context, auth tokenResolver, hub *Hub, router eventRouter) *Server {
	return &Server{
		ctx:    ctx,
		auth:   auth,
		hub:    hub,
		router: router,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cookie and query tokens are sent by cross-origin pages too.
			CheckOrigin: api.SameOrigin,
		},
	}
}

// TokenFromRequest extracts the session token from the token header, a
// bearer authorization header, the token cookie or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.GetUserID(TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading to websocket", "user_id", userID, "error", err)
		return
	}

	id := models.ConnID(uuid.NewString())
	slog.Debug("websocket opened", "conn_id", id, "user_id", userID, "remote_addr", r.RemoteAddr)

	c := NewConnection(s.hub, s.router, conn, id, userID)
	if err := c.Handle(s.ctx); err != nil {
		slog.Warn("websocket closed with error", "conn_id", id, "user_id", userID, "error", err)
	}
}
