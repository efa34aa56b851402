package ws

import (
	"context"
	"log/slog"
	"net/http"

	"chatwave/internal/auth"
	"chatwave/internal/idgen"

	"github.com/gorilla/websocket"
)

type tokenVerifier interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	ctx      context.Context
	auth     tokenVerifier
	svc      Services
	upgrader *websocket.Upgrader
}

// NewServer builds the WebSocket endpoint. Open sessions end when ctx is done.
func NewServer(ctx context.Context, auth tokenVerifier, svc Services) *Server {
	return &Server{
		ctx:  ctx,
		auth: auth,
		svc:  svc,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Clients authenticate with a token, not cookies.
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.GetUserID(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("error upgrading to websocket", "user_id", userID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	c := NewConnection(s.svc, conn, idgen.NewID(), userID)
	if err := c.Handle(ctx); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Debug("connection closed", "session_id", c.ID(), "user_id", userID, "error", err)
	}
}
