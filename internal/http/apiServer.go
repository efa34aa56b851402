package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"chatwave/internal/api"
	"chatwave/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", apiHandlers.HealthHandler)

	mux.HandleFunc("POST /api/register", apiHandlers.RegisterHandler)
	mux.HandleFunc("POST /api/login", apiHandlers.LoginHandler)
	mux.HandleFunc("POST /api/logout", apiHandlers.RequireAuth(apiHandlers.LogoffHandler))

	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("GET /api/users/{id}", apiHandlers.RequireAuth(apiHandlers.UserHandler))
	mux.HandleFunc("POST /api/users/me/friends/{id}", apiHandlers.RequireAuth(apiHandlers.AddFriendHandler))

	mux.HandleFunc("GET /api/chats", apiHandlers.RequireAuth(apiHandlers.ChatsHandler))
	mux.HandleFunc("GET /api/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/messages/{id}/read", apiHandlers.RequireAuth(apiHandlers.MarkReadHandler))

	mux.HandleFunc("POST /api/groups", apiHandlers.RequireAuth(apiHandlers.CreateGroupHandler))
	mux.HandleFunc("GET /api/groups/{id}", apiHandlers.RequireAuth(apiHandlers.GroupHandler))
	mux.HandleFunc("POST /api/groups/{id}/members", apiHandlers.RequireAuth(apiHandlers.AddMemberHandler))
	mux.HandleFunc("DELETE /api/groups/{id}/members/{userId}", apiHandlers.RequireAuth(apiHandlers.RemoveMemberHandler))

	mux.HandleFunc("POST /api/upload", apiHandlers.RequireAuth(apiHandlers.UploadHandler))
	mux.HandleFunc("GET /api/files/{id}", apiHandlers.RequireAuth(apiHandlers.FileHandler))

	mux.HandleFunc("GET /api/push/key", apiHandlers.RequireAuth(apiHandlers.PushKeyHandler))
	mux.HandleFunc("POST /api/push/subscriptions", apiHandlers.RequireAuth(apiHandlers.SubscribePushHandler))
	mux.HandleFunc("DELETE /api/push/subscriptions", apiHandlers.RequireAuth(apiHandlers.UnsubscribePushHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	slog.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
