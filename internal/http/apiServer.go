package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"messmini/internal/api"
	"messmini/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: NewRoutes(apiHandlers, wsServer),
		},
	}
}

// NewRoutes builds the public API mux.
func NewRoutes(apiHandlers *api.API, wsServer *ws.Server) *http.ServeMux {
	mux := http.NewServeMux()
	auth := apiHandlers.RequireAuth

	// Session
	mux.HandleFunc("POST /api/register", api.RequireSameOrigin(apiHandlers.RegisterHandler))
	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(apiHandlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/me", auth(apiHandlers.MeHandler))
	mux.HandleFunc("POST /api/users/me/display-name", api.RequireSameOrigin(auth(apiHandlers.UpdateDisplayNameHandler)))

	// Users and presence
	mux.HandleFunc("GET /api/users", auth(apiHandlers.UsersHandler))
	mux.HandleFunc("GET /api/users/online", auth(apiHandlers.OnlineUsersHandler))
	mux.HandleFunc("GET /api/users/{name}", auth(apiHandlers.UserHandler))
	mux.HandleFunc("GET /api/chat/history/{userId}", auth(apiHandlers.HistoryHandler))

	// Rooms
	mux.HandleFunc("GET /api/rooms", auth(apiHandlers.RoomsHandler))
	mux.HandleFunc("POST /api/rooms", api.RequireSameOrigin(auth(apiHandlers.CreateRoomHandler)))
	mux.HandleFunc("DELETE /api/rooms/{id}", api.RequireSameOrigin(auth(apiHandlers.DeleteRoomHandler)))
	mux.HandleFunc("POST /api/rooms/{id}/members/{userId}", api.RequireSameOrigin(auth(apiHandlers.AddRoomMemberHandler)))
	mux.HandleFunc("DELETE /api/rooms/{id}/members/{userId}", api.RequireSameOrigin(auth(apiHandlers.RemoveRoomMemberHandler)))
	mux.HandleFunc("GET /api/rooms/{id}/messages", auth(apiHandlers.RoomMessagesHandler))
	mux.HandleFunc("POST /api/rooms/{id}/read", api.RequireSameOrigin(auth(apiHandlers.MarkRoomReadHandler)))

	// Friends
	mux.HandleFunc("GET /api/friends", auth(apiHandlers.FriendsHandler))
	mux.HandleFunc("GET /api/friends/requests", auth(apiHandlers.FriendRequestsHandler))
	mux.HandleFunc("POST /api/friends/{userId}", api.RequireSameOrigin(auth(apiHandlers.AddFriendHandler)))
	mux.HandleFunc("POST /api/friends/{userId}/accept", api.RequireSameOrigin(auth(apiHandlers.AcceptFriendHandler)))
	mux.HandleFunc("POST /api/friends/{userId}/reject", api.RequireSameOrigin(auth(apiHandlers.RejectFriendHandler)))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/chat", wsServer.HandleConnections)

	return mux
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
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
