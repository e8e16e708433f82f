package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"messmini/internal/auth"
	"messmini/internal/content"
	"messmini/internal/models"
	"messmini/internal/storage"
)

// Store is the persistence used by the HTTP handlers.
type Store interface {
	LookupUser(userID string) (models.User, error)
	GetUserByName(userName string) (models.User, error)
	ListUsers() ([]models.User, error)
	UpdateDisplayName(userID, displayName string) error
	ListDirectMessages(userID, otherID string) ([]models.ChatMessage, error)
	CreateRoom(name, description, creatorID string, memberIDs []string) (models.Room, error)
	GetRoom(roomID string) (models.Room, error)
	IsRoomMember(roomID, userID string) (bool, error)
	ListUserRooms(userID string) ([]models.Room, error)
	AddRoomMember(roomID, userID string) (models.Room, error)
	RemoveRoomMember(roomID, userID string) (models.Room, error)
	DeleteRoom(roomID, userID string) error
	ListRoomMessages(roomID string) ([]models.RoomMessage, error)
	MarkRoomRead(roomID, readerID string) (int, error)
	RequestFriendship(senderID, receiverID string) (storage.FriendshipStatus, error)
	AnswerFriendRequest(receiverID, senderID string, accept bool) error
	ListFriends(userID string) ([]models.User, error)
	ListFriendRequests(userID string) ([]models.FriendRequest, error)
}

// Notifier keeps live connections in sync with changes made over HTTP.
type Notifier interface {
	RoomMemberAdded(roomID, userID string)
	RoomMemberRemoved(roomID, userID string)
	RoomDeleted(roomID string)
	ForgetUser(userID string)
}

// PresenceView reports live presence.
type PresenceView interface {
	Online(userID string) bool
	Snapshot() []string
}

type API struct {
	auth     *auth.AuthService
	store    Store
	notifier Notifier
	presence PresenceView
}

func New(authService *auth.AuthService, store Store, notifier Notifier, presence PresenceView) *API {
	return &API{
		auth:     authService,
		store:    store,
		notifier: notifier,
		presence: presence,
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and Form
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	loginResp := a.auth.Login(req)
	if !loginResp.Success {
		writeJSON(w, http.StatusUnauthorized, loginResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})
	writeJSON(w, http.StatusOK, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := a.auth.Register(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.LookupUser(userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	user.Presence.Online = a.presence.Online(user.ID)
	writeJSON(w, http.StatusOK, user)
}

func (a *API) UpdateDisplayNameHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateDisplayNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	displayName := strings.TrimSpace(content.Sanitize(req.DisplayName))
	if displayName == "" {
		http.Error(w, "Display name is required", http.StatusBadRequest)
		return
	}

	userID := userIDFrom(r)
	if err := a.store.UpdateDisplayName(userID, displayName); err != nil {
		writeError(w, err)
		return
	}
	a.notifier.ForgetUser(userID)
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

// UsersHandler lists every user with the live presence overlaid.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range users {
		users[i].Presence.Online = a.presence.Online(users[i].ID)
	}
	writeJSON(w, http.StatusOK, users)
}

// OnlineUsersHandler lists the online users other than the caller.
func (a *API) OnlineUsersHandler(w http.ResponseWriter, r *http.Request) {
	me := userIDFrom(r)
	users := make([]models.User, 0)
	for _, id := range a.presence.Snapshot() {
		if id == me {
			continue
		}
		u, err := a.store.LookupUser(id)
		if err != nil {
			continue
		}
		u.Presence.Online = true
		users = append(users, u)
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) UserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUserByName(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	user.Presence.Online = a.presence.Online(user.ID)
	writeJSON(w, http.StatusOK, user)
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := a.store.ListDirectMessages(userIDFrom(r), r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range messages {
		messages[i].HTML = content.Render(messages[i].Content)
	}
	writeJSON(w, http.StatusOK, messages)
}

func (a *API) FriendsHandler(w http.ResponseWriter, r *http.Request) {
	friends, err := a.store.ListFriends(userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range friends {
		friends[i].Presence.Online = a.presence.Online(friends[i].ID)
	}
	writeJSON(w, http.StatusOK, friends)
}

// AddFriendHandler sends a friend request. The friendship counts only once
// the other user accepts it.
func (a *API) AddFriendHandler(w http.ResponseWriter, r *http.Request) {
	status, err := a.store.RequestFriendship(userIDFrom(r), r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Message: "friend request " + string(status)})
}

func (a *API) FriendRequestsHandler(w http.ResponseWriter, r *http.Request) {
	requests, err := a.store.ListFriendRequests(userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (a *API) AcceptFriendHandler(w http.ResponseWriter, r *http.Request) {
	a.answerFriendRequest(w, r, true)
}

func (a *API) RejectFriendHandler(w http.ResponseWriter, r *http.Request) {
	a.answerFriendRequest(w, r, false)
}

func (a *API) answerFriendRequest(w http.ResponseWriter, r *http.Request, accept bool) {
	if err := a.store.AnswerFriendRequest(userIDFrom(r), r.PathValue("userId"), accept); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrUserExists):
		status = http.StatusConflict
	case errors.Is(err, models.ErrNotMember),
		errors.Is(err, models.ErrNotFriends),
		errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
		message = "internal error"
	}
	writeJSON(w, status, models.APIResponse{Success: false, Message: message})
}
