package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"messmini/internal/auth"
	"messmini/internal/models"
)

// Connections exposes the live connection registry to the admin API.
type Connections interface {
	OnlineUsers() []string
	ConnectionsFor(userID string) []models.ConnID
}

type AdminHandler struct {
	authService *auth.AuthService
	connections Connections
	baseURL     string
}

func NewAdminHandler(authService *auth.AuthService, connections Connections, baseURL string) *AdminHandler {
	return &AdminHandler{authService: authService, connections: connections, baseURL: baseURL}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Password    string `json:"password,omitempty"`
}

type AddUserResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	LoginLink string `json:"loginLink,omitempty"`
}

type PresenceEntry struct {
	UserID      string `json:"userId"`
	Connections int    `json:"connections"`
}

// AddUserHandler creates an account. A random password is generated and
// returned when none is given.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	password := req.Password
	generated := password == ""
	if generated {
		var err error
		if password, err = randomPassword(); err != nil {
			writeError(w, err)
			return
		}
	}

	user, err := h.authService.Register(auth.RegistrationRequest{
		Username:    req.Username,
		Password:    password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeError(w, fmt.Errorf("failed to create user: %w", err))
		return
	}

	resp := AddUserResponse{
		Success:   true,
		UserID:    user.ID,
		Username:  user.UserName,
		LoginLink: strings.TrimRight(h.baseURL, "/") + "/api/login",
	}
	if generated {
		resp.Password = password
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	online := h.connections.OnlineUsers()
	entries := make([]PresenceEntry, 0, len(online))
	for _, userID := range online {
		entries = append(entries, PresenceEntry{
			UserID:      userID,
			Connections: len(h.connections.ConnectionsFor(userID)),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func randomPassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
