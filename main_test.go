package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"messmini/internal/api"
	"messmini/internal/auth"
	"messmini/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	adminAddr = "127.0.0.1:18888"
	apiAddr   = "127.0.0.1:18887"
)

func TestIntegration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MESSMINI_DB", filepath.Join(t.TempDir(), "integration_test.db"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("PRESENCE_SNAPSHOT", "false")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, "")
	}()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && err != context.Canceled {
				t.Errorf("Server error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Server did not shut down")
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/presence", adminAddr), 50)

	// Step 1: Create users via Admin API
	alice := addUser(t, "alice", "alice-password")
	bob := addUser(t, "bob", "bob-password")

	// A generated password is returned when none is given.
	carol := addUser(t, "carol", "")
	require.NotEmpty(t, carol.Password)

	// Step 2: Login
	aliceToken := login(t, "alice", "alice-password")
	bobToken := login(t, "bob", "bob-password")

	resp := doJSON(t, http.MethodPost, "/api/login", "", auth.LoginRequest{Username: "alice", Password: "nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// Step 3: Connect alice from two devices and bob from one
	alice1 := dial(t, aliceToken)
	ev := readUntil(t, alice1, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypePresence && m.UserID == alice.UserID
	})
	require.True(t, ev.Online)

	// The second device is not an edge; a join round trip proves it is registered.
	alice2 := dial(t, aliceToken)
	sendJSON(t, alice2, models.ClientMessage{Type: models.ClientMessageTypeJoin})
	readUntil(t, alice2, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeJoined && m.UserID == alice.UserID
	})

	bob1 := dial(t, bobToken)
	ev = readUntil(t, alice1, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypePresence && m.UserID == bob.UserID
	})
	require.True(t, ev.Online)

	// Step 4: Direct message reaches every device of both users
	sendJSON(t, alice1, models.ClientMessage{
		Type:       models.ClientMessageTypeDirect,
		ReceiverID: bob.UserID,
		Content:    "hello *bob*",
	})

	for _, conn := range []*websocket.Conn{bob1, alice1, alice2} {
		ev := readUntil(t, conn, func(m models.ServerMessage) bool {
			return m.Type == models.ServerMessageTypeDirect
		})
		require.NotNil(t, ev.Message)
		require.Equal(t, "hello *bob*", ev.Message.Content)
		require.Equal(t, "<p>hello <em>bob</em></p>", ev.Message.HTML)
		require.Equal(t, alice.UserID, ev.Message.SenderID)
		require.NotZero(t, ev.Message.ID)
	}

	// Step 5: Invalid events are acknowledged with an error
	sendJSON(t, alice1, models.ClientMessage{Type: models.ClientMessageTypeRoom, RoomID: "missing", Content: "hi"})
	ev = readUntil(t, alice1, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypeError
	})
	require.NotEmpty(t, ev.Error)

	// Step 6: History is persisted
	resp = doJSON(t, http.MethodGet, "/api/chat/history/"+bob.UserID, aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []models.ChatMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	_ = resp.Body.Close()
	require.Len(t, history, 1)

	// Step 7: Rooms
	resp = doJSON(t, http.MethodPost, "/api/rooms", aliceToken, models.CreateRoomRequest{
		Name:    "general",
		Members: []string{bob.UserID},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var room models.Room
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
	_ = resp.Body.Close()

	sendJSON(t, bob1, models.ClientMessage{Type: models.ClientMessageTypeRoom, RoomID: room.ID, Content: "hi room"})
	for _, conn := range []*websocket.Conn{bob1, alice2} {
		ev := readUntil(t, conn, func(m models.ServerMessage) bool {
			return m.Type == models.ServerMessageTypeRoom
		})
		require.NotNil(t, ev.RoomMessage)
		require.Equal(t, "hi room", ev.RoomMessage.Content)
	}

	// Step 8: Admin presence reports device counts
	resp, err := http.Get(fmt.Sprintf("http://%s/admin/presence", adminAddr))
	require.NoError(t, err)
	var entries []api.PresenceEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	_ = resp.Body.Close()
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.UserID] = e.Connections
	}
	require.Equal(t, 2, counts[alice.UserID])
	require.Equal(t, 1, counts[bob.UserID])

	// Step 9: Closing one of alice's devices is not an edge, closing bob's is
	require.NoError(t, alice2.Close())
	require.NoError(t, bob1.Close())
	ev = readUntil(t, alice1, func(m models.ServerMessage) bool {
		return m.Type == models.ServerMessageTypePresence
	})
	require.Equal(t, bob.UserID, ev.UserID)
	require.False(t, ev.Online)

	// Step 10: Unauthorized websocket is rejected
	_, wsResp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/chat", apiAddr), nil)
	require.Error(t, err)
	require.NotNil(t, wsResp)
	require.Equal(t, http.StatusUnauthorized, wsResp.StatusCode)

	require.NoError(t, alice1.Close())
}

func addUser(t *testing.T, username, password string) api.AddUserResponse {
	t.Helper()
	body, err := json.Marshal(api.AddUserRequest{Username: username, Password: password})
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.AddUserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.Equal(t, username, out.Username)
	return out
}

func login(t *testing.T, username, password string) string {
	t.Helper()
	resp := doJSON(t, http.MethodPost, "/api/login", "", auth.LoginRequest{Username: username, Password: password})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.NotEmpty(t, out.Token)
	return out.Token
}

func doJSON(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", apiAddr, path), &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: "token", Value: token})
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("token", token)
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/chat", apiAddr), header)
	require.NoError(t, err)
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg models.ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil skips events until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(models.ServerMessage) bool) models.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg models.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
