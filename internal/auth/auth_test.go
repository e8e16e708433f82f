package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"messmini/internal/models"
)

var errUserExists = errors.New("user already exists")

type memoryStore struct {
	mu     sync.Mutex
	users  map[string]models.User
	hashes map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:  make(map[string]models.User),
		hashes: make(map[string]string),
	}
}

func (m *memoryStore) CreateUser(userName, displayName, passwordHash string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userName]; ok {
		return models.User{}, errUserExists
	}
	if displayName == "" {
		displayName = userName
	}
	u := models.User{ID: "id-" + userName, UserName: userName, DisplayName: displayName}
	m.users[userName] = u
	m.hashes[userName] = passwordHash
	return u, nil
}

func (m *memoryStore) GetCredentials(userName string) (models.User, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userName]
	if !ok {
		return models.User{}, "", models.ErrNotFound
	}
	return u, m.hashes[userName], nil
}

// gatedStore holds GetCredentials for one username until the gate closes.
type gatedStore struct {
	*memoryStore
	slowUser string
	entered  chan struct{}
	gate     chan struct{}
}

func (g *gatedStore) GetCredentials(userName string) (models.User, string, error) {
	if userName == g.slowUser {
		close(g.entered)
		<-g.gate
	}
	return g.memoryStore.GetCredentials(userName)
}

func TestAuthService_ConcurrentLogins(t *testing.T) {
	store := &gatedStore{
		memoryStore: newMemoryStore(),
		slowUser:    "slow",
		entered:     make(chan struct{}),
		gate:        make(chan struct{}),
	}
	svc, err := NewAuthService(context.Background(), Config{TokenExpiry: time.Hour}, store)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	for _, name := range []string{"slow", "fast"} {
		if _, err := svc.Register(RegistrationRequest{Username: name, Password: name + "-password"}); err != nil {
			t.Fatalf("failed to setup user %s: %v", name, err)
		}
	}

	slowDone := make(chan LoginResponse, 1)
	go func() {
		slowDone <- svc.Login(LoginRequest{Username: "slow", Password: "slow-password"})
	}()
	<-store.entered

	fastDone := make(chan LoginResponse, 1)
	go func() {
		fastDone <- svc.Login(LoginRequest{Username: "fast", Password: "fast-password"})
	}()

	select {
	case resp := <-fastDone:
		if !resp.Success {
			t.Errorf("Expected fast login to succeed, got %q", resp.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Login of one user waits for the credential check of another")
	}

	close(store.gate)
	if resp := <-slowDone; !resp.Success {
		t.Errorf("Expected slow login to succeed, got %q", resp.Message)
	}
}

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	createService := func(t *testing.T) (*AuthService, *time.Time) {
		svc, err := NewAuthService(context.Background(), Config{TokenExpiry: time.Hour}, newMemoryStore())
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}
		return svc, &currentTime
	}

	t.Run("Register", func(t *testing.T) {
		svc, _ := createService(t)

		u1, err := svc.Register(RegistrationRequest{Username: "user1", Password: "password1", DisplayName: "<b>User</b> One"})
		if err != nil {
			t.Fatalf("Failed to register user: %v", err)
		}
		if u1.UserName != "user1" {
			t.Errorf("Expected username user1, got %s", u1.UserName)
		}
		if u1.DisplayName != "<b>User</b> One" {
			t.Errorf("Unexpected display name %q", u1.DisplayName)
		}

		_, err = svc.Register(RegistrationRequest{Username: "user1", Password: "password2"})
		if !errors.Is(err, errUserExists) {
			t.Errorf("Expected errUserExists, got %v", err)
		}

		_, err = svc.Register(RegistrationRequest{Username: "bad name", Password: "password1"})
		if !errors.Is(err, models.ErrBadRequest) {
			t.Errorf("Expected ErrBadRequest for invalid username, got %v", err)
		}

		_, err = svc.Register(RegistrationRequest{Username: "user2", Password: "short"})
		if !errors.Is(err, ErrWeakPassword) {
			t.Errorf("Expected ErrWeakPassword, got %v", err)
		}
	})

	t.Run("Login", func(t *testing.T) {
		svc, _ := createService(t)
		u, err := svc.Register(RegistrationRequest{Username: "user1", Password: "password1"})
		if err != nil {
			t.Fatalf("failed to setup user: %v", err)
		}

		resp := svc.Login(LoginRequest{Username: "user1", Password: "wrong-password"})
		if resp.Success {
			t.Error("Expected login with a wrong password to fail")
		}
		if resp.Message != loginFailedMessage {
			t.Errorf("Unexpected message %q", resp.Message)
		}

		resp = svc.Login(LoginRequest{Username: "user1", Password: "password1"})
		if !resp.Success {
			t.Fatalf("Expected success, got %q", resp.Message)
		}
		if resp.Token == "" {
			t.Error("Expected a token")
		}
		if resp.UserID != u.ID {
			t.Errorf("Expected user id %s, got %s", u.ID, resp.UserID)
		}
		if resp.TokenExpiry != t0Unix+3600 {
			t.Errorf("Unexpected token expiry %d", resp.TokenExpiry)
		}

		userID, err := svc.GetUserID(resp.Token)
		if err != nil || userID != u.ID {
			t.Errorf("Token does not resolve to the user: %s, %v", userID, err)
		}

		if err := svc.Logoff(resp.Token); err != nil {
			t.Errorf("Logoff failed: %v", err)
		}
		if _, err := svc.GetUserID(resp.Token); err == nil {
			t.Error("Token still valid after logoff")
		}
	})

	t.Run("Unknown user", func(t *testing.T) {
		svc, _ := createService(t)
		resp := svc.Login(LoginRequest{Username: "ghost", Password: "password1"})
		if resp.Success || resp.Message != loginFailedMessage {
			t.Errorf("Unexpected response %+v", resp)
		}
		if _, err := svc.GetUserID(""); err == nil {
			t.Error("Empty token must not resolve")
		}
	})

	t.Run("Throttling", func(t *testing.T) {
		svc, now := createService(t)
		if _, err := svc.Register(RegistrationRequest{Username: "user1", Password: "password1"}); err != nil {
			t.Fatalf("failed to setup user: %v", err)
		}

		for range 4 {
			svc.Login(LoginRequest{Username: "user1", Password: "wrong-password"})
		}

		// 4 failures: 30*16 = 480 seconds of backoff.
		resp := svc.Login(LoginRequest{Username: "user1", Password: "password1"})
		if resp.Success {
			t.Fatal("Expected throttled login to fail")
		}
		if !strings.Contains(resp.Message, "Too many failed login attempts") {
			t.Errorf("Unexpected message %q", resp.Message)
		}

		*now = now.Add(481 * time.Second)
		resp = svc.Login(LoginRequest{Username: "user1", Password: "password1"})
		if !resp.Success {
			t.Errorf("Expected login after backoff to succeed, got %q", resp.Message)
		}
	})
}
