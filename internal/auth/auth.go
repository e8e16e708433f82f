package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"messmini/internal/content"
	"messmini/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	MinPasswordLength  = 8

	loginFailedMessage = "Login failed"
)

var ErrWeakPassword = fmt.Errorf("password must be at least %d characters", MinPasswordLength)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegistrationRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

// CredentialStore keeps users and their password hashes.
type CredentialStore interface {
	CreateUser(userName, displayName, passwordHash string) (models.User, error)
	GetCredentials(userName string) (models.User, string, error)
}

// loginAttempts counts consecutive failed logins to throttle brute force attacks.
type loginAttempts struct {
	Failed      int64
	LastAttempt int64
}

type Config struct {
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

type AuthService struct {
	Config
	store      CredentialStore
	attempts   *geche.Locker[string, *loginAttempts]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func (c *Config) Validate() error {
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must not be negative")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

func NewAuthService(ctx context.Context, config Config, store CredentialStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		store:      store,
		attempts:   geche.NewLocker[string, *loginAttempts](geche.NewMapCache[string, *loginAttempts]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Register creates a new account. The display name defaults to the username.
func (as *AuthService) Register(req RegistrationRequest) (models.User, error) {
	username := strings.TrimSpace(req.Username)
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, fmt.Errorf("%w: %w", models.ErrBadRequest, err)
	}
	if len(req.Password) < MinPasswordLength {
		return models.User{}, fmt.Errorf("%w: %w", models.ErrBadRequest, ErrWeakPassword)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	displayName := strings.TrimSpace(content.Sanitize(req.DisplayName))
	user, err := as.store.CreateUser(username, displayName, string(hash))
	if err != nil {
		return models.User{}, err
	}
	slog.Info("user registered", "user_id", user.ID, "username", username)
	return user, nil
}

// Login checks the credentials and issues a session token.
func (as *AuthService) Login(req LoginRequest) LoginResponse {
	now := as.now()
	if wait := as.reserveAttempt(req.Username, now); wait > 0 {
		return LoginResponse{
			Success: false,
			Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", wait),
		}
	}

	user, hash, err := as.store.GetCredentials(req.Username)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("failed to load credentials", "username", req.Username, "error", err)
		}
		return LoginResponse{Success: false, Message: loginFailedMessage}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		return LoginResponse{Success: false, Message: loginFailedMessage}
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{Success: false, Message: "internal error"}
	}

	as.liveTokens.Set(token, user.ID)
	as.resetAttempts(req.Username)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
		UserID:      user.ID,
	}
}

// reserveAttempt counts the attempt as failed up front, so concurrent
// guesses are throttled too. It returns the seconds left to wait when the
// username is throttled; a throttled attempt is not counted.
func (as *AuthService) reserveAttempt(username string, now time.Time) int64 {
	tx := as.attempts.Lock()
	defer tx.Unlock()

	attempts, err := tx.Get(username)
	if err != nil {
		attempts = &loginAttempts{}
		tx.Set(username, attempts)
	}

	if attempts.Failed > 3 {
		nextAttempt := attempts.LastAttempt + 30*(attempts.Failed*attempts.Failed)
		if now.Unix() < nextAttempt {
			return nextAttempt - now.Unix()
		}
	}

	attempts.Failed++
	attempts.LastAttempt = now.Unix()
	return 0
}

func (as *AuthService) resetAttempts(username string) {
	tx := as.attempts.Lock()
	defer tx.Unlock()
	_ = tx.Del(username)
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// GetUserID resolves a live token to its user.
func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", models.ErrNotFound
	}
	return as.liveTokens.Get(token)
}
