package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	TokenExpiry time.Duration
	// PresenceSnapshot broadcasts the full online list on every presence edge.
	PresenceSnapshot  bool
	RequireFriendship bool
	SendBuffer        int
}

// Load reads the configuration from the environment. Values from a .env
// file in the working directory are used for variables that are not set.
func Load(cliMode bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env file: %v", err)
	}

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}
	presenceSnapshot, err := strconv.ParseBool(getEnv("PRESENCE_SNAPSHOT", "true"))
	if err != nil {
		return nil, fmt.Errorf("PRESENCE_SNAPSHOT: %w", err)
	}
	requireFriendship, err := strconv.ParseBool(getEnv("REQUIRE_FRIENDSHIP", "false"))
	if err != nil {
		return nil, fmt.Errorf("REQUIRE_FRIENDSHIP: %w", err)
	}
	sendBuffer, err := strconv.Atoi(getEnv("SEND_BUFFER", "256"))
	if err != nil {
		return nil, fmt.Errorf("SEND_BUFFER: %w", err)
	}

	cfg := &Config{
		DBFile:            getEnv("MESSMINI_DB", "messmini.db"),
		AdminAddr:         getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:           getEnv("API_ADDR", ":8080"),
		BaseURL:           getEnv("BASE_URL", "http://localhost:8080"),
		TokenExpiry:       tokenExpiry,
		PresenceSnapshot:  presenceSnapshot,
		RequireFriendship: requireFriendship,
		SendBuffer:        sendBuffer,
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AdminAddr == "" {
		return fmt.Errorf("ADMIN_ADDR is required")
	}
	if cliMode {
		return nil
	}

	if c.DBFile == "" {
		return fmt.Errorf("MESSMINI_DB is required")
	}
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
