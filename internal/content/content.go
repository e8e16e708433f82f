package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

// MaxMessageLength is the longest message body accepted, in runes.
const MaxMessageLength = 4000

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message is too long")

	policy        = bluemonday.UGCPolicy()
	markdown      = goldmark.New()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string.
// It is applied to display names and room fields before they are stored.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts a markdown message body to sanitized HTML.
// On a rendering failure the sanitized source is returned instead.
func Render(input string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return Sanitize(input)
	}
	return strings.TrimSpace(policy.Sanitize(buf.String()))
}

// PrepareMessage trims a message body and checks its length. The body is
// stored as typed; only Render output is safe to embed as HTML. A body
// that sanitizes to nothing is rejected as empty.
func PrepareMessage(input string) (string, error) {
	msg := strings.TrimSpace(input)
	if strings.TrimSpace(Sanitize(msg)) == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(msg) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return msg, nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
