package content

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "<p>Hello World</p>"},
		{"Emphasis", "Hello **World**", "<p>Hello <strong>World</strong></p>"},
		{"Inline code", "run `ls`", "<p>run <code>ls</code></p>"},
		{"Raw script dropped", "<script>alert(1)</script>", ""},
		{"Comparison escaped once", "2 < 3", "<p>2 &lt; 3</p>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.input); got != tt.expected {
				t.Errorf("Render() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestPrepareMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"Trimmed", "  hi  ", "hi", nil},
		{"Only whitespace", "   ", "", ErrEmptyMessage},
		{"Only script", "<script>x</script>", "", ErrEmptyMessage},
		{"Too long", strings.Repeat("a", MaxMessageLength+1), "", ErrMessageTooLong},
		{"At limit", strings.Repeat("a", MaxMessageLength), strings.Repeat("a", MaxMessageLength), nil},
		{"Kept as typed", " 2 < 3 & 4 > 1 ", "2 < 3 & 4 > 1", nil},
		{"Markup kept for rendering", "<b>hi</b> <script>x</script>", "<b>hi</b> <script>x</script>", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PrepareMessage(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("PrepareMessage() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("PrepareMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid alphanumeric", "user123", false},
		{"Valid with dot", "user.name", false},
		{"Valid with dash", "user-name", false},
		{"Valid with underscore", "user_name", false},
		{"Invalid space", "user name", true},
		{"Invalid special char", "user@name", true},
		{"Invalid script", "<script>", true},
		{"Empty", "", true},
		{"Mixed case", "User.Name-123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateUsername(tt.input); (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
