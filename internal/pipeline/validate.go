package pipeline

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/folio/internal/history"
)

// MaxMessageLength is the longest accepted message, in characters.
const MaxMessageLength = 1000

// ValidationError rejects a request before any downstream call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// escaper escapes markup but leaves quotes alone.
var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Suspicious input is logged, never rejected.
var suspicious = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
	regexp.MustCompile(`(?i)\b(union|select|insert|update|delete|drop|create|alter|exec|execute)\s`),
}

// Escape applies the same markup escaping chat messages receive.
func Escape(s string) string { return escaper.Replace(s) }

// sanitize trims and escapes message. The raw trimmed text is returned too
// since classification runs on what the visitor typed.
func sanitize(message string, logger *slog.Logger) (raw, escaped string, err error) {
	raw = strings.TrimSpace(message)
	if raw == "" {
		return "", "", &ValidationError{Field: "message", Message: "message cannot be empty"}
	}
	if utf8.RuneCountInString(raw) > MaxMessageLength {
		return "", "", &ValidationError{Field: "message", Message: "message is too long (max 1000 characters)"}
	}
	for _, re := range suspicious {
		if re.MatchString(raw) {
			logger.Warn("suspicious pattern in message", "pattern", re.String())
		}
	}
	return raw, escaper.Replace(raw), nil
}

// sessionID returns id in canonical lowercase form, or a fresh one when id
// is empty.
func sessionID(id string) (string, bool, error) {
	if strings.TrimSpace(id) == "" {
		return history.NewSessionID(), true, nil
	}
	id, ok := history.NormalizeSessionID(id)
	if !ok {
		return "", false, errInvalidSessionID
	}
	return id, false, nil
}

var errInvalidSessionID = &ValidationError{Field: "session_id", Message: "invalid session id format"}
