package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrInvalidSessionID is returned for identifiers that are not canonical
// lowercase UUIDv4 strings.
var ErrInvalidSessionID = errors.New("invalid session id")

// Turn is one message of a conversation. Turns are immutable once appended.
type Turn struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Metadata  *TurnMetadata `json:"metadata,omitempty"`
}

type TurnMetadata struct {
	Topics     []string `json:"topics,omitempty"`
	TokenCount int      `json:"token_count,omitempty"`
	CostUSD    float64  `json:"cost_usd,omitempty"`
}

// Backend is a concrete history strategy. Implementations trim to limit and
// refresh ttl on every append.
type Backend interface {
	Name() string
	Append(ctx context.Context, sessionID string, t Turn, limit int, ttl time.Duration) error
	Read(ctx context.Context, sessionID string) ([]Turn, error)
	Clear(ctx context.Context, sessionID string) error
	Count(ctx context.Context) (int, error)
}

// Prober reports whether a backend is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// NewSessionID mints a fresh session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// ValidSessionID reports whether id is a UUIDv4 in the hyphenated 36-char
// form. Hex digits match in either case.
func ValidSessionID(id string) bool {
	if len(id) != 36 {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4 && u.Variant() == uuid.RFC4122
}

// NormalizeSessionID trims and lowercases id, the form every backend keys
// on, and reports whether it is valid.
func NormalizeSessionID(id string) (string, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	return id, ValidSessionID(id)
}

// Summary condenses a session for display.
type Summary struct {
	SessionID         string    `json:"session_id"`
	TotalMessages     int       `json:"total_messages"`
	UserMessages      int       `json:"user_messages"`
	AssistantMessages int       `json:"assistant_messages"`
	Topics            []string  `json:"topics"`
	TotalTokens       int       `json:"total_tokens"`
	TotalCostUSD      float64   `json:"total_cost_usd"`
	FirstMessageAt    time.Time `json:"first_message_at,omitempty"`
	LastMessageAt     time.Time `json:"last_message_at,omitempty"`
}

// Summarize condenses turns already read for session id.
func Summarize(id string, turns []Turn) Summary {
	s := Summary{SessionID: id, TotalMessages: len(turns), Topics: []string{}}
	seen := make(map[string]bool)
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			s.UserMessages++
		case RoleAssistant:
			s.AssistantMessages++
		}
		if t.Metadata != nil {
			s.TotalTokens += t.Metadata.TokenCount
			s.TotalCostUSD += t.Metadata.CostUSD
			for _, tp := range t.Metadata.Topics {
				if !seen[tp] {
					seen[tp] = true
					s.Topics = append(s.Topics, tp)
				}
			}
		}
	}
	if len(turns) > 0 {
		s.FirstMessageAt = turns[0].Timestamp
		s.LastMessageAt = turns[len(turns)-1].Timestamp
	}
	return s
}

// Stats describes the active backend.
type Stats struct {
	Backend        string `json:"backend"`
	Degraded       bool   `json:"degraded"`
	ActiveSessions int    `json:"active_sessions"`
	HistoryLength  int    `json:"history_length"`
	SessionTTL     string `json:"session_ttl"`
}
