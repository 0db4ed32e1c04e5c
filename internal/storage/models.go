package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidFeedback is returned for a rating outside 0..5 or an overlong
// comment.
var ErrInvalidFeedback = errors.New("invalid feedback")

const maxFeedbackComment = 500

// Recorder is the durable analytics store. Writes are best-effort from the
// caller's point of view; implementations just report errors.
type Recorder interface {
	UpsertSession(ctx context.Context, s SessionRecord) error
	SaveMessages(ctx context.Context, msgs []MessageRecord) error
	AddDailyCost(ctx context.Context, inc DailyCostRecord) error
	SaveFeedback(ctx context.Context, f Feedback) (int64, error)
	RecentDailyCosts(ctx context.Context, days int) ([]DailyCostRecord, error)
	Close() error
}

type SessionRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

type MessageRecord struct {
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Topics     []string  `json:"topics"`
	TokensUsed int64     `json:"tokens_used"`
	CostMicros int64     `json:"cost_micros"`
	CreatedAt  time.Time `json:"created_at"`
}

// DailyCostRecord is either an increment to add or a stored day total.
type DailyCostRecord struct {
	Date        string `json:"date"`
	Requests    int64  `json:"total_requests"`
	Tokens      int64  `json:"total_tokens"`
	CostMicros  int64  `json:"total_cost_micros"`
	CacheReads  int64  `json:"cache_reads"`
	CacheWrites int64  `json:"cache_writes"`
}

func (d DailyCostRecord) CostUSD() float64 { return float64(d.CostMicros) / 1e6 }

type Feedback struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"session_id"`
	MessageID *int64    `json:"message_id,omitempty"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (f Feedback) Validate() error {
	if f.Rating < 0 || f.Rating > 5 {
		return fmt.Errorf("%w: rating must be between 0 and 5", ErrInvalidFeedback)
	}
	if len([]rune(f.Comment)) > maxFeedbackComment {
		return fmt.Errorf("%w: comment exceeds %d characters", ErrInvalidFeedback, maxFeedbackComment)
	}
	if f.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidFeedback)
	}
	return nil
}
