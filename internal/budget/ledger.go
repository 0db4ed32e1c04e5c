package budget

import (
	"context"
	"time"
)

// Totals are the counters of one UTC day.
type Totals struct {
	Requests    int64 `json:"requests"`
	CostMicros  int64 `json:"cost_micros"`
	Tokens      int64 `json:"tokens"`
	CacheReads  int64 `json:"cache_reads"`
	CacheWrites int64 `json:"cache_writes"`
}

// Window is a sliding request-count window.
type Window struct {
	Key   string
	Size  time.Duration
	Limit int
}

// Ledger holds budget state. Every method must be atomic with respect to
// concurrent callers, including callers in other processes when the ledger
// is shared.
type Ledger interface {
	// Day returns the counters for day (YYYY-MM-DD, UTC).
	Day(ctx context.Context, day string) (Totals, error)

	// Add increments the day's counters and returns the new totals.
	Add(ctx context.Context, day string, inc Totals) (Totals, error)

	// Disabled reports whether the breaker is tripped for day.
	Disabled(ctx context.Context, day string) (bool, error)

	// Disable trips the breaker for day. It clears after ttl or when the
	// day changes, whichever comes first.
	Disable(ctx context.Context, day string, ttl time.Duration) error

	// Reserve checks every window in order and, when all have room, records
	// one hit in each. It returns the index of the first full window, or -1
	// when the hit was recorded.
	Reserve(ctx context.Context, now time.Time, windows []Window) (int, error)

	Ping(ctx context.Context) error
}

// DayKey formats t as the ledger's day partition.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
