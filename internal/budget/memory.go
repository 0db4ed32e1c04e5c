package budget

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type trip struct {
	day     string
	expires time.Time
}

// MemoryLedger is a process-local Ledger guarded by a single mutex.
type MemoryLedger struct {
	clock Clock

	mu       sync.Mutex
	days     map[string]Totals
	tripped  *trip
	windows  map[string][]time.Time
	sweptDay string
}

func NewMemoryLedger(clock Clock) *MemoryLedger {
	if clock == nil {
		clock = realClock{}
	}
	return &MemoryLedger{
		clock:   clock,
		days:    make(map[string]Totals),
		windows: make(map[string][]time.Time),
	}
}

func (m *MemoryLedger) Day(_ context.Context, day string) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.days[day], nil
}

func (m *MemoryLedger) Add(_ context.Context, day string, inc Totals) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for d := range m.days {
		if d < day {
			delete(m.days, d)
		}
	}
	t := m.days[day]
	t.Requests += inc.Requests
	t.CostMicros += inc.CostMicros
	t.Tokens += inc.Tokens
	t.CacheReads += inc.CacheReads
	t.CacheWrites += inc.CacheWrites
	m.days[day] = t
	return t, nil
}

// raise lifts the day's counters to at least t.
func (m *MemoryLedger) raise(day string, t Totals) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.days[day] = maxTotals(m.days[day], t)
}

func maxTotals(a, b Totals) Totals {
	return Totals{
		Requests:    max(a.Requests, b.Requests),
		CostMicros:  max(a.CostMicros, b.CostMicros),
		Tokens:      max(a.Tokens, b.Tokens),
		CacheReads:  max(a.CacheReads, b.CacheReads),
		CacheWrites: max(a.CacheWrites, b.CacheWrites),
	}
}

func (m *MemoryLedger) Disabled(_ context.Context, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tripped == nil {
		return false, nil
	}
	if m.tripped.day != day || !m.clock.Now().Before(m.tripped.expires) {
		m.tripped = nil
		return false, nil
	}
	return true, nil
}

func (m *MemoryLedger) Disable(_ context.Context, day string, ttl time.Duration) error {
	m.mu.Lock()
	m.tripped = &trip{day: day, expires: m.clock.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) Reserve(_ context.Context, now time.Time, windows []Window) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(now)
	for i, w := range windows {
		hits := prune(m.windows[w.Key], now.Add(-w.Size))
		m.windows[w.Key] = hits
		if len(hits) >= w.Limit {
			return i, nil
		}
	}
	for _, w := range windows {
		m.windows[w.Key] = append(m.windows[w.Key], now)
	}
	return -1, nil
}

func (m *MemoryLedger) Ping(context.Context) error { return nil }

// sweep drops windows with no hit in the retention period, once per day.
// Daily and per-address keys would otherwise accumulate forever.
func (m *MemoryLedger) sweep(now time.Time) {
	day := DayKey(now)
	if day == m.sweptDay {
		return
	}
	m.sweptDay = day
	cutoff := now.Add(-dayRetention)
	for k, hits := range m.windows {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(m.windows, k)
		}
	}
}

// prune drops hits at or before cutoff. hits are in ascending order.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	if i == len(hits) {
		return nil
	}
	return append([]time.Time(nil), hits[i:]...)
}
