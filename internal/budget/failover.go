package budget

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultOpTimeout = time.Second

// FailoverLedger serves from a shared primary ledger and falls back to a
// process-local one while the primary is unreachable. The fallback is seeded
// with the last totals the primary reported, so an outage never resets the
// day's spend. Counters kept during an outage are not merged back.
type FailoverLedger struct {
	primary       Ledger
	fallback      *MemoryLedger
	clock         Clock
	probeInterval time.Duration
	opTimeout     time.Duration
	logger        *slog.Logger

	degraded  atomic.Bool
	probeMu   sync.Mutex
	lastProbe time.Time

	seenMu  sync.Mutex
	seenDay string
	seen    Totals
}

func NewFailoverLedger(primary Ledger, clock Clock, probeInterval time.Duration) *FailoverLedger {
	if clock == nil {
		clock = realClock{}
	}
	return &FailoverLedger{
		primary:       primary,
		fallback:      NewMemoryLedger(clock),
		clock:         clock,
		probeInterval: probeInterval,
		opTimeout:     defaultOpTimeout,
		logger:        slog.Default(),
	}
}

func (f *FailoverLedger) Day(ctx context.Context, day string) (Totals, error) {
	if l := f.active(ctx); l != nil {
		opCtx, cancel := context.WithTimeout(ctx, f.opTimeout)
		t, err := l.Day(opCtx, day)
		cancel()
		if err == nil {
			f.remember(day, t)
			return t, nil
		}
		f.markDegraded(err)
	}
	return f.fallback.Day(ctx, day)
}

func (f *FailoverLedger) Add(ctx context.Context, day string, inc Totals) (Totals, error) {
	if l := f.active(ctx); l != nil {
		opCtx, cancel := context.WithTimeout(ctx, f.opTimeout)
		t, err := l.Add(opCtx, day, inc)
		cancel()
		if err == nil {
			f.remember(day, t)
			return t, nil
		}
		f.markDegraded(err)
	}
	return f.fallback.Add(ctx, day, inc)
}

func (f *FailoverLedger) Disabled(ctx context.Context, day string) (bool, error) {
	if l := f.active(ctx); l != nil {
		opCtx, cancel := context.WithTimeout(ctx, f.opTimeout)
		d, err := l.Disabled(opCtx, day)
		cancel()
		if err == nil {
			return d, nil
		}
		f.markDegraded(err)
	}
	return f.fallback.Disabled(ctx, day)
}

// Disable trips both ledgers so the trip survives a switch in either
// direction.
func (f *FailoverLedger) Disable(ctx context.Context, day string, ttl time.Duration) error {
	_ = f.fallback.Disable(ctx, day, ttl)
	if l := f.active(ctx); l != nil {
		opCtx, cancel := context.WithTimeout(ctx, f.opTimeout)
		err := l.Disable(opCtx, day, ttl)
		cancel()
		if err != nil {
			f.markDegraded(err)
		}
	}
	return nil
}

func (f *FailoverLedger) Reserve(ctx context.Context, now time.Time, windows []Window) (int, error) {
	if l := f.active(ctx); l != nil {
		opCtx, cancel := context.WithTimeout(ctx, f.opTimeout)
		idx, err := l.Reserve(opCtx, now, windows)
		cancel()
		if err == nil {
			return idx, nil
		}
		f.markDegraded(err)
	}
	return f.fallback.Reserve(ctx, now, windows)
}

func (f *FailoverLedger) Ping(context.Context) error { return nil }

// Degraded reports whether the fallback is serving.
func (f *FailoverLedger) Degraded() bool { return f.degraded.Load() }

func (f *FailoverLedger) active(ctx context.Context) Ledger {
	if !f.degraded.Load() {
		return f.primary
	}
	if !f.probeDue() {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, f.opTimeout)
	defer cancel()
	if err := f.primary.Ping(pingCtx); err != nil {
		return nil
	}
	if f.degraded.CompareAndSwap(true, false) {
		f.logger.Info("budget ledger recovered, using shared store")
	}
	return f.primary
}

func (f *FailoverLedger) probeDue() bool {
	f.probeMu.Lock()
	defer f.probeMu.Unlock()
	now := f.clock.Now()
	if now.Sub(f.lastProbe) < f.probeInterval {
		return false
	}
	f.lastProbe = now
	return true
}

// remember keeps the highest primary totals seen for the current day.
// Counters only grow within a day, so the maximum is the newest.
func (f *FailoverLedger) remember(day string, t Totals) {
	f.seenMu.Lock()
	defer f.seenMu.Unlock()
	switch {
	case day < f.seenDay:
	case day > f.seenDay:
		f.seenDay, f.seen = day, t
	default:
		f.seen = maxTotals(f.seen, t)
	}
}

func (f *FailoverLedger) markDegraded(err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.probeMu.Lock()
		f.lastProbe = f.clock.Now()
		f.probeMu.Unlock()

		f.seenMu.Lock()
		day, t := f.seenDay, f.seen
		f.seenMu.Unlock()
		if day != "" {
			f.fallback.raise(day, t)
		}
		f.logger.Warn("budget ledger unavailable, enforcing limits per process",
			"error", err, "cost_usd", MicrosToUSD(t.CostMicros), "requests", t.Requests)
	}
}
