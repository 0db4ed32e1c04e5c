package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

var (
	ErrBudgetExhausted   = errors.New("daily cost budget reached, please try again tomorrow")
	ErrDailyRequestLimit = errors.New("daily request limit reached, please try again tomorrow")
	ErrSessionLimit      = errors.New("too many messages in this session, please try again later")
	ErrRateLimited       = errors.New("too many requests, please slow down")
)

// Rejection is returned by Admit. It unwraps to one of the Err* sentinels.
type Rejection struct {
	Reason     error
	RetryAfter time.Duration
}

func (r *Rejection) Error() string { return r.Reason.Error() }
func (r *Rejection) Unwrap() error { return r.Reason }

// Limits configures the governor. A non-positive window limit disables
// that window.
type Limits struct {
	DailyCostUSD    float64
	DailyRequests   int
	PerMinute       int
	PerHour         int
	SessionRequests int
	SessionWindow   time.Duration
	Cooldown        time.Duration
	AlertThreshold  float64
}

func (l Limits) costMicros() int64 {
	return int64(math.Round(l.DailyCostUSD * 1e6))
}

// overBudget reports whether spend has reached the daily cost limit. A
// non-positive limit means no cost cap.
func (l Limits) overBudget(costMicros int64) bool {
	limit := l.costMicros()
	return limit > 0 && costMicros >= limit
}

// Request identifies who is asking for admission.
type Request struct {
	SessionID  string
	ClientAddr string
}

// Usage is the cost of one completed request.
type Usage struct {
	CostMicros  int64
	Tokens      int64
	CacheReads  int64
	CacheWrites int64
}

// Governor decides admission and records spend. It holds no budget state
// itself; everything lives in the Ledger.
type Governor struct {
	ledger Ledger
	limits Limits
	clock  Clock
	logger *slog.Logger

	alertMu  sync.Mutex
	alertDay string
}

type Option func(*Governor)

func WithClock(c Clock) Option { return func(g *Governor) { g.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(g *Governor) { g.logger = l } }

func NewGovernor(ledger Ledger, limits Limits, opts ...Option) *Governor {
	if limits.SessionWindow <= 0 {
		limits.SessionWindow = time.Hour
	}
	if limits.Cooldown <= 0 {
		limits.Cooldown = time.Hour
	}
	if limits.AlertThreshold <= 0 || limits.AlertThreshold > 1 {
		limits.AlertThreshold = 0.8
	}
	g := &Governor{
		ledger: ledger,
		limits: limits,
		clock:  realClock{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Admit runs the admission checks in order: breaker, daily request cap,
// session window, then per-address windows. The first failing check wins.
// On admission one slot is taken in every window, including a day-keyed
// window for the daily cap, so concurrent admissions cannot overshoot it.
func (g *Governor) Admit(ctx context.Context, req Request) error {
	now := g.clock.Now()
	day := DayKey(now)

	disabled, err := g.ledger.Disabled(ctx, day)
	if err != nil {
		return fmt.Errorf("checking breaker: %w", err)
	}
	if disabled {
		return &Rejection{Reason: ErrBudgetExhausted, RetryAfter: untilMidnight(now)}
	}

	totals, err := g.ledger.Day(ctx, day)
	if err != nil {
		return fmt.Errorf("reading daily totals: %w", err)
	}
	// A breaker that cooled down while spend is still over the limit is
	// re-armed here, keeping the overspend bound at one request.
	if g.limits.overBudget(totals.CostMicros) {
		g.trip(ctx, day, totals.CostMicros)
		return &Rejection{Reason: ErrBudgetExhausted, RetryAfter: untilMidnight(now)}
	}
	if g.limits.DailyRequests > 0 && totals.Requests >= int64(g.limits.DailyRequests) {
		g.logger.Error("daily request limit reached", "requests", totals.Requests, "limit", g.limits.DailyRequests)
		return &Rejection{Reason: ErrDailyRequestLimit, RetryAfter: untilMidnight(now)}
	}

	windows, reasons := g.windows(day, req)
	idx, err := g.ledger.Reserve(ctx, now, windows)
	if err != nil {
		return fmt.Errorf("reserving rate window: %w", err)
	}
	if idx >= 0 {
		w := windows[idx]
		if reasons[idx] == ErrDailyRequestLimit {
			g.logger.Error("daily request limit reached", "admitted", w.Limit, "limit", g.limits.DailyRequests)
			return &Rejection{Reason: ErrDailyRequestLimit, RetryAfter: untilMidnight(now)}
		}
		g.logger.Warn("request rejected by rate window", "window", w.Key, "limit", w.Limit, "size", w.Size)
		return &Rejection{Reason: reasons[idx], RetryAfter: w.Size}
	}
	return nil
}

// windows lists the windows a request must fit, in check order. The daily
// window counts admissions rather than completed requests; its key changes
// with the day, so a full day's size never drops a hit from today.
func (g *Governor) windows(day string, req Request) ([]Window, []error) {
	var ws []Window
	var rs []error
	add := func(w Window, reason error) {
		if w.Limit > 0 {
			ws = append(ws, w)
			rs = append(rs, reason)
		}
	}
	add(Window{Key: "daily:" + day, Size: 24 * time.Hour, Limit: g.limits.DailyRequests}, ErrDailyRequestLimit)
	if req.SessionID != "" {
		add(Window{Key: "session:" + req.SessionID, Size: g.limits.SessionWindow, Limit: g.limits.SessionRequests}, ErrSessionLimit)
	}
	if req.ClientAddr != "" {
		add(Window{Key: "addr:" + req.ClientAddr + ":1m", Size: time.Minute, Limit: g.limits.PerMinute}, ErrRateLimited)
		add(Window{Key: "addr:" + req.ClientAddr + ":1h", Size: time.Hour, Limit: g.limits.PerHour}, ErrRateLimited)
	}
	return ws, rs
}

// Record adds a completed request's usage to today's counters. When the new
// total reaches the daily limit the breaker trips. The request that caused
// the crossing has already been served and is never rejected afterwards.
func (g *Governor) Record(ctx context.Context, u Usage) (Totals, error) {
	day := DayKey(g.clock.Now())
	totals, err := g.ledger.Add(ctx, day, Totals{
		Requests:    1,
		CostMicros:  u.CostMicros,
		Tokens:      u.Tokens,
		CacheReads:  u.CacheReads,
		CacheWrites: u.CacheWrites,
	})
	if err != nil {
		return Totals{}, fmt.Errorf("recording usage: %w", err)
	}

	limit := g.limits.costMicros()
	if g.limits.overBudget(totals.CostMicros) {
		g.trip(ctx, day, totals.CostMicros)
	} else if limit > 0 && float64(totals.CostMicros) >= float64(limit)*g.limits.AlertThreshold {
		g.alert(day, totals)
	}
	return totals, nil
}

func (g *Governor) trip(ctx context.Context, day string, costMicros int64) {
	if err := g.ledger.Disable(ctx, day, g.limits.Cooldown); err != nil {
		g.logger.Error("failed to trip budget breaker", "error", err)
		return
	}
	g.logger.Error("daily cost limit reached, chat disabled",
		"cost_usd", MicrosToUSD(costMicros), "limit_usd", g.limits.DailyCostUSD, "cooldown", g.limits.Cooldown)
}

func (g *Governor) alert(day string, t Totals) {
	g.alertMu.Lock()
	defer g.alertMu.Unlock()
	if g.alertDay == day {
		return
	}
	g.alertDay = day
	g.logger.Warn("approaching daily cost limit",
		"cost_usd", MicrosToUSD(t.CostMicros), "limit_usd", g.limits.DailyCostUSD, "requests", t.Requests)
}

// StatusLimits echoes the configured limits.
type StatusLimits struct {
	DailyCostUSD    float64 `json:"daily_cost_limit_usd"`
	DailyRequests   int     `json:"daily_request_limit"`
	PerMinute       int     `json:"per_minute_limit"`
	PerHour         int     `json:"per_hour_limit"`
	SessionRequests int     `json:"session_limit"`
}

type Status struct {
	Date                      string       `json:"date"`
	TodayCostUSD              float64      `json:"today_cost_usd"`
	TodayRequests             int64        `json:"today_requests"`
	TodayTokens               int64        `json:"today_tokens"`
	CacheReads                int64        `json:"cache_reads"`
	CacheWrites               int64        `json:"cache_writes"`
	Limits                    StatusLimits `json:"limits"`
	CostRemainingUSD          float64      `json:"cost_remaining_usd"`
	RequestsRemaining         int64        `json:"requests_remaining"`
	CostUtilizationPercent    float64      `json:"cost_utilization_percent"`
	RequestUtilizationPercent float64      `json:"request_utilization_percent"`
	UtilizationPercent        float64      `json:"utilization_percent"`
	Disabled                  bool         `json:"disabled"`
	BudgetExceeded            bool         `json:"budget_exceeded"`
}

// Status reports today's spend against the limits.
func (g *Governor) Status(ctx context.Context) (Status, error) {
	day := DayKey(g.clock.Now())
	t, err := g.ledger.Day(ctx, day)
	if err != nil {
		return Status{}, fmt.Errorf("reading daily totals: %w", err)
	}
	disabled, err := g.ledger.Disabled(ctx, day)
	if err != nil {
		return Status{}, fmt.Errorf("checking breaker: %w", err)
	}

	limit := g.limits.costMicros()
	st := Status{
		Date:          day,
		TodayCostUSD:  MicrosToUSD(t.CostMicros),
		TodayRequests: t.Requests,
		TodayTokens:   t.Tokens,
		CacheReads:    t.CacheReads,
		CacheWrites:   t.CacheWrites,
		Limits: StatusLimits{
			DailyCostUSD:    g.limits.DailyCostUSD,
			DailyRequests:   g.limits.DailyRequests,
			PerMinute:       g.limits.PerMinute,
			PerHour:         g.limits.PerHour,
			SessionRequests: g.limits.SessionRequests,
		},
		CostRemainingUSD: MicrosToUSD(max(0, limit-t.CostMicros)),
		Disabled:         disabled,
	}
	if limit > 0 {
		st.CostUtilizationPercent = percent(t.CostMicros, limit)
	}
	if g.limits.DailyRequests > 0 {
		st.RequestsRemaining = max(0, int64(g.limits.DailyRequests)-t.Requests)
		st.RequestUtilizationPercent = percent(t.Requests, int64(g.limits.DailyRequests))
	}
	st.UtilizationPercent = math.Max(st.CostUtilizationPercent, st.RequestUtilizationPercent)
	st.BudgetExceeded = disabled || g.limits.overBudget(t.CostMicros) ||
		(g.limits.DailyRequests > 0 && t.Requests >= int64(g.limits.DailyRequests))
	return st, nil
}

// MicrosToUSD converts integer micro-dollars to a display figure.
func MicrosToUSD(m int64) float64 {
	return float64(m) / 1e6
}

func percent(n, of int64) float64 {
	return math.Round(float64(n)/float64(of)*10000) / 100
}

func untilMidnight(now time.Time) time.Duration {
	u := now.UTC()
	next := time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(u)
}
