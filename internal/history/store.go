package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultLimit         = 10
	defaultTTL           = 24 * time.Hour
	defaultOpTimeout     = time.Second
	defaultProbeInterval = 5 * time.Second
)

// Store is the conversation history store. It writes to a primary backend
// when one is configured and healthy, and to an in-process fallback
// otherwise. Backend failures are never returned to callers.
type Store struct {
	primary       Backend
	prober        Prober
	fallback      *MemoryBackend
	clock         Clock
	limit         int
	ttl           time.Duration
	opTimeout     time.Duration
	probeInterval time.Duration
	logger        *slog.Logger

	degraded atomic.Bool

	probeMu   sync.Mutex
	lastProbe time.Time

	locks keyedMutex
}

type Option func(*Store)

// WithPrimary sets the preferred backend and the probe used to detect that
// it is reachable again after an outage.
func WithPrimary(b Backend, p Prober) Option {
	return func(s *Store) { s.primary, s.prober = b, p }
}

func WithLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithOpTimeout bounds every primary backend call.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithProbeInterval sets the minimum gap between health probes while the
// primary is down.
func WithProbeInterval(d time.Duration) Option {
	return func(s *Store) { s.probeInterval = d }
}

func WithClock(c Clock) Option { return func(s *Store) { s.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:         realClock{},
		limit:         defaultLimit,
		ttl:           defaultTTL,
		opTimeout:     defaultOpTimeout,
		probeInterval: defaultProbeInterval,
		logger:        slog.Default(),
		locks:         keyedMutex{locks: make(map[string]*refLock)},
	}
	for _, o := range opts {
		o(s)
	}
	s.fallback = NewMemoryBackend(s.clock)
	return s
}

// Start probes the primary once so a store that boots during an outage
// starts in degraded mode instead of paying a failed call first.
func (s *Store) Start(ctx context.Context) {
	if s.primary == nil || s.prober == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.prober.Ping(pctx); err != nil {
		s.markDegraded(err)
	}
}

// Append validates the session id and appends the turn, trimming the
// session to the configured length and refreshing its TTL.
func (s *Store) Append(ctx context.Context, sessionID string, t Turn) error {
	sessionID, ok := NormalizeSessionID(sessionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = s.clock.Now().UTC()
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if b := s.active(ctx); b != nil {
		bctx, cancel := context.WithTimeout(ctx, s.opTimeout)
		err := b.Append(bctx, sessionID, t, s.limit, s.ttl)
		cancel()
		if err == nil {
			return nil
		}
		s.markDegraded(err)
	}
	return s.fallback.Append(ctx, sessionID, t, s.limit, s.ttl)
}

// Read returns the session's turns oldest first. Unknown, expired and
// invalid sessions read as empty.
func (s *Store) Read(ctx context.Context, sessionID string) []Turn {
	sessionID, ok := NormalizeSessionID(sessionID)
	if !ok {
		return nil
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if b := s.active(ctx); b != nil {
		bctx, cancel := context.WithTimeout(ctx, s.opTimeout)
		turns, err := b.Read(bctx, sessionID)
		cancel()
		if err == nil {
			return turns
		}
		s.markDegraded(err)
	}
	turns, _ := s.fallback.Read(ctx, sessionID)
	return turns
}

// Clear deletes the session from both backends. It is idempotent.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	sessionID, ok := NormalizeSessionID(sessionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if b := s.active(ctx); b != nil {
		bctx, cancel := context.WithTimeout(ctx, s.opTimeout)
		if err := b.Clear(bctx, sessionID); err != nil {
			s.markDegraded(err)
		}
		cancel()
	}
	return s.fallback.Clear(ctx, sessionID)
}

// Summary describes the session's current contents.
func (s *Store) Summary(ctx context.Context, sessionID string) Summary {
	return Summarize(sessionID, s.Read(ctx, sessionID))
}

func (s *Store) Stats(ctx context.Context) Stats {
	st := Stats{
		Backend:       s.fallback.Name(),
		Degraded:      s.degraded.Load(),
		HistoryLength: s.limit,
		SessionTTL:    s.ttl.String(),
	}
	b := s.active(ctx)
	if b == nil {
		n, _ := s.fallback.Count(ctx)
		st.ActiveSessions = n
		return st
	}
	st.Backend = b.Name()
	bctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	n, err := b.Count(bctx)
	if err != nil {
		s.markDegraded(err)
		st.Backend = s.fallback.Name()
		st.Degraded = true
		n, _ = s.fallback.Count(ctx)
	}
	st.ActiveSessions = n
	return st
}

// Degraded reports whether the store is serving from the fallback.
func (s *Store) Degraded() bool {
	return s.primary != nil && s.degraded.Load()
}

// active returns the primary backend when it should be used, or nil when
// the fallback must serve the call.
func (s *Store) active(ctx context.Context) Backend {
	if s.primary == nil {
		return nil
	}
	if !s.degraded.Load() {
		return s.primary
	}
	if s.prober == nil || !s.probeDue() {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.prober.Ping(pctx); err != nil {
		return nil
	}
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("history store recovered, using primary backend", "backend", s.primary.Name())
	}
	return s.primary
}

func (s *Store) probeDue() bool {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()
	now := s.clock.Now()
	if !s.lastProbe.IsZero() && now.Sub(s.lastProbe) < s.probeInterval {
		return false
	}
	s.lastProbe = now
	return true
}

// markDegraded switches to the fallback, logging only on the transition.
func (s *Store) markDegraded(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.probeMu.Lock()
		s.lastProbe = s.clock.Now()
		s.probeMu.Unlock()
		s.logger.Warn("history store primary unavailable, falling back to memory",
			"backend", s.primary.Name(), "error", err)
	}
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
