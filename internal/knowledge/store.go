package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/folio/internal/intent"
)

const (
	defaultTTL     = 15 * time.Minute
	defaultTimeout = 2 * time.Second
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry struct {
	text     string
	loadedAt time.Time
}

// Store resolves topic sets into prompt context, caching each document for
// a fixed TTL. Expiry is checked lazily on access.
type Store struct {
	source  Source
	clock   Clock
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[intent.Topic]entry

	group singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock (for testing).
func WithClock(c Clock) Option { return func(s *Store) { s.clock = c } }

// WithTTL sets how long a loaded document is served from cache.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithTimeout bounds a single source read.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewStore(src Source, opts ...Option) *Store {
	s := &Store{
		source:  src,
		clock:   realClock{},
		ttl:     defaultTTL,
		timeout: defaultTimeout,
		logger:  slog.Default(),
		entries: make(map[intent.Topic]entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load returns the context text for the given topics. Each document-backed
// topic contributes one delimited section, in the given order, and the
// general document is appended once when not already included. Missing or
// unreadable documents are skipped.
func (s *Store) Load(ctx context.Context, topics []intent.Topic) string {
	var sections []string
	seen := make(map[intent.Topic]bool, len(topics)+1)

	add := func(t intent.Topic) {
		if seen[t] || !t.HasDocument() {
			return
		}
		seen[t] = true
		text, err := s.document(ctx, t)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.logger.Warn("context document missing", "topic", t)
			} else {
				s.logger.Error("context document load failed", "topic", t, "error", err)
			}
			return
		}
		if text == "" {
			return
		}
		sections = append(sections, Section(t, text))
	}

	for _, t := range topics {
		add(t)
	}
	add(intent.General)
	return strings.Join(sections, "\n\n")
}

// Section renders one delimited context block. The header is derived only
// from the topic name so identical topic sets produce identical prompts.
func Section(t intent.Topic, text string) string {
	header := strings.ToUpper(strings.ReplaceAll(string(t), "_", " "))
	return fmt.Sprintf("=== %s ===\n%s", header, text)
}

func (s *Store) document(ctx context.Context, t intent.Topic) (string, error) {
	// Fast path: read lock for cache hit.
	s.mu.RLock()
	e, ok := s.entries[t]
	s.mu.RUnlock()
	if ok && s.fresh(e) {
		return e.text, nil
	}

	// Concurrent misses for one topic share a single source read.
	v, err, _ := s.group.Do(string(t), func() (any, error) {
		s.mu.RLock()
		e, ok := s.entries[t]
		s.mu.RUnlock()
		if ok && s.fresh(e) {
			return e.text, nil
		}

		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		text, err := s.source.Read(rctx, t)
		if err != nil {
			return "", err
		}

		s.mu.Lock()
		s.entries[t] = entry{text: text, loadedAt: s.clock.Now()}
		s.mu.Unlock()
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) fresh(e entry) bool {
	return s.clock.Now().Before(e.loadedAt.Add(s.ttl))
}

// Stats describes the cache contents.
type Stats struct {
	Cached  int      `json:"cached"`
	Expired int      `json:"expired"`
	Topics  []string `json:"topics"`
	TTL     string   `json:"ttl"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{TTL: s.ttl.String()}
	for _, t := range intent.All() {
		e, ok := s.entries[t]
		if !ok {
			continue
		}
		if s.fresh(e) {
			st.Cached++
			st.Topics = append(st.Topics, string(t))
		} else {
			st.Expired++
		}
	}
	return st
}

// Purge drops every cached document.
func (s *Store) Purge() {
	s.mu.Lock()
	s.entries = make(map[intent.Topic]entry)
	s.mu.Unlock()
}
