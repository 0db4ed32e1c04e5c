package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/folio/internal/intent"
)

// --- Spy source ---

type spySource struct {
	mu    sync.Mutex
	docs  map[intent.Topic]string
	reads map[intent.Topic]int
	delay time.Duration
	err   error
}

func newSpySource(docs map[intent.Topic]string) *spySource {
	return &spySource{docs: docs, reads: make(map[intent.Topic]int)}
}

func (s *spySource) Read(ctx context.Context, t intent.Topic) (string, error) {
	s.mu.Lock()
	s.reads[t]++
	delay, err := s.delay, s.err
	doc, ok := s.docs[t]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return doc, nil
}

func (s *spySource) count(t intent.Topic) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[t]
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func corpus() map[intent.Topic]string {
	return map[intent.Topic]string{
		intent.Skills:     "Go, SQL, Kafka",
		intent.Experience: "Staff engineer at Example Corp",
		intent.General:    "Based in Lisbon",
	}
}

// --- Tests ---

func TestLoadSkillsAppendsGeneralOnce(t *testing.T) {
	s := NewStore(newSpySource(corpus()))

	got := s.Load(context.Background(), []intent.Topic{intent.Skills})

	if n := strings.Count(got, "=== SKILLS ==="); n != 1 {
		t.Errorf("skills marker count = %d, want 1", n)
	}
	if n := strings.Count(got, "=== GENERAL ==="); n != 1 {
		t.Errorf("general marker count = %d, want 1", n)
	}
	want := "=== SKILLS ===\nGo, SQL, Kafka\n\n=== GENERAL ===\nBased in Lisbon"
	if got != want {
		t.Errorf("Load = %q, want %q", got, want)
	}
}

func TestLoadGeneralNotDuplicated(t *testing.T) {
	s := NewStore(newSpySource(corpus()))

	got := s.Load(context.Background(), []intent.Topic{intent.General, intent.Skills})
	if n := strings.Count(got, "=== GENERAL ==="); n != 1 {
		t.Errorf("general marker count = %d, want 1", n)
	}
	if !strings.HasPrefix(got, "=== GENERAL ===") {
		t.Errorf("topic order not preserved: %q", got)
	}
}

func TestLoadIdempotentWithinTTL(t *testing.T) {
	src := newSpySource(corpus())
	clk := &mockClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(src, WithClock(clk), WithTTL(15*time.Minute))
	topics := []intent.Topic{intent.Skills, intent.Experience}

	first := s.Load(context.Background(), topics)
	clk.Advance(14 * time.Minute)
	second := s.Load(context.Background(), topics)

	if first != second {
		t.Errorf("second load differs:\n%q\n%q", first, second)
	}
	for _, tp := range []intent.Topic{intent.Skills, intent.Experience, intent.General} {
		if n := src.count(tp); n != 1 {
			t.Errorf("reads[%s] = %d, want 1", tp, n)
		}
	}
}

func TestLoadReloadsAfterTTL(t *testing.T) {
	src := newSpySource(corpus())
	clk := &mockClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(src, WithClock(clk), WithTTL(15*time.Minute))

	s.Load(context.Background(), []intent.Topic{intent.Skills})
	clk.Advance(15 * time.Minute)
	s.Load(context.Background(), []intent.Topic{intent.Skills})

	if n := src.count(intent.Skills); n != 2 {
		t.Errorf("reads[skills] = %d, want 2 after expiry", n)
	}
}

func TestLoadSkipsMissingDocument(t *testing.T) {
	s := NewStore(newSpySource(corpus()))

	got := s.Load(context.Background(), []intent.Topic{intent.Education})
	if strings.Contains(got, "EDUCATION") {
		t.Errorf("missing document rendered: %q", got)
	}
	if got != "=== GENERAL ===\nBased in Lisbon" {
		t.Errorf("Load = %q", got)
	}
}

func TestLoadSourceErrorIsNotFatal(t *testing.T) {
	src := newSpySource(corpus())
	src.err = errors.New("disk on fire")
	s := NewStore(src)

	if got := s.Load(context.Background(), []intent.Topic{intent.Skills}); got != "" {
		t.Errorf("Load = %q, want empty", got)
	}
}

func TestLoadTimeout(t *testing.T) {
	src := newSpySource(corpus())
	src.delay = time.Second
	s := NewStore(src, WithTimeout(20*time.Millisecond))

	start := time.Now()
	got := s.Load(context.Background(), []intent.Topic{intent.Skills})
	if got != "" {
		t.Errorf("Load = %q, want empty on timeout", got)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Load blocked for %v", time.Since(start))
	}
}

func TestLoadSkipsConversationalTopics(t *testing.T) {
	src := newSpySource(corpus())
	s := NewStore(src)

	s.Load(context.Background(), []intent.Topic{intent.Greeting, intent.Smalltalk})
	if src.count(intent.Greeting) != 0 || src.count(intent.Smalltalk) != 0 {
		t.Error("conversational topics should not hit the source")
	}
}

func TestConcurrentMissesShareOneRead(t *testing.T) {
	src := newSpySource(corpus())
	src.delay = 50 * time.Millisecond
	s := NewStore(src)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Load(context.Background(), []intent.Topic{intent.Skills})
		}()
	}
	wg.Wait()

	if n := src.count(intent.Skills); n != 1 {
		t.Errorf("reads[skills] = %d, want 1", n)
	}
}

func TestStats(t *testing.T) {
	clk := &mockClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewStore(newSpySource(corpus()), WithClock(clk), WithTTL(time.Minute))

	s.Load(context.Background(), []intent.Topic{intent.Skills})
	st := s.Stats()
	if st.Cached != 2 || st.Expired != 0 {
		t.Errorf("Stats = %+v, want 2 cached", st)
	}

	clk.Advance(2 * time.Minute)
	st = s.Stats()
	if st.Cached != 0 || st.Expired != 2 {
		t.Errorf("Stats after expiry = %+v, want 2 expired", st)
	}

	s.Purge()
	if st := s.Stats(); st.Cached+st.Expired != 0 {
		t.Errorf("Stats after purge = %+v", st)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "skills.txt"), []byte("  Go and SQL\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "general.md"), []byte("# About\nHello"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := DirSource{Dir: dir}

	got, err := src.Read(context.Background(), intent.Skills)
	if err != nil {
		t.Fatalf("Read(skills): %v", err)
	}
	if got != "Go and SQL" {
		t.Errorf("Read(skills) = %q, want trimmed text", got)
	}

	got, err = src.Read(context.Background(), intent.General)
	if err != nil {
		t.Fatalf("Read(general): %v", err)
	}
	if got != "# About\nHello" {
		t.Errorf("Read(general) = %q", got)
	}

	if _, err := src.Read(context.Background(), intent.Projects); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read(projects) err = %v, want ErrNotFound", err)
	}
}
