package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
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

// --- Flaky backend ---

var errDown = errors.New("connection refused")

// flakyBackend delegates to a MemoryBackend unless down is set.
type flakyBackend struct {
	inner *MemoryBackend
	down  atomic.Bool
	calls atomic.Int32
}

func newFlakyBackend(clock Clock) *flakyBackend {
	return &flakyBackend{inner: NewMemoryBackend(clock)}
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Append(ctx context.Context, id string, t Turn, limit int, ttl time.Duration) error {
	f.calls.Add(1)
	if f.down.Load() {
		return errDown
	}
	return f.inner.Append(ctx, id, t, limit, ttl)
}

func (f *flakyBackend) Read(ctx context.Context, id string) ([]Turn, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return nil, errDown
	}
	return f.inner.Read(ctx, id)
}

func (f *flakyBackend) Clear(ctx context.Context, id string) error {
	f.calls.Add(1)
	if f.down.Load() {
		return errDown
	}
	return f.inner.Clear(ctx, id)
}

func (f *flakyBackend) Count(ctx context.Context) (int, error) {
	if f.down.Load() {
		return 0, errDown
	}
	return f.inner.Count(ctx)
}

func (f *flakyBackend) Ping(context.Context) error {
	if f.down.Load() {
		return errDown
	}
	return nil
}

// --- Log capture ---

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func captureLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, nil)), buf
}

func userTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// --- Tests ---

func TestValidSessionID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{NewSessionID(), true},
		{"3f2504e0-4f89-41d3-9a0c-0305e82c3301", true},
		{"3F2504E0-4F89-41D3-9A0C-0305E82C3301", true},
		{"3f2504E0-4f89-41D3-9a0c-0305E82C3301", true},
		{"3f2504e0-4f89-11d3-9a0c-0305e82c3301", false}, // version 1
		{"3f2504e0-4f89-41d3-7a0c-0305e82c3301", false}, // wrong variant
		{"{3f2504e0-4f89-41d3-9a0c-0305e82c3301}", false},
		{"not-a-uuid", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidSessionID(tt.id); got != tt.want {
			t.Errorf("ValidSessionID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestNormalizeSessionID(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"3F2504E0-4F89-41D3-9A0C-0305E82C3301", "3f2504e0-4f89-41d3-9a0c-0305e82c3301", true},
		{"  3f2504e0-4f89-41d3-9a0c-0305e82c3301 ", "3f2504e0-4f89-41d3-9a0c-0305e82c3301", true},
		{"3F2504E0-4F89-11D3-9A0C-0305E82C3301", "3f2504e0-4f89-11d3-9a0c-0305e82c3301", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeSessionID(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("NormalizeSessionID(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestSessionIDCaseInsensitive(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	lower := "3f2504e0-4f89-41d3-9a0c-0305e82c3301"
	upper := strings.ToUpper(lower)

	if err := s.Append(ctx, upper, userTurn("hi")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := s.Read(ctx, lower); len(got) != 1 {
		t.Fatalf("Read(lower) = %d turns, want 1", len(got))
	}
	if err := s.Clear(ctx, upper); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.Read(ctx, lower); len(got) != 0 {
		t.Errorf("Read after Clear = %d turns, want 0", len(got))
	}
}

func TestAppendTrimsToLastN(t *testing.T) {
	s := NewStore(WithLimit(10))
	ctx := context.Background()
	id := NewSessionID()

	for i := 0; i < 25; i++ {
		if err := s.Append(ctx, id, userTurn(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got := s.Read(ctx, id)
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	for i, turn := range got {
		if want := fmt.Sprintf("m%d", 15+i); turn.Content != want {
			t.Errorf("turn[%d] = %q, want %q", i, turn.Content, want)
		}
	}
}

func TestAppendRejectsInvalidID(t *testing.T) {
	s := NewStore()
	err := s.Append(context.Background(), "session-1", userTurn("hi"))
	if !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("err = %v, want ErrInvalidSessionID", err)
	}
	if err := s.Clear(context.Background(), "nope"); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("Clear err = %v, want ErrInvalidSessionID", err)
	}
}

func TestReadUnknownIsEmpty(t *testing.T) {
	s := NewStore()
	if got := s.Read(context.Background(), NewSessionID()); len(got) != 0 {
		t.Errorf("Read unknown = %v, want empty", got)
	}
	if got := s.Read(context.Background(), "garbage"); len(got) != 0 {
		t.Errorf("Read invalid = %v, want empty", got)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	id := NewSessionID()

	_ = s.Append(ctx, id, userTurn("hello"))
	for i := 0; i < 2; i++ {
		if err := s.Clear(ctx, id); err != nil {
			t.Fatalf("Clear #%d: %v", i, err)
		}
	}
	if got := s.Read(ctx, id); len(got) != 0 {
		t.Errorf("Read after clear = %v", got)
	}
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	clk := newMockClock()
	s := NewStore(WithClock(clk), WithTTL(time.Hour))
	ctx := context.Background()
	id := NewSessionID()

	_ = s.Append(ctx, id, userTurn("one"))
	clk.Advance(50 * time.Minute)
	_ = s.Append(ctx, id, userTurn("two")) // refreshes TTL
	clk.Advance(50 * time.Minute)

	if got := s.Read(ctx, id); len(got) != 2 {
		t.Fatalf("len = %d, want 2 (TTL refreshed on write)", len(got))
	}

	clk.Advance(11 * time.Minute)
	if got := s.Read(ctx, id); len(got) != 0 {
		t.Errorf("len = %d, want 0 after expiry", len(got))
	}
}

func TestAppendStampsTimestamp(t *testing.T) {
	clk := newMockClock()
	s := NewStore(WithClock(clk))
	id := NewSessionID()

	_ = s.Append(context.Background(), id, userTurn("x"))
	got := s.Read(context.Background(), id)
	if len(got) != 1 || !got[0].Timestamp.Equal(clk.Now()) {
		t.Errorf("timestamp = %v, want %v", got, clk.Now())
	}
}

func TestFallbackRoundTripWhenPrimaryDown(t *testing.T) {
	clk := newMockClock()
	primary := newFlakyBackend(clk)
	primary.down.Store(true)
	logger, logs := captureLogger()
	s := NewStore(WithPrimary(primary, primary), WithClock(clk), WithLogger(logger))
	ctx := context.Background()
	id := NewSessionID()

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, id, userTurn(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got := s.Read(ctx, id)
	if len(got) != 5 || got[4].Content != "m4" {
		t.Fatalf("Read = %v, want 5 turns ending in m4", got)
	}
	if !s.Degraded() {
		t.Error("Degraded() = false")
	}
	if n := logs.count("falling back to memory"); n != 1 {
		t.Errorf("degradation logged %d times, want 1", n)
	}
}

func TestDegradedSkipsPrimaryBetweenProbes(t *testing.T) {
	clk := newMockClock()
	primary := newFlakyBackend(clk)
	primary.down.Store(true)
	s := NewStore(WithPrimary(primary, primary), WithClock(clk), WithProbeInterval(time.Minute))
	ctx := context.Background()
	id := NewSessionID()

	_ = s.Append(ctx, id, userTurn("first"))
	before := primary.calls.Load()
	for i := 0; i < 10; i++ {
		_ = s.Append(ctx, id, userTurn("more"))
	}
	if after := primary.calls.Load(); after != before {
		t.Errorf("primary called %d times while degraded", after-before)
	}
}

func TestRecoveryIsAutomatic(t *testing.T) {
	clk := newMockClock()
	primary := newFlakyBackend(clk)
	primary.down.Store(true)
	logger, logs := captureLogger()
	s := NewStore(WithPrimary(primary, primary), WithClock(clk),
		WithProbeInterval(30*time.Second), WithLogger(logger))
	ctx := context.Background()
	id := NewSessionID()

	_ = s.Append(ctx, id, userTurn("during outage"))

	primary.down.Store(false)
	clk.Advance(31 * time.Second)
	_ = s.Append(ctx, id, userTurn("after recovery"))

	if s.Degraded() {
		t.Fatal("still degraded after primary came back")
	}
	got, _ := primary.inner.Read(ctx, id)
	if len(got) != 1 || got[0].Content != "after recovery" {
		t.Errorf("primary contents = %v, want only the post-recovery turn", got)
	}
	if n := logs.count("recovered"); n != 1 {
		t.Errorf("recovery logged %d times, want 1", n)
	}

	// A second outage is logged again.
	primary.down.Store(true)
	_ = s.Append(ctx, id, userTurn("second outage"))
	if n := logs.count("falling back to memory"); n != 2 {
		t.Errorf("degradation logged %d times, want 2", n)
	}
}

func TestStartProbesPrimary(t *testing.T) {
	primary := newFlakyBackend(nil)
	primary.down.Store(true)
	s := NewStore(WithPrimary(primary, primary))
	s.Start(context.Background())

	if !s.Degraded() {
		t.Error("store should start degraded when primary is unreachable")
	}
	if st := s.Stats(context.Background()); st.Backend != "memory" || !st.Degraded {
		t.Errorf("Stats = %+v", st)
	}
}

func TestConcurrentSessionsDoNotInterfere(t *testing.T) {
	s := NewStore(WithLimit(100))
	ctx := context.Background()

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = NewSessionID()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 20; j++ {
			wg.Add(1)
			go func(id string, j int) {
				defer wg.Done()
				_ = s.Append(ctx, id, userTurn(id))
			}(id, j)
		}
	}
	wg.Wait()

	for _, id := range ids {
		got := s.Read(ctx, id)
		if len(got) != 20 {
			t.Errorf("session %s has %d turns, want 20", id, len(got))
		}
		for _, turn := range got {
			if turn.Content != id {
				t.Fatalf("session %s contains foreign turn %q", id, turn.Content)
			}
		}
	}
	if n := len(s.locks.locks); n != 0 {
		t.Errorf("%d session locks leaked", n)
	}
}

func TestSummary(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	id := NewSessionID()

	_ = s.Append(ctx, id, Turn{Role: RoleUser, Content: "skills?",
		Metadata: &TurnMetadata{Topics: []string{"skills"}}})
	_ = s.Append(ctx, id, Turn{Role: RoleAssistant, Content: "Go.",
		Metadata: &TurnMetadata{Topics: []string{"skills"}, TokenCount: 120, CostUSD: 0.0004}})
	_ = s.Append(ctx, id, Turn{Role: RoleUser, Content: "projects?",
		Metadata: &TurnMetadata{Topics: []string{"projects", "skills"}}})

	sum := s.Summary(ctx, id)
	if sum.TotalMessages != 3 || sum.UserMessages != 2 || sum.AssistantMessages != 1 {
		t.Errorf("counts = %+v", sum)
	}
	if len(sum.Topics) != 2 || sum.Topics[0] != "skills" || sum.Topics[1] != "projects" {
		t.Errorf("topics = %v", sum.Topics)
	}
	if sum.TotalTokens != 120 {
		t.Errorf("tokens = %d, want 120", sum.TotalTokens)
	}
}

// TestRedisUnreachableFallsBack drives the real Redis client against a
// closed port.
func TestRedisUnreachableFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	rb := NewRedisBackend(client)
	s := NewStore(WithPrimary(rb, rb))
	ctx := context.Background()
	id := NewSessionID()

	if err := s.Append(ctx, id, userTurn("still here")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got := s.Read(ctx, id)
	if len(got) != 1 || got[0].Content != "still here" {
		t.Errorf("Read = %v", got)
	}
}

func TestRedisBackendLive(t *testing.T) {
	url := os.Getenv("FOLIO_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FOLIO_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	rb := NewRedisBackend(client)
	s := NewStore(WithPrimary(rb, rb), WithLimit(3), WithTTL(time.Minute))
	ctx := context.Background()
	id := NewSessionID()
	defer s.Clear(ctx, id)

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, id, userTurn(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got := s.Read(ctx, id)
	if len(got) != 3 || got[0].Content != "m2" || got[2].Content != "m4" {
		t.Fatalf("Read = %v", got)
	}
	ttl, err := client.TTL(ctx, rb.key(id)).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, %v", ttl, err)
	}
	if s.Degraded() {
		t.Error("store degraded against live redis")
	}
}
