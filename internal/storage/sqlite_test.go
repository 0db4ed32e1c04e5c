package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestTablesExist(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"sessions", "messages", "daily_costs", "feedback"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %q not found", table)
		}
	}
}

func TestUpsertSession_KeepsFirstSeen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := s.UpsertSession(ctx, SessionRecord{
		ID: "s1", CreatedAt: first, UpdatedAt: first, IPAddress: "10.0.0.1", UserAgent: "curl",
	}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	later := first.Add(time.Hour)
	if err := s.UpsertSession(ctx, SessionRecord{
		ID: "s1", UpdatedAt: later, IPAddress: "10.0.0.2", UserAgent: "firefox",
	}); err != nil {
		t.Fatalf("UpsertSession (again): %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.CreatedAt.Equal(first) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, first)
	}
	if !got.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, later)
	}
	if got.IPAddress != "10.0.0.1" || got.UserAgent != "curl" {
		t.Errorf("first-seen fields overwritten: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	if err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSaveMessages_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, SessionRecord{ID: "s1"}); err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msgs := []MessageRecord{
		{SessionID: "s1", Role: "user", Content: "What are your skills?", Topics: []string{"skills"}, CreatedAt: at},
		{SessionID: "s1", Role: "assistant", Content: "Go and SQL.", Topics: []string{"skills"}, TokensUsed: 420, CostMicros: 1234, CreatedAt: at.Add(time.Second)},
	}
	if err := s.SaveMessages(ctx, msgs); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	got, err := s.SessionMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].Role != "user" || got[1].Role != "assistant" {
		t.Errorf("order = %s, %s", got[0].Role, got[1].Role)
	}
	if got[1].TokensUsed != 420 || got[1].CostMicros != 1234 {
		t.Errorf("assistant usage = %d tokens / %d micros", got[1].TokensUsed, got[1].CostMicros)
	}
	if len(got[0].Topics) != 1 || got[0].Topics[0] != "skills" {
		t.Errorf("topics = %v", got[0].Topics)
	}
	if !got[1].CreatedAt.Equal(at.Add(time.Second)) {
		t.Errorf("CreatedAt = %v", got[1].CreatedAt)
	}
}

func TestSaveMessages_UnknownSessionRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, SessionRecord{ID: "s1"}); err != nil {
		t.Fatal(err)
	}
	err := s.SaveMessages(ctx, []MessageRecord{
		{SessionID: "s1", Role: "user", Content: "ok", CreatedAt: time.Now()},
		{SessionID: "nope", Role: "user", Content: "orphan", CreatedAt: time.Now()},
	})
	if err == nil {
		t.Fatal("expected foreign key error")
	}
	got, _ := s.SessionMessages(ctx, "s1")
	if len(got) != 0 {
		t.Errorf("partial batch committed: %d rows", len(got))
	}
}

func TestAddDailyCost_Accumulates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, inc := range []DailyCostRecord{
		{Date: "2026-03-01", Requests: 1, Tokens: 100, CostMicros: 500, CacheWrites: 80},
		{Date: "2026-03-01", Requests: 1, Tokens: 50, CostMicros: 250, CacheReads: 80},
		{Date: "2026-03-02", Requests: 1, Tokens: 10, CostMicros: 7},
	} {
		if err := s.AddDailyCost(ctx, inc); err != nil {
			t.Fatalf("AddDailyCost: %v", err)
		}
	}

	got, err := s.RecentDailyCosts(ctx, 7)
	if err != nil {
		t.Fatalf("RecentDailyCosts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d days, want 2", len(got))
	}
	if got[0].Date != "2026-03-02" {
		t.Errorf("newest first: got %s", got[0].Date)
	}
	want := DailyCostRecord{Date: "2026-03-01", Requests: 2, Tokens: 150, CostMicros: 750, CacheReads: 80, CacheWrites: 80}
	if got[1] != want {
		t.Errorf("day total = %+v, want %+v", got[1], want)
	}
	if got[1].CostUSD() != 0.00075 {
		t.Errorf("CostUSD = %v", got[1].CostUSD())
	}
}

func TestAddDailyCost_Concurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.AddDailyCost(ctx, DailyCostRecord{Date: "2026-03-01", Requests: 1, CostMicros: 3}); err != nil {
				t.Errorf("AddDailyCost: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.RecentDailyCosts(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Requests != 50 || got[0].CostMicros != 150 {
		t.Errorf("totals = %+v, want 50 requests / 150 micros", got[0])
	}
}

func TestRecentDailyCosts_Limit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for d := 1; d <= 10; d++ {
		if err := s.AddDailyCost(ctx, DailyCostRecord{Date: fmt.Sprintf("2026-03-%02d", d), Requests: 1}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.RecentDailyCosts(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Date != "2026-03-10" || got[2].Date != "2026-03-08" {
		t.Errorf("got %+v", got)
	}
}

func TestSaveFeedback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.SaveFeedback(ctx, Feedback{SessionID: "s1", Rating: 5, Comment: "great"})
	if err != nil {
		t.Fatalf("SaveFeedback: %v", err)
	}
	if id <= 0 {
		t.Errorf("id = %d, want positive", id)
	}

	var rating int
	var comment string
	if err := s.db.QueryRow("SELECT rating, comment FROM feedback WHERE id = ?", id).Scan(&rating, &comment); err != nil {
		t.Fatal(err)
	}
	if rating != 5 || comment != "great" {
		t.Errorf("stored %d/%q", rating, comment)
	}
}

func TestSaveFeedback_Invalid(t *testing.T) {
	s := openTestStore(t)

	tests := []struct {
		name string
		f    Feedback
	}{
		{"rating too high", Feedback{SessionID: "s1", Rating: 6}},
		{"negative rating", Feedback{SessionID: "s1", Rating: -1}},
		{"long comment", Feedback{SessionID: "s1", Rating: 3, Comment: strings.Repeat("x", 501)}},
		{"no session", Feedback{Rating: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SaveFeedback(context.Background(), tt.f)
			if !errors.Is(err, ErrInvalidFeedback) {
				t.Errorf("err = %v, want ErrInvalidFeedback", err)
			}
		})
	}
}
