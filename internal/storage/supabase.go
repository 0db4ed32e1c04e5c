package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/supabase-community/supabase-go"
)

var _ Recorder = (*SupabaseStore)(nil)

// SupabaseStore is a Recorder backed by a Supabase project. Daily totals
// are derived by the daily_costs view over append-only cost_events rows, so
// concurrent increments never race. See supabase_schema.sql.
type SupabaseStore struct {
	client *supabase.Client
}

func OpenSupabase(url, key string) (*SupabaseStore, error) {
	if url == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if key == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

func (s *SupabaseStore) UpsertSession(_ context.Context, rec SessionRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	_, _, err := s.client.From("sessions").
		Insert(rec, true, "id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SupabaseStore) SaveMessages(_ context.Context, msgs []MessageRecord) error {
	if len(msgs) == 0 {
		return nil
	}
	rows := make([]MessageRecord, len(msgs))
	for i, m := range msgs {
		m.Topics = nonNil(m.Topics)
		rows[i] = m
	}
	_, _, err := s.client.From("messages").
		Insert(rows, false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("inserting messages: %w", err)
	}
	return nil
}

type costEvent struct {
	Date        string `json:"date"`
	Requests    int64  `json:"requests"`
	Tokens      int64  `json:"tokens"`
	CostMicros  int64  `json:"cost_micros"`
	CacheReads  int64  `json:"cache_reads"`
	CacheWrites int64  `json:"cache_writes"`
}

func (s *SupabaseStore) AddDailyCost(_ context.Context, inc DailyCostRecord) error {
	ev := costEvent{
		Date:        inc.Date,
		Requests:    inc.Requests,
		Tokens:      inc.Tokens,
		CostMicros:  inc.CostMicros,
		CacheReads:  inc.CacheReads,
		CacheWrites: inc.CacheWrites,
	}
	_, _, err := s.client.From("cost_events").
		Insert(ev, false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("adding daily cost for %s: %w", inc.Date, err)
	}
	return nil
}

func (s *SupabaseStore) SaveFeedback(_ context.Context, f Feedback) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	var saved []Feedback
	_, err := s.client.From("feedback").
		Insert(f, false, "", "representation", "").
		ExecuteTo(&saved)
	if err != nil {
		return 0, fmt.Errorf("saving feedback: %w", err)
	}
	if len(saved) == 0 {
		return 0, fmt.Errorf("saving feedback: no row returned")
	}
	return saved[0].ID, nil
}

func (s *SupabaseStore) RecentDailyCosts(_ context.Context, days int) ([]DailyCostRecord, error) {
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	var out []DailyCostRecord
	_, err := s.client.From("daily_costs").
		Select("*", "", false).
		Gte("date", since).
		ExecuteTo(&out)
	if err != nil {
		return nil, fmt.Errorf("reading daily costs: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if len(out) > days {
		out = out[:days]
	}
	return out, nil
}

// Close is a no-op; the Supabase client holds no connections to release.
func (s *SupabaseStore) Close() error { return nil }
