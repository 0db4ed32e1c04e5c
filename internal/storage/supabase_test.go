package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type capturedRequest struct {
	method string
	path   string
	body   []byte
}

func fakePostgREST(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) (*SupabaseStore, *[]capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()
		respond(w, r)
	}))
	t.Cleanup(srv.Close)

	s, err := OpenSupabase(srv.URL, "service-key")
	if err != nil {
		t.Fatalf("OpenSupabase: %v", err)
	}
	return s, &reqs
}

func TestOpenSupabase_RequiresCredentials(t *testing.T) {
	if _, err := OpenSupabase("", "k"); err == nil {
		t.Error("expected error without URL")
	}
	if _, err := OpenSupabase("https://x.supabase.co", ""); err == nil {
		t.Error("expected error without key")
	}
}

func TestSupabaseAddDailyCost_AppendsEvent(t *testing.T) {
	s, reqs := fakePostgREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	err := s.AddDailyCost(context.Background(), DailyCostRecord{Date: "2026-03-01", Requests: 1, Tokens: 42, CostMicros: 99})
	if err != nil {
		t.Fatalf("AddDailyCost: %v", err)
	}
	if len(*reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(*reqs))
	}
	got := (*reqs)[0]
	if got.method != http.MethodPost || !strings.HasSuffix(got.path, "/cost_events") {
		t.Errorf("request = %s %s", got.method, got.path)
	}
	var ev map[string]any
	if err := json.Unmarshal(got.body, &ev); err != nil {
		t.Fatalf("body: %v", err)
	}
	if ev["date"] != "2026-03-01" || ev["cost_micros"] != float64(99) {
		t.Errorf("event = %v", ev)
	}
}

func TestSupabaseRecentDailyCosts_SortedAndCapped(t *testing.T) {
	s, _ := fakePostgREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"date":"2026-03-01","total_requests":3,"total_tokens":10,"total_cost_micros":5,"cache_reads":0,"cache_writes":0},
			{"date":"2026-03-03","total_requests":1,"total_tokens":1,"total_cost_micros":1,"cache_reads":0,"cache_writes":0},
			{"date":"2026-03-02","total_requests":2,"total_tokens":2,"total_cost_micros":2,"cache_reads":0,"cache_writes":0}
		]`)
	})

	got, err := s.RecentDailyCosts(context.Background(), 2)
	if err != nil {
		t.Fatalf("RecentDailyCosts: %v", err)
	}
	if len(got) != 2 || got[0].Date != "2026-03-03" || got[1].Date != "2026-03-02" {
		t.Errorf("got %+v", got)
	}
}

func TestSupabaseSaveFeedback_ValidatesFirst(t *testing.T) {
	s, reqs := fakePostgREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	if _, err := s.SaveFeedback(context.Background(), Feedback{SessionID: "s1", Rating: 9}); err == nil {
		t.Fatal("expected validation error")
	}
	if len(*reqs) != 0 {
		t.Errorf("invalid feedback reached the server")
	}
}
