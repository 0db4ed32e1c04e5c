package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kalambet/folio/internal/budget"
	"github.com/kalambet/folio/internal/history"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/storage"
)

const (
	defaultAnalyticsDays = 7
	maxAnalyticsDays     = 90
)

type feedbackRequest struct {
	SessionID string `json:"session_id"`
	MessageID *int64 `json:"message_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusServiceUnavailable, "service_unavailable", "feedback storage is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		sessionID, ok := history.NormalizeSessionID(req.SessionID)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid session id format")
			return
		}

		id, err := deps.Store.SaveFeedback(r.Context(), storage.Feedback{
			SessionID: sessionID,
			MessageID: req.MessageID,
			Rating:    req.Rating,
			Comment:   pipeline.Escape(req.Comment),
			CreatedAt: time.Now().UTC(),
		})
		if errors.Is(err, storage.ErrInvalidFeedback) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			deps.Logger.Error("saving feedback failed", "session_id", sessionID, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "internal server error")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": "recorded"})
	}
}

type dailyAnalytics struct {
	Days          []storage.DailyCostRecord `json:"days"`
	TotalCostUSD  float64                   `json:"total_cost_usd"`
	TotalRequests int64                     `json:"total_requests"`
}

func handleDailyAnalytics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusServiceUnavailable, "service_unavailable", "analytics storage is not configured")
			return
		}
		days := defaultAnalyticsDays
		if v := r.URL.Query().Get("days"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "days must be a positive integer")
				return
			}
			days = min(n, maxAnalyticsDays)
		}

		rows, err := deps.Store.RecentDailyCosts(r.Context(), days)
		if err != nil {
			deps.Logger.Error("reading daily costs failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "internal server error")
			return
		}

		out := dailyAnalytics{Days: rows}
		if out.Days == nil {
			out.Days = []storage.DailyCostRecord{}
		}
		var micros int64
		for _, d := range rows {
			micros += d.CostMicros
			out.TotalRequests += d.Requests
		}
		out.TotalCostUSD = budget.MicrosToUSD(micros)
		writeJSON(w, http.StatusOK, out)
	}
}
