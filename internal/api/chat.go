package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kaptinlin/jsonschema"

	"github.com/kalambet/folio/internal/budget"
	"github.com/kalambet/folio/internal/history"
	"github.com/kalambet/folio/internal/llm"
	"github.com/kalambet/folio/internal/pipeline"
)

// chatRequestSchema checks shape only. Length and emptiness are left to the
// pipeline so both transports reject the same messages.
const chatRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "session_id": {"type": ["string", "null"]}
  },
  "required": ["message"]
}`

var chatSchema = mustCompile(chatRequestSchema)

func mustCompile(src string) *jsonschema.Schema {
	s, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		panic("api: compiling chat request schema: " + err.Error())
	}
	return s
}

type chatRequest struct {
	Message   string  `json:"message"`
	SessionID *string `json:"session_id"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}

		if !json.Valid(body) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
			return
		}
		if result := chatSchema.ValidateJSON(body); !result.IsValid() {
			deps.Logger.Debug("chat request rejected by schema", "errors", result.Errors)
			httpError(w, http.StatusBadRequest, "invalid_request_error", "request body must be an object with a string message")
			return
		}

		var req chatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		var sessionID string
		if req.SessionID != nil {
			sessionID = *req.SessionID
		}

		resp, err := deps.Chat.HandleChat(r.Context(), pipeline.ChatRequest{
			SessionID:  sessionID,
			Message:    req.Message,
			ClientAddr: clientAddr(r),
			UserAgent:  r.UserAgent(),
		})
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleNewSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"session_id": deps.Chat.NewSession()})
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Chat.GetHistory(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleClearSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Chat.ClearSession(r.Context(), id); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "session_id": id})
	}
}

func handleSessionStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Chat.SessionStats(r.Context()))
	}
}

func handleBudgetStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Chat.GetBudgetStatus(r.Context())
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// writeError maps pipeline errors to status codes. Only validation and
// admission messages reach the client verbatim.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		ve  *pipeline.ValidationError
		rej *budget.Rejection
		pe  *llm.ProviderError
	)
	switch {
	case errors.As(err, &ve):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", ve.Message)
	case errors.Is(err, history.ErrInvalidSessionID):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid session id format")
	case errors.As(err, &rej):
		w.Header().Set("Retry-After", retryAfter(rej))
		httpError(w, http.StatusTooManyRequests, "rate_limit_error", "%s", rej.Error())
	case errors.As(err, &pe):
		logger.Error("provider unavailable", "kind", pe.Kind, "error", pe.Err)
		httpError(w, http.StatusServiceUnavailable, "service_unavailable",
			"the assistant is temporarily unavailable, please try again shortly")
	case errors.Is(err, pipeline.ErrSessionNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "session not found")
	default:
		logger.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal server error")
	}
}

func retryAfter(rej *budget.Rejection) string {
	secs := int(math.Ceil(rej.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
