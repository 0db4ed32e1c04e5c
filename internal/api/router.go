package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/folio/internal/budget"
	"github.com/kalambet/folio/internal/history"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/storage"
)

const maxRequestBodySize = 64 << 10 // 64KB

// Chatter is the pipeline surface driven by the HTTP and MCP layers.
type Chatter interface {
	HandleChat(ctx context.Context, req pipeline.ChatRequest) (pipeline.ChatResponse, error)
	NewSession() string
	ClearSession(ctx context.Context, id string) error
	GetHistory(ctx context.Context, id string) (pipeline.HistoryResponse, error)
	GetBudgetStatus(ctx context.Context) (budget.Status, error)
	SessionStats(ctx context.Context) history.Stats
}

// Analytics is the durable-store surface: visitor feedback in, daily cost
// rows out.
type Analytics interface {
	SaveFeedback(ctx context.Context, f storage.Feedback) (int64, error)
	RecentDailyCosts(ctx context.Context, days int) ([]storage.DailyCostRecord, error)
}

type Deps struct {
	Chat           Chatter
	Store          Analytics // optional; feedback and analytics answer 503 when nil
	AdminToken     string    // empty disables /api/analytics/daily
	AllowedOrigins []string
	// TrustedProxies are the peers allowed to set the client address via
	// forwarding headers. Requests from anyone else keep their RemoteAddr.
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
}

// NewHandler returns the public chat API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(realIP(deps.TrustedProxies))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors(deps.AllowedOrigins))

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", handleChat(deps))
		r.Post("/session", handleNewSession(deps))
		r.Get("/session/{id}/history", handleHistory(deps))
		r.Delete("/session/{id}", handleClearSession(deps))
		r.Get("/sessions/stats", handleSessionStats(deps))
		r.Get("/budget/status", handleBudgetStatus(deps))
		r.Post("/feedback", handleFeedback(deps))
		if deps.AdminToken != "" {
			r.With(BearerAuth(deps.AdminToken)).Get("/analytics/daily", handleDailyAnalytics(deps))
		}
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := deps.Chat.SessionStats(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"history":  stats.Backend,
			"degraded": stats.Degraded,
		})
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none';")
		next.ServeHTTP(w, r)
	})
}

// realIP honours X-Forwarded-For and X-Real-IP only when the direct peer
// is a trusted proxy.
func realIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		forwarded := middleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(trusted) > 0 && trustedPeer(r.RemoteAddr, trusted) {
				forwarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func trustedPeer(remoteAddr string, trusted []netip.Prefix) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseTrustedProxies parses a comma-separated list of IPs and CIDRs.
func ParseTrustedProxies(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// cors answers preflights for allowed origins. Listed origins are echoed
// with credentials; a "*" entry allows any origin without credentials.
func cors(allowed []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowed, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			listed := origin != "" && slices.Contains(allowed, origin)
			if listed || (origin != "" && wildcard) {
				h := w.Header()
				if listed {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Credentials", "true")
					h.Add("Vary", "Origin")
				} else {
					h.Set("Access-Control-Allow-Origin", "*")
				}
				if r.Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
					h.Set("Access-Control-Max-Age", "600")
				}
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseOrigins splits a comma-separated origin list.
func ParseOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// clientAddr is the visitor's address after realIP has applied any trusted
// proxy headers.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
