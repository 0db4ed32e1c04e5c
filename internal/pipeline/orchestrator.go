package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/folio/internal/budget"
	"github.com/kalambet/folio/internal/history"
	"github.com/kalambet/folio/internal/intent"
	"github.com/kalambet/folio/internal/llm"
	"github.com/kalambet/folio/internal/persist"
	"github.com/kalambet/folio/internal/storage"
)

// ErrSessionNotFound is returned by GetHistory for a session with no turns.
var ErrSessionNotFound = errors.New("session not found")

// ContextLoader returns the context text for a topic set.
type ContextLoader interface {
	Load(ctx context.Context, topics []intent.Topic) string
}

type HistoryStore interface {
	Append(ctx context.Context, sessionID string, t history.Turn) error
	Read(ctx context.Context, sessionID string) []history.Turn
	Clear(ctx context.Context, sessionID string) error
	Stats(ctx context.Context) history.Stats
}

type Governor interface {
	Admit(ctx context.Context, req budget.Request) error
	Record(ctx context.Context, u budget.Usage) (budget.Totals, error)
	Status(ctx context.Context) (budget.Status, error)
}

type Invoker interface {
	Invoke(ctx context.Context, in llm.Input) (llm.Reply, error)
}

// Sink receives the records of a completed request. Submit must not block.
type Sink interface {
	Submit(b persist.Batch) bool
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps are the collaborators the orchestrator sequences. Sink may be nil.
type Deps struct {
	Knowledge ContextLoader
	History   HistoryStore
	Governor  Governor
	LLM       Invoker
	Sink      Sink
}

// Orchestrator runs one chat message through classification, context,
// admission, history, the model and cost recording. It holds no state of
// its own.
type Orchestrator struct {
	deps   Deps
	clock  Clock
	logger *slog.Logger
}

type Option func(*Orchestrator)

func WithClock(c Clock) Option { return func(o *Orchestrator) { o.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{deps: deps, clock: realClock{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type ChatRequest struct {
	SessionID  string
	Message    string
	ClientAddr string
	UserAgent  string
}

type ChatResponse struct {
	SessionID  string   `json:"session_id"`
	Response   string   `json:"response"`
	Topics     []string `json:"topics"`
	Intent     string   `json:"intent"`
	TokensUsed int64    `json:"tokens_used"`
	CostUSD    float64  `json:"cost_usd"`
	Cached     bool     `json:"cached"`
}

// HandleChat answers one message. Errors are *ValidationError,
// *budget.Rejection, *llm.ProviderError, or an internal failure.
func (o *Orchestrator) HandleChat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	id, minted, err := sessionID(req.SessionID)
	if err != nil {
		return ChatResponse{}, err
	}
	raw, message, err := sanitize(req.Message, o.logger)
	if err != nil {
		return ChatResponse{}, err
	}

	topics := intent.Classify(raw)
	var contextText string
	if intent.NeedsContext(topics) {
		contextText = o.deps.Knowledge.Load(ctx, topics)
	}

	if err := o.deps.Governor.Admit(ctx, budget.Request{SessionID: id, ClientAddr: req.ClientAddr}); err != nil {
		var rej *budget.Rejection
		if errors.As(err, &rej) {
			return ChatResponse{}, rej
		}
		return ChatResponse{}, fmt.Errorf("admission check: %w", err)
	}

	var turns []history.Turn
	if !minted {
		turns = o.deps.History.Read(ctx, id)
	}

	reply, err := o.deps.LLM.Invoke(ctx, llm.Input{
		Context: contextText,
		History: turns,
		Message: message,
		Topics:  topics,
	})
	if err != nil {
		// A failed call the provider still billed counts against the budget.
		var pe *llm.ProviderError
		if errors.As(err, &pe) && pe.Usage.TotalTokens() > 0 {
			o.record(ctx, id, pe.Usage)
			o.handOff(id, o.clock.Now().UTC(), req, nil, pe.Usage)
		}
		return ChatResponse{}, err
	}

	u := reply.Usage
	o.record(ctx, id, u)

	now := o.clock.Now().UTC()
	names := intent.Strings(topics)
	o.appendTurns(ctx, id, now, message, reply, names)
	o.handOff(id, now, req, []storage.MessageRecord{
		{SessionID: id, Role: history.RoleUser, Content: message, Topics: names, CreatedAt: now},
		{SessionID: id, Role: history.RoleAssistant, Content: reply.Text, Topics: names,
			TokensUsed: u.TotalTokens(), CostMicros: int64(u.CostMicros), CreatedAt: now.Add(time.Millisecond)},
	}, u)

	return ChatResponse{
		SessionID:  id,
		Response:   reply.Text,
		Topics:     names,
		Intent:     string(intent.Primary(topics)),
		TokensUsed: u.TotalTokens(),
		CostUSD:    u.CostMicros.USD(),
		Cached:     reply.Cached,
	}, nil
}

func (o *Orchestrator) appendTurns(ctx context.Context, id string, now time.Time, message string, reply llm.Reply, topics []string) {
	user := history.Turn{
		Role:      history.RoleUser,
		Content:   message,
		Timestamp: now,
		Metadata:  &history.TurnMetadata{Topics: topics},
	}
	assistant := history.Turn{
		Role:      history.RoleAssistant,
		Content:   reply.Text,
		Timestamp: now.Add(time.Millisecond),
		Metadata: &history.TurnMetadata{
			Topics:     topics,
			TokenCount: int(reply.Usage.TotalTokens()),
			CostUSD:    reply.Usage.CostMicros.USD(),
		},
	}
	for _, t := range []history.Turn{user, assistant} {
		if err := o.deps.History.Append(ctx, id, t); err != nil {
			o.logger.Error("appending turn failed", "session_id", id, "role", t.Role, "error", err)
			return
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, id string, u llm.Usage) {
	if _, err := o.deps.Governor.Record(ctx, budget.Usage{
		CostMicros:  int64(u.CostMicros),
		Tokens:      u.TotalTokens(),
		CacheReads:  u.CacheReadTokens,
		CacheWrites: u.CacheWriteTokens,
	}); err != nil {
		o.logger.Error("recording usage failed", "session_id", id, "error", err)
	}
}

func (o *Orchestrator) handOff(id string, now time.Time, req ChatRequest, msgs []storage.MessageRecord, u llm.Usage) {
	if o.deps.Sink == nil {
		return
	}
	o.deps.Sink.Submit(persist.Batch{
		Session: storage.SessionRecord{
			ID:        id,
			CreatedAt: now,
			UpdatedAt: now,
			IPAddress: req.ClientAddr,
			UserAgent: req.UserAgent,
		},
		Messages: msgs,
		Cost: storage.DailyCostRecord{
			Date:        budget.DayKey(now),
			Requests:    1,
			Tokens:      u.TotalTokens(),
			CostMicros:  int64(u.CostMicros),
			CacheReads:  u.CacheReadTokens,
			CacheWrites: u.CacheWriteTokens,
		},
	})
}

// NewSession mints a session id. Nothing is stored until the first message.
func (o *Orchestrator) NewSession() string {
	return history.NewSessionID()
}

func (o *Orchestrator) ClearSession(ctx context.Context, id string) error {
	id, ok := history.NormalizeSessionID(id)
	if !ok {
		return errInvalidSessionID
	}
	return o.deps.History.Clear(ctx, id)
}

type HistoryResponse struct {
	SessionID string          `json:"session_id"`
	Messages  []history.Turn  `json:"messages"`
	Summary   history.Summary `json:"summary"`
}

func (o *Orchestrator) GetHistory(ctx context.Context, id string) (HistoryResponse, error) {
	id, ok := history.NormalizeSessionID(id)
	if !ok {
		return HistoryResponse{}, errInvalidSessionID
	}
	turns := o.deps.History.Read(ctx, id)
	if len(turns) == 0 {
		return HistoryResponse{}, ErrSessionNotFound
	}
	return HistoryResponse{SessionID: id, Messages: turns, Summary: history.Summarize(id, turns)}, nil
}

func (o *Orchestrator) GetBudgetStatus(ctx context.Context) (budget.Status, error) {
	return o.deps.Governor.Status(ctx)
}

func (o *Orchestrator) SessionStats(ctx context.Context) history.Stats {
	return o.deps.History.Stats(ctx)
}
