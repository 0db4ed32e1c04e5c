package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/folio/internal/composer"
	"github.com/kalambet/folio/internal/history"
	"github.com/kalambet/folio/internal/intent"
	"github.com/kalambet/folio/internal/proxy"
)

// Provider sends a composed request. *proxy.Client implements it and
// already retries once.
type Provider interface {
	Messages(ctx context.Context, req proxy.MessagesRequest) (*proxy.MessagesResponse, error)
}

type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindUpstream    Kind = "upstream"
	KindMalformed   Kind = "malformed"
)

// ProviderError is the only error Invoke returns. Usage is set when the
// provider billed the failed call; it is zero otherwise.
type ProviderError struct {
	Kind  Kind
	Err   error
	Usage Usage
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm provider %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func classify(err error) Kind {
	var se *proxy.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, proxy.ErrMalformed):
		return KindMalformed
	case errors.As(err, &se) && se.RateLimited():
		return KindRateLimited
	default:
		return KindUpstream
	}
}

type Input struct {
	Context string
	History []history.Turn
	Message string
	Topics  []intent.Topic
}

type Reply struct {
	Text  string
	Usage Usage
	// Cached is true when the provider served the system block from cache.
	Cached       bool
	PromptDigest string
}

type Settings struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Persona     string
}

type Service struct {
	provider Provider
	composer *composer.Composer
	prices   PriceTable
	settings Settings
	logger   *slog.Logger
}

// NewService fails when no price table exists for the model, since every
// call must be costed.
func NewService(p Provider, c *composer.Composer, s Settings) (*Service, error) {
	pt, err := PriceFor(s.Model)
	if err != nil {
		return nil, err
	}
	return NewServiceWithPrices(p, c, s, pt), nil
}

func NewServiceWithPrices(p Provider, c *composer.Composer, s Settings, pt PriceTable) *Service {
	return &Service{provider: p, composer: c, prices: pt, settings: s, logger: slog.Default()}
}

// Prices returns the table used to cost calls.
func (s *Service) Prices() PriceTable { return s.prices }

// Invoke answers in.Message. A greeting with no prior turns is answered
// without calling the provider.
func (s *Service) Invoke(ctx context.Context, in Input) (Reply, error) {
	if intent.IsGreetingOnly(in.Topics) && len(in.History) == 0 {
		return Reply{Text: s.greeting()}, nil
	}

	prompt, err := s.composer.Compose(in.Context, in.History, in.Message)
	if err != nil {
		return Reply{}, &ProviderError{Kind: KindMalformed, Err: err}
	}

	temp := s.settings.Temperature
	resp, err := s.provider.Messages(ctx, proxy.MessagesRequest{
		Model:       s.settings.Model,
		MaxTokens:   s.settings.MaxTokens,
		Temperature: &temp,
		System:      prompt.System,
		Messages:    prompt.Messages,
	})
	if err != nil {
		pe := &ProviderError{Kind: classify(err), Err: err}
		if resp != nil && resp.Usage.Complete() {
			pe.Usage = s.usage(resp.Usage)
		}
		s.logger.Error("provider call failed", "kind", pe.Kind, "cost_usd", pe.Usage.CostMicros.USD(), "error", err)
		return Reply{}, pe
	}
	if !resp.Usage.Complete() {
		return Reply{}, &ProviderError{Kind: KindMalformed, Err: proxy.ErrMalformed}
	}

	u := s.usage(resp.Usage)

	s.logger.Info("response generated",
		"tokens", u.TotalTokens(), "cost_usd", u.CostMicros.USD(),
		"cache_read", u.CacheReadTokens, "cache_write", u.CacheWriteTokens, "digest", prompt.Digest[:12])

	return Reply{
		Text:         resp.Text(),
		Usage:        u,
		Cached:       u.CacheReadTokens > 0,
		PromptDigest: prompt.Digest,
	}, nil
}

func (s *Service) usage(pu *proxy.Usage) Usage {
	u := Usage{
		InputTokens:      *pu.InputTokens,
		OutputTokens:     *pu.OutputTokens,
		CacheWriteTokens: *pu.CacheCreationInputTokens,
		CacheReadTokens:  *pu.CacheReadInputTokens,
	}
	u.CostMicros = s.prices.Cost(u)
	return u
}

func (s *Service) greeting() string {
	return fmt.Sprintf("Hello! I'm %s. I can tell you about my professional background, "+
		"skills, experience, projects, and how to get in touch with me. "+
		"What would you like to know?", s.settings.Persona)
}
