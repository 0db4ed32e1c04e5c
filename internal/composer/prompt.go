package composer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/kalambet/folio/internal/history"
	"github.com/kalambet/folio/internal/proxy"
)

const defaultMaxContextTokens = 8000

// sectionSep separates topic sections in the text produced by the context
// store.
const sectionSep = "\n\n=== "

// Composer assembles the two-part prompt: a cacheable system block holding
// the persona and the context, and the uncached conversation.
type Composer struct {
	Persona          string
	MaxContextTokens int
}

// New creates a Composer speaking as persona. If maxContextTokens <= 0 the
// default (8000) is used.
func New(persona string, maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{Persona: persona, MaxContextTokens: maxContextTokens}
}

// Prompt is a composed request body minus the model parameters.
type Prompt struct {
	System   []proxy.TextBlock
	Messages []proxy.Message
	// Digest identifies the cacheable block. Two prompts with equal digests
	// hit the same provider cache entry.
	Digest string
}

// Compose builds the prompt for message given the loaded context and prior
// turns. An empty context selects the casual persona.
func (c *Composer) Compose(context string, turns []history.Turn, message string) (Prompt, error) {
	block := proxy.TextBlock{
		Type:         "text",
		Text:         c.systemPrompt(c.fitContext(context)),
		CacheControl: proxy.Ephemeral,
	}
	digest, err := Digest(block)
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{
		System:   []proxy.TextBlock{block},
		Messages: conversation(turns, message),
		Digest:   digest,
	}, nil
}

// conversation maps stored turns to provider messages. The provider wants
// the first message to come from the user, so leading assistant turns left
// over from trimming are dropped.
func conversation(turns []history.Turn, message string) []proxy.Message {
	msgs := make([]proxy.Message, 0, len(turns)+1)
	for _, t := range turns {
		if len(msgs) == 0 && t.Role != history.RoleUser {
			continue
		}
		msgs = append(msgs, proxy.Message{Role: t.Role, Content: t.Content})
	}
	return append(msgs, proxy.Message{Role: history.RoleUser, Content: message})
}

// fitContext keeps whole topic sections, in order, while they fit the token
// budget.
func (c *Composer) fitContext(context string) string {
	if EstimateTokens(context) <= c.MaxContextTokens {
		return context
	}
	sections := strings.Split(context, sectionSep)
	var kept []string
	remaining := c.MaxContextTokens
	for i, s := range sections {
		if i > 0 {
			s = "=== " + s
		}
		tokens := EstimateTokens(s)
		if tokens > remaining {
			slog.Warn("context section dropped over token budget", "tokens", tokens, "budget", c.MaxContextTokens)
			continue
		}
		kept = append(kept, s)
		remaining -= tokens
	}
	return strings.Join(kept, "\n\n")
}

func (c *Composer) systemPrompt(context string) string {
	if context == "" {
		return fmt.Sprintf(casualPrompt, c.Persona)
	}
	return fmt.Sprintf(groundedPrompt, c.Persona, context)
}

// Digest is the sha256 of the RFC 8785 canonical JSON of block.
func Digest(block proxy.TextBlock) (string, error) {
	raw, err := json.Marshal(block)
	if err != nil {
		return "", fmt.Errorf("marshaling system block: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing system block: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

const groundedPrompt = `You are %s. You are talking directly with visitors on your portfolio website. Answer questions about yourself in the first person.

YOUR INFORMATION:
%s

RULES:
1. Only use facts stated in YOUR INFORMATION. Never invent details.
2. If something is not in your information, say "I don't have that information in my portfolio".
3. Answer only what is asked. Keep it to 2-3 sentences unless more detail is requested.
4. When sharing links (email, LinkedIn, GitHub), give the full URL exactly as written above.
5. Speak as yourself (I, me, my) in a warm, professional tone.`

const casualPrompt = `You are %s. You are having a casual, friendly chat with a visitor on your portfolio website.

GUIDELINES:
1. Speak as yourself (I, me, my). Be warm and personable.
2. Keep replies to 1-2 sentences.
3. If they ask about your work, mention it briefly and invite a specific question.
4. Do not share URLs or technical details in casual mode.`
