package proxy

// CacheControl marks a prompt block for provider-side caching.
type CacheControl struct {
	Type string `json:"type"`
}

// Ephemeral is the only cache type the Messages API accepts.
var Ephemeral = &CacheControl{Type: "ephemeral"}

// TextBlock is one block of the system prompt.
type TextBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// Message is one conversational turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model       string      `json:"model"`
	MaxTokens   int         `json:"max_tokens"`
	Temperature *float64    `json:"temperature,omitempty"`
	System      []TextBlock `json:"system,omitempty"`
	Messages    []Message   `json:"messages"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage is the token split reported by the provider. Pointers distinguish a
// zero count from a missing field.
type Usage struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             *int64 `json:"output_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
}

// Complete reports whether all four categories are present.
func (u *Usage) Complete() bool {
	return u != nil && u.InputTokens != nil && u.OutputTokens != nil &&
		u.CacheCreationInputTokens != nil && u.CacheReadInputTokens != nil
}

type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *Usage         `json:"usage"`
}

// Text concatenates the text blocks of the response.
func (r *MessagesResponse) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

type errorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
