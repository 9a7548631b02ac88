package anthropic

import "strings"

// Roles accepted in Message.Role. Anything else is sent as a user turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageRequest is a single Messages API call.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64
}

// SystemBlock is one block of the system prompt.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl marks a prompt cache breakpoint. TTL is "5m" or "1h"; empty
// uses the API default.
type CacheControl struct {
	TTL string
}

// Message is one conversational turn.
type Message struct {
	Role    string
	Content string
}

// CachedSystem returns text as a single system block with a five minute
// cache breakpoint. A campaign's agent prompt is identical for every
// participant of a batch, so later compositions read it from cache.
func CachedSystem(text string) []SystemBlock {
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: "5m"}}}
}

// MessageResponse is the subset of the API response the composer reads.
type MessageResponse struct {
	ID           string
	Model        string
	Content      []ContentBlock
	StopReason   string
	StopSequence string
	Usage        TokenUsage
}

// ContentBlock is one block of response content.
type ContentBlock struct {
	Type string
	Text string
}

// Text joins the non-empty text blocks with newlines and trims the result.
func (r *MessageResponse) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type != "text" || c.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.Text)
	}
	return strings.TrimSpace(b.String())
}
