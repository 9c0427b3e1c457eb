// Package llm defines the chat-model client interfaces used by the session
// engine and the post-call scorecard.
//
// The session engine drives one streaming reply per user turn through
// [Streamer]; the scorecard evaluator makes a single blocking call through
// [Completer]. Implementations wrap an OpenAI-compatible chat-completions
// endpoint and must be safe for concurrent use.
package llm

import "context"

// Conversation roles. History entries only ever carry these two; the system
// prompt is owned by the client, not the history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in the rolling conversation history.
type Message struct {
	// Role is RoleUser or RoleAssistant.
	Role string `json:"role"`

	// Content is the text of the message.
	Content string `json:"content"`
}

// Streamer produces one lazy token stream per user turn.
//
// The channel returned by StreamReply is closed by the implementation when
// generation finishes, the context is cancelled, or Cancel is called. Callers
// must drain the channel to avoid goroutine leaks.
type Streamer interface {
	// StreamReply sends the client's persona prompt, the supplied history,
	// and userText as the live user message, and returns a channel of
	// non-empty text deltas in generation order.
	StreamReply(ctx context.Context, userText string, history []Message) (<-chan string, error)

	// Cancel closes the underlying stream of the in-flight StreamReply call,
	// if any. Subsequent deltas cease promptly. Safe to call at any time.
	Cancel()
}

// Completer makes a single non-streaming completion call. Used for stateless
// work such as scoring a finished call transcript.
type Completer interface {
	// Complete sends prompt as a lone user message and returns the model's
	// full reply text.
	Complete(ctx context.Context, prompt string) (string, error)
}
