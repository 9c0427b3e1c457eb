// Package mock provides test doubles for the llm interfaces.
//
// Streamer feeds a scripted sequence of token deltas; Completer returns a
// canned reply. Both record their invocations for later inspection.
package mock

import (
	"context"
	"sync"

	"github.com/pitchdrill/pitchdrill/pkg/llm"
)

// StreamCall records a single invocation of StreamReply.
type StreamCall struct {
	// UserText is the live user message.
	UserText string
	// History is the history snapshot passed alongside it.
	History []llm.Message
}

// Streamer is a mock implementation of llm.Streamer.
// Tokens are emitted in order on the returned channel, then the channel is
// closed. Set Err to fail StreamReply instead.
type Streamer struct {
	mu sync.Mutex

	// Tokens is the scripted delta sequence for every StreamReply call.
	Tokens []string

	// Err, if non-nil, is returned by StreamReply instead of a channel.
	Err error

	// Hold, if non-nil, pauses emission before each token until the test
	// sends on (or closes) the channel. Used to cancel mid-stream.
	Hold chan struct{}

	// StreamCalls records every invocation in order.
	StreamCalls []StreamCall

	// CancelCount counts Cancel invocations.
	CancelCount int
}

var _ llm.Streamer = (*Streamer)(nil)

// StreamReply implements llm.Streamer.
func (s *Streamer) StreamReply(ctx context.Context, userText string, history []llm.Message) (<-chan string, error) {
	s.mu.Lock()
	hist := make([]llm.Message, len(history))
	copy(hist, history)
	s.StreamCalls = append(s.StreamCalls, StreamCall{UserText: userText, History: hist})
	tokens := make([]string, len(s.Tokens))
	copy(tokens, s.Tokens)
	err := s.Err
	hold := s.Hold
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan string)
	go func() {
		defer close(ch)
		for _, tok := range tokens {
			if hold != nil {
				select {
				case <-hold:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Cancel implements llm.Streamer.
func (s *Streamer) Cancel() {
	s.mu.Lock()
	s.CancelCount++
	s.mu.Unlock()
}

// Calls returns a copy of the recorded StreamReply invocations.
func (s *Streamer) Calls() []StreamCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamCall, len(s.StreamCalls))
	copy(out, s.StreamCalls)
	return out
}

// Cancels returns the number of Cancel invocations.
func (s *Streamer) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CancelCount
}

// Completer is a mock implementation of llm.Completer.
type Completer struct {
	mu sync.Mutex

	// Reply is returned by Complete.
	Reply string

	// Err, if non-nil, is returned by Complete.
	Err error

	// Prompts records every prompt passed to Complete.
	Prompts []string
}

var _ llm.Completer = (*Completer)(nil)

// Complete implements llm.Completer.
func (c *Completer) Complete(_ context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prompts = append(c.Prompts, prompt)
	if c.Err != nil {
		return "", c.Err
	}
	return c.Reply, nil
}
