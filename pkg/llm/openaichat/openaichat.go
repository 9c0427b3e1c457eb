// Package openaichat implements the llm interfaces over any OpenAI-compatible
// chat-completions endpoint.
//
// One Client is created per session with the persona's system prompt baked in;
// the prompt is immutable for the client's lifetime. A second, promptless
// client serves the scorecard evaluator through the Completer interface.
package openaichat

import (
	"context"
	"fmt"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/pitchdrill/pitchdrill/pkg/llm"
)

// Sampling parameters for the live voice reply. Tuned for short, consistent,
// in-character responses.
const (
	replyTemperature = 0.2
	replyTopP        = 1.0
	replyMaxTokens   = 256

	// Scorecard calls want near-deterministic judgements with room for the
	// full JSON payload.
	scoreTemperature = 0.1
	scoreMaxTokens   = 500
)

// Client implements llm.Streamer and llm.Completer using the OpenAI API.
type Client struct {
	client       oai.Client
	model        string
	systemPrompt string

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

// Compile-time interface assertions.
var (
	_ llm.Streamer  = (*Client)(nil)
	_ llm.Completer = (*Client)(nil)
)

// New constructs a Client. systemPrompt may be empty for clients that only
// serve Complete calls.
func New(apiKey, baseURL, model, systemPrompt string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openaichat: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openaichat: model must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}

	return &Client{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		systemPrompt: systemPrompt,
	}, nil
}

// StreamReply implements llm.Streamer.
func (c *Client) StreamReply(ctx context.Context, userText string, history []llm.Message) (<-chan string, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if c.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(c.systemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case llm.RoleAssistant:
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}
	messages = append(messages, oai.UserMessage(userText))

	params := oai.ChatCompletionNewParams{
		Model:            shared.ChatModel(c.model),
		Messages:         messages,
		Temperature:      param.NewOpt(replyTemperature),
		TopP:             param.NewOpt(replyTopP),
		MaxTokens:        param.NewOpt[int64](replyMaxTokens),
		PresencePenalty:  param.NewOpt(0.0),
		FrequencyPenalty: param.NewOpt(0.0),
	}

	streamCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	stream := c.client.Chat.Completions.NewStreaming(streamCtx, params)
	if err := stream.Err(); err != nil {
		c.clearCancel(gen)
		cancel()
		return nil, fmt.Errorf("openaichat: start stream: %w", err)
	}

	ch := make(chan string, 32)
	go func() {
		defer close(ch)
		defer stream.Close()
		defer c.clearCancel(gen)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case ch <- delta:
			case <-streamCtx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && streamCtx.Err() == nil {
			// Mid-stream failures end the turn; the session engine treats a
			// truncated reply like a short one.
			_ = err
		}
	}()

	return ch, nil
}

// Cancel implements llm.Streamer. It aborts the in-flight stream, if any.
func (c *Client) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// clearCancel drops the stored cancel func, but only if no newer stream has
// replaced it since generation gen.
func (c *Client) clearCancel(gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.cancel = nil
	}
	c.mu.Unlock()
}

// Complete implements llm.Completer. The persona prompt is intentionally not
// included; scorecard calls are stateless.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage(prompt),
		},
		Temperature: param.NewOpt(scoreTemperature),
		MaxTokens:   param.NewOpt[int64](scoreMaxTokens),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openaichat: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openaichat: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
