// Package mock provides a test double for the asr.Client interface.
//
// Use Client in session-engine tests to inject final transcripts and voice
// events without a live recognizer, and to inspect the PCM frames the engine
// forwarded.
package mock

import (
	"context"
	"sync"

	"github.com/pitchdrill/pitchdrill/pkg/asr"
)

// Client is a mock implementation of asr.Client.
// Zero values make every method succeed; set Err fields to inject failures.
type Client struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// SendErr, if non-nil, is returned by SendPCM.
	SendErr error

	// SendDelay, if non-nil, is received from before each SendPCM returns.
	// Lets tests hold the ASR leg busy to exercise backpressure.
	SendDelay chan struct{}

	// --- Call records (read after test) ---

	// Sent records every PCM frame passed to SendPCM, in order.
	Sent [][]byte

	// OpenCount and CloseCount count invocations.
	OpenCount  int
	CloseCount int

	handlers asr.Handlers
}

var _ asr.Client = (*Client)(nil)

// Open records the handlers for later injection via EmitFinal and EmitVoice.
func (c *Client) Open(_ context.Context, h asr.Handlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCount++
	if c.OpenErr != nil {
		return c.OpenErr
	}
	c.handlers = h
	return nil
}

// SendPCM records the frame. If SendDelay is set, it blocks until the test
// sends on (or closes) the channel.
func (c *Client) SendPCM(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	delay := c.SendDelay
	c.mu.Unlock()
	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	c.Sent = append(c.Sent, cp)
	return nil
}

// Close increments CloseCount.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCount++
	return nil
}

// EmitFinal invokes the registered final handler, as the recognizer would.
func (c *Client) EmitFinal(text string) {
	c.mu.Lock()
	h := c.handlers.OnFinal
	c.mu.Unlock()
	if h != nil {
		h(text)
	}
}

// EmitVoice invokes the registered voice handler.
func (c *Client) EmitVoice(evt asr.VoiceEvent) {
	c.mu.Lock()
	h := c.handlers.OnVoice
	c.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// SentFrames returns a copy of the recorded frames.
func (c *Client) SentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.Sent))
	copy(out, c.Sent)
	return out
}
