// Package inworld provides an Inworld-backed TTS client over the streaming
// voice HTTP API. It implements the tts.Synthesizer interface.
//
// The API returns newline-delimited JSON; each line carries a base64 WAV
// slice in result.audioContent. The 44-byte RIFF header of every slice is
// stripped so the caller receives contiguous raw PCM.
package inworld

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/http2"

	"github.com/pitchdrill/pitchdrill/pkg/tts"
)

const (
	defaultEndpoint   = "https://api.inworld.ai/tts/v1/voice:stream"
	defaultModel      = "inworld-tts-1"
	defaultVoice      = "Olivia"
	defaultSampleRate = 48000

	// synthTemperature matches the voice-quality sweet spot for short
	// conversational segments.
	synthTemperature = 0.85

	// wavHeaderLen is the size of the RIFF header prefixed to every slice.
	wavHeaderLen = 44
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithModel sets the Inworld TTS model ID.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithVoice sets the voice ID.
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithSampleRate sets the output PCM sample rate in Hz. Default 48000.
func WithSampleRate(hz int) Option {
	return func(c *Client) { c.sampleRate = hz }
}

// WithEndpoint overrides the synthesis endpoint. Used by tests.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient replaces the HTTP client. The default forces HTTP/2 so all
// segments of a session multiplex over one connection.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client implements tts.Synthesizer backed by the Inworld streaming API.
type Client struct {
	auth       string
	model      string
	voice      string
	sampleRate int
	endpoint   string
	httpClient *http.Client
	transport  *http2.Transport
	log        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Compile-time assertion that Client satisfies tts.Synthesizer.
var _ tts.Synthesizer = (*Client)(nil)

// New creates an Inworld Client. basicB64 is the pre-encoded Basic credential
// (the part after "Basic ") and must be non-empty.
func New(basicB64 string, opts ...Option) (*Client, error) {
	if basicB64 == "" {
		return nil, errors.New("inworld: basic credential must not be empty")
	}
	t := &http2.Transport{}
	c := &Client{
		auth:       "Basic " + basicB64,
		model:      defaultModel,
		voice:      defaultVoice,
		sampleRate: defaultSampleRate,
		endpoint:   defaultEndpoint,
		transport:  t,
		// No client-level timeout: synthesis streams are long-lived and the
		// per-request context bounds them instead.
		httpClient: &http.Client{Transport: t},
		log:        slog.Default().With("component", "inworld"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ---- wire types ----

// synthRequest is the JSON body of a synthesis request.
type synthRequest struct {
	Text        string      `json:"text"`
	VoiceID     string      `json:"voiceId"`
	ModelID     string      `json:"modelId"`
	Temperature float64     `json:"temperature"`
	AudioConfig audioConfig `json:"audio_config"`
}

type audioConfig struct {
	AudioEncoding   string `json:"audio_encoding"`
	SampleRateHertz int    `json:"sample_rate_hertz"`
}

// streamLine is one NDJSON line of the response body.
type streamLine struct {
	Result struct {
		AudioContent string `json:"audioContent"`
	} `json:"result"`
}

// ---- tts.Synthesizer ----

// Synthesize implements tts.Synthesizer.
func (c *Client) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		ch := make(chan []byte)
		close(ch)
		return ch, nil
	}

	reqCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	body, _ := json.Marshal(synthRequest{
		Text:        text,
		VoiceID:     c.voice,
		ModelID:     c.model,
		Temperature: synthTemperature,
		AudioConfig: audioConfig{
			AudioEncoding:   "LINEAR16",
			SampleRateHertz: c.sampleRate,
		},
	})

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("inworld: build request: %w", err)
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("inworld: synthesis request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("inworld: synthesis status %d: %s", resp.StatusCode, snippet)
	}

	ch := make(chan []byte, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		defer cancel()

		sc := bufio.NewScanner(resp.Body)
		// Slices of a 48 kHz stream can run well past the default token size.
		sc.Buffer(make([]byte, 64<<10), 8<<20)

		for sc.Scan() {
			line := sc.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var sl streamLine
			if err := json.Unmarshal(line, &sl); err != nil {
				c.log.Debug("skipping unparseable line", "err", err)
				continue
			}
			if sl.Result.AudioContent == "" {
				continue
			}
			wav, err := base64.StdEncoding.DecodeString(sl.Result.AudioContent)
			if err != nil {
				c.log.Debug("skipping undecodable slice", "err", err)
				continue
			}
			if len(wav) <= wavHeaderLen {
				continue
			}
			select {
			case ch <- wav[wavHeaderLen:]:
			case <-reqCtx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil && reqCtx.Err() == nil {
			c.log.Warn("synthesis stream read failed", "err", err)
		}
	}()

	return ch, nil
}

// Stop implements tts.Synthesizer. It aborts the active response; the
// in-flight channel closes promptly.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close implements tts.Synthesizer. It releases pooled connections.
func (c *Client) Close() error {
	c.Stop()
	c.transport.CloseIdleConnections()
	return nil
}
