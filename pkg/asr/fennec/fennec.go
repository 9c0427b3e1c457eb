// Package fennec provides a Fennec-backed ASR client using the Fennec
// streaming WebSocket API. It implements the asr.Client interface.
//
// Auth flow per the Fennec docs: the long-lived API key is exchanged for a
// short-lived streaming token via an HTTP POST, and the WebSocket is opened
// with the token as a query parameter. The API key is never sent on the
// WebSocket itself.
package fennec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pitchdrill/pitchdrill/pkg/asr"
)

const (
	defaultStreamURL = "wss://api.fennec-asr.com/api/v1/transcribe/stream"
	defaultTokenURL  = "https://api.fennec-asr.com/api/v1/transcribe/streaming-token"

	defaultSampleRate = 16000
	defaultChannels   = 1

	// tokenTimeout bounds the streaming-token exchange.
	tokenTimeout = 10 * time.Second

	// dialTimeout bounds the WebSocket dial.
	dialTimeout = 15 * time.Second

	// readyTimeout bounds the wait for the server's ready event after the
	// start frame is sent.
	readyTimeout = 10 * time.Second

	// closeWait is how long Close waits for the receive loop to drain after
	// the end-of-stream frame.
	closeWait = 1500 * time.Millisecond
)

var (
	// ErrAuthFailed indicates the token exchange was rejected or returned no
	// token. Fatal to the session.
	ErrAuthFailed = errors.New("fennec: streaming token exchange failed")

	// ErrReadyTimeout indicates the recognizer never acknowledged the stream
	// configuration.
	ErrReadyTimeout = errors.New("fennec: timed out waiting for ready")

	// ErrClosed is returned by SendPCM after Close.
	ErrClosed = errors.New("fennec: client is closed")
)

// VADConfig holds the voice-activity-detection block of the start frame.
// Field semantics follow the Fennec streaming API.
type VADConfig struct {
	// Threshold is the speech probability cutoff in [0, 1].
	Threshold float64 `json:"threshold"`

	// MinSilenceMS is the gap length that ends an utterance.
	MinSilenceMS int `json:"min_silence_ms"`

	// SpeechPadMS is audio retained before and after detected speech.
	SpeechPadMS int `json:"speech_pad_ms"`

	// FinalSilenceS is trailing silence before a final is emitted.
	FinalSilenceS float64 `json:"final_silence_s"`

	// StartTriggerMS is the minimum voiced duration before speech onset is
	// declared.
	StartTriggerMS int `json:"start_trigger_ms"`

	// MinVoicedMS, MinChars, and MinWords filter which utterances produce a
	// final at all.
	MinVoicedMS int `json:"min_voiced_ms"`
	MinChars    int `json:"min_chars"`
	MinWords    int `json:"min_words"`

	// AmpExtend is the amplitude-based extension window in milliseconds.
	AmpExtend int `json:"amp_extend"`

	// ForceDecodeMS forces a final after this elapsed time regardless of
	// silence. Zero disables.
	ForceDecodeMS int `json:"force_decode_ms"`

	// Events requests the periodic VAD event stream at EventHz. The client
	// always enables these: barge-in depends on them.
	Events  bool `json:"events"`
	EventHz int  `json:"event_hz"`
}

// DefaultVAD returns the VAD tuning used for conversational turn-taking:
// aggressive finals (50 ms silence) with generous speech padding so barge-in
// triggers within one speech frame.
func DefaultVAD() VADConfig {
	return VADConfig{
		Threshold:      0.6,
		MinSilenceMS:   50,
		SpeechPadMS:    350,
		FinalSilenceS:  0.05,
		StartTriggerMS: 150,
		MinVoicedMS:    100,
		MinChars:       1,
		MinWords:       1,
		AmpExtend:      600,
		ForceDecodeMS:  0,
		Events:         true,
		EventHz:        8,
	}
}

// Eagerness controls how quickly thought detection commits a complete thought.
type Eagerness string

const (
	EagernessLow    Eagerness = "low"
	EagernessMedium Eagerness = "medium"
	EagernessHigh   Eagerness = "high"
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithSampleRate sets the PCM sample rate in Hz. Default 16000.
func WithSampleRate(hz int) Option {
	return func(c *Client) { c.sampleRate = hz }
}

// WithChannels sets the PCM channel count. Default 1.
func WithChannels(n int) Option {
	return func(c *Client) { c.channels = n }
}

// WithVAD replaces the default VAD block. Events and EventHz are forced on
// regardless; the session engine cannot arbitrate barge-in without them.
func WithVAD(v VADConfig) Option {
	return func(c *Client) { c.vad = v }
}

// WithThoughtDetection enables server-side thought detection. The recognizer
// then emits complete_thought (and possibly corrected_transcript) messages.
// forceComplete is the drop-dead time in seconds after which a thought is
// committed regardless of eagerness.
func WithThoughtDetection(e Eagerness, forceComplete float64) Option {
	return func(c *Client) {
		c.detectThoughts = true
		c.eagerness = e
		c.forceComplete = forceComplete
	}
}

// WithRecognitionContext supplies free-text context sent on the start frame to
// bias recognition and thought detection.
func WithRecognitionContext(text string) Option {
	return func(c *Client) { c.context = text }
}

// WithEndpoints overrides the stream and token-service URLs. Used by tests and
// for self-hosted deployments.
func WithEndpoints(streamURL, tokenURL string) Option {
	return func(c *Client) {
		c.streamURL = streamURL
		c.tokenURL = tokenURL
	}
}

// WithHTTPClient replaces the HTTP client used for the token exchange.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client implements asr.Client backed by the Fennec streaming API.
type Client struct {
	apiKey         string
	sampleRate     int
	channels       int
	vad            VADConfig
	detectThoughts bool
	eagerness      Eagerness
	forceComplete  float64
	context        string
	streamURL      string
	tokenURL       string
	httpClient     *http.Client
	log            *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers asr.Handlers
	closed   bool

	ready     chan struct{}
	readyOnce sync.Once
	recvDone  chan struct{}

	loopCtx    context.Context
	loopCancel context.CancelFunc
}

// Compile-time assertion that Client satisfies asr.Client.
var _ asr.Client = (*Client)(nil)

// New creates a Fennec Client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("fennec: apiKey must not be empty")
	}
	c := &Client{
		apiKey:     apiKey,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		vad:        DefaultVAD(),
		streamURL:  defaultStreamURL,
		tokenURL:   defaultTokenURL,
		httpClient: &http.Client{},
		log:        slog.Default().With("component", "fennec"),
		ready:      make(chan struct{}),
		recvDone:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	// VAD events are not optional; readiness of the barge-in path depends on them.
	c.vad.Events = true
	if c.vad.EventHz == 0 {
		c.vad.EventHz = 8
	}
	return c, nil
}

// ---- wire types ----

// startMessage is the first control frame sent after the connection opens.
type startMessage struct {
	Type            string    `json:"type"`
	SampleRate      int       `json:"sample_rate"`
	Channels        int       `json:"channels"`
	SingleUtterance bool      `json:"single_utterance"`
	VAD             VADConfig `json:"vad"`

	DetectThoughts      bool    `json:"detect_thoughts,omitempty"`
	EndThoughtEagerness string  `json:"end_thought_eagerness,omitempty"`
	ForceCompleteTime   float64 `json:"force_complete_time,omitempty"`
	Context             string  `json:"context,omitempty"`
}

// serverMessage is the loose shape of every JSON frame the recognizer sends.
// Unknown fields are ignored; unknown types fall through to the text check.
type serverMessage struct {
	Type  string          `json:"type"`
	Error string          `json:"error"`
	Text  string          `json:"text"`
	Debug json.RawMessage `json:"debug"`
}

// tokenResponse is the body of a successful streaming-token exchange.
type tokenResponse struct {
	Token string `json:"token"`
}

// ---- asr.Client ----

// Open exchanges the API key for a streaming token, dials the WebSocket with
// the token as a query parameter, starts the receive loop, sends the start
// frame, and waits up to 10 s for the server's ready event.
func (c *Client) Open(ctx context.Context, h asr.Handlers) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.handlers = h
	c.mu.Unlock()

	token, err := c.fetchStreamingToken(ctx)
	if err != nil {
		return err
	}
	wsURL, err := urlWithToken(c.streamURL, token)
	if err != nil {
		return fmt.Errorf("fennec: build stream URL: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	// No API key header here; auth is the streaming token in the URL.
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("fennec: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.loopCtx, c.loopCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	// Receiver first, so the ready event cannot race past us.
	go c.recvLoop(conn)

	start := startMessage{
		Type:            "start",
		SampleRate:      c.sampleRate,
		Channels:        c.channels,
		SingleUtterance: false,
		VAD:             c.vad,
	}
	if c.detectThoughts {
		start.DetectThoughts = true
		start.EndThoughtEagerness = string(c.eagerness)
		start.ForceCompleteTime = c.forceComplete
	}
	if c.context != "" {
		start.Context = c.context
	}
	payload, _ := json.Marshal(start)
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		_ = c.Close()
		return fmt.Errorf("fennec: send start frame: %w", err)
	}
	c.log.Info("stream configured",
		"sample_rate", c.sampleRate,
		"detect_thoughts", c.detectThoughts,
	)

	select {
	case <-c.ready:
		return nil
	case <-c.recvDone:
		_ = c.Close()
		return fmt.Errorf("%w: connection closed during handshake", ErrReadyTimeout)
	case <-time.After(readyTimeout):
		_ = c.Close()
		return ErrReadyTimeout
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}
}

// SendPCM blocks until the recognizer is ready, then transmits one binary
// frame. Write errors after readiness are logged and swallowed; the session
// notices a dead link through callback quiescence.
func (c *Client) SendPCM(ctx context.Context, pcm []byte) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return ErrClosed
	}

	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		c.log.Warn("pcm send failed", "err", err)
	}
	return nil
}

// Close sends the end-of-stream frame, closes the connection, and waits up to
// 1.5 s for the receive loop; past that the loop is cancelled outright.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	loopCancel := c.loopCancel
	c.mu.Unlock()

	if conn != nil {
		writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Write(writeCtx, websocket.MessageText, []byte(`{"type":"eos"}`))
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")

		select {
		case <-c.recvDone:
		case <-time.After(closeWait):
			if loopCancel != nil {
				loopCancel()
			}
		}
	}
	c.log.Info("stopped")
	return nil
}

// ---- control frames ----

// SendAIContext primes thought detection with the assistant's current reply.
// No-op unless thought detection is enabled or text is blank.
func (c *Client) SendAIContext(ctx context.Context, text string) error {
	if !c.detectThoughts {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return c.sendControl(ctx, map[string]string{"type": "ai_context", "text": text})
}

// SendThoughtPacket sends both conversation sides to thought detection. Either
// side may be empty; a fully empty packet is a no-op.
func (c *Client) SendThoughtPacket(ctx context.Context, aiText, userText string) error {
	if !c.detectThoughts {
		return nil
	}
	ai := strings.TrimSpace(aiText)
	user := strings.TrimSpace(userText)
	if ai == "" && user == "" {
		return nil
	}
	payload := map[string]string{"type": "thought_packet", "ai_text": ai}
	if user != "" {
		payload["user_text"] = user
	}
	return c.sendControl(ctx, payload)
}

func (c *Client) sendControl(ctx context.Context, obj any) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return ErrClosed
	}
	payload, _ := json.Marshal(obj)
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		c.log.Debug("control send failed", "err", err)
	}
	return nil
}

// ---- internals ----

// fetchStreamingToken exchanges the API key for a short-lived streaming token.
// The key travels in the X-API-Key header; the body is an empty JSON object.
func (c *Client) fetchStreamingToken(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.tokenURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("fennec: token request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("%w: status %d: %s", ErrAuthFailed, resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrAuthFailed, err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("%w: token endpoint returned no token", ErrAuthFailed)
	}
	return tr.Token, nil
}

// urlWithToken merges streaming_token into the query string of raw.
func urlWithToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("streaming_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// recvLoop reads frames until the peer closes or the loop context is
// cancelled. Binary frames are ignored; JSON frames are dispatched by type.
func (c *Client) recvLoop(conn *websocket.Conn) {
	defer close(c.recvDone)
	for {
		typ, data, err := conn.Read(c.loopCtx)
		if err != nil {
			// Peer close or cancellation; the session owns reconnect policy.
			c.log.Debug("receive loop ended", "err", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.dispatch(data)
	}
}

// dispatch routes one JSON frame to the registered handlers. Malformed frames
// are skipped; the connection stays up.
func (c *Client) dispatch(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("skipping malformed frame", "err", err)
		return
	}

	switch {
	case msg.Type == "ready":
		c.readyOnce.Do(func() { close(c.ready) })
		c.log.Info("server ready")
		return

	case msg.Error != "":
		// Server-side errors are informational; the stream continues.
		c.log.Error("server error", "err", msg.Error)
		return

	case msg.Type == "vad" || msg.Type == "utterance":
		c.mu.Lock()
		onVoice := c.handlers.OnVoice
		c.mu.Unlock()
		if onVoice == nil {
			return
		}
		evt := asr.VoiceEvent{Type: msg.Type, Raw: json.RawMessage(data)}
		var detail struct {
			State string `json:"state"`
			Phase string `json:"phase"`
		}
		_ = json.Unmarshal(data, &detail)
		evt.State = detail.State
		evt.Phase = detail.Phase
		onVoice(evt)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		if len(msg.Debug) > 0 {
			c.log.Debug("server debug", "payload", string(msg.Debug))
		}
		return
	}

	switch msg.Type {
	case "complete_thought", "corrected_transcript", "final_transcript", "":
		c.mu.Lock()
		onFinal := c.handlers.OnFinal
		c.mu.Unlock()
		if onFinal != nil {
			onFinal(text)
		}
	default:
		// Partial transcripts and unknown typed messages are discarded.
	}
}
