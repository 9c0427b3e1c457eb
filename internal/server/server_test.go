package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pitchdrill/pitchdrill/internal/config"
	"github.com/pitchdrill/pitchdrill/internal/feedback"
	"github.com/pitchdrill/pitchdrill/internal/health"
	"github.com/pitchdrill/pitchdrill/internal/observe"
	"github.com/pitchdrill/pitchdrill/internal/persona"
	"github.com/pitchdrill/pitchdrill/pkg/asr"
	asrmock "github.com/pitchdrill/pitchdrill/pkg/asr/mock"
	"github.com/pitchdrill/pitchdrill/pkg/llm"
	llmmock "github.com/pitchdrill/pitchdrill/pkg/llm/mock"
	"github.com/pitchdrill/pitchdrill/pkg/tts"
	ttsmock "github.com/pitchdrill/pitchdrill/pkg/tts/mock"
)

const passingVerdict = `{
  "criteria": {
    "permission_opener": true,
    "used_research": false,
    "provided_proof": true,
    "checked_relevance": false,
    "asked_preconceptions": false,
    "next_steps": true,
    "meeting_booked": false,
    "confirmed_time": false,
    "success_criteria": false
  },
  "summary": "Ask before pitching",
  "strengths": ["good opener"],
  "improvements": ["book the meeting"]
}`

type testEnv struct {
	srv       *httptest.Server
	completer *llmmock.Completer
	asrC      *asrmock.Client
	streamer  *llmmock.Streamer
	synth     *ttsmock.Synthesizer
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		completer: &llmmock.Completer{Reply: passingVerdict},
		asrC:      &asrmock.Client{},
		streamer:  &llmmock.Streamer{Tokens: []string{"Who is this? "}},
		synth:     &ttsmock.Synthesizer{Chunks: [][]byte{{0x01, 0x02, 0x03}}},
	}

	personas := persona.NewRegistry()
	evaluator := feedback.New(env.completer, personas, nil)

	opts = append([]Option{WithProviders(
		func() (asr.Client, error) { return env.asrC, nil },
		func(string) (llm.Streamer, error) { return env.streamer, nil },
		func() (tts.Synthesizer, error) { return env.synth, nil },
	)}, opts...)

	s := New(&config.Config{}, personas, evaluator, observe.DefaultMetrics(), health.New(), opts...)
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/agent"
}

// wireEvent is the union of all outbound control frames.
type wireEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

func dialAgent(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendControl(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write control: %v", err)
	}
}

// awaitEvent reads frames until one of the named control event arrives,
// recording every frame type seen on the way.
func awaitEvent(t *testing.T, conn *websocket.Conn, want string) (wireEvent, []string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []string
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read (waiting for %q, saw %v): %v", want, seen, err)
		}
		if typ == websocket.MessageBinary {
			seen = append(seen, "binary")
			continue
		}
		var evt wireEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("unparseable event %q: %v", data, err)
		}
		seen = append(seen, evt.Type)
		if evt.Type == want {
			return evt, seen
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func index(haystack []string, needle string) int {
	for i, s := range haystack {
		if s == needle {
			return i
		}
	}
	return -1
}

// ---- /ws/agent ----

func TestAgentCallFlow(t *testing.T) {
	env := newTestEnv(t)
	conn := dialAgent(t, env)

	if evt, _ := awaitEvent(t, conn, "status"); evt.Message != "connected" {
		t.Fatalf("greeting = %+v", evt)
	}

	sendControl(t, conn, map[string]string{"type": "start", "persona": "A"})
	if evt, _ := awaitEvent(t, conn, "status"); evt.Message != "initializing" {
		t.Fatalf("status = %+v", evt)
	}
	if evt, _ := awaitEvent(t, conn, "status"); evt.Message != "ready" {
		t.Fatalf("status = %+v", evt)
	}

	// Mic audio reaches the recognizer leg.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{9, 9, 9, 9}); err != nil {
		t.Fatalf("write pcm: %v", err)
	}
	waitFor(t, "pcm forwarded", func() bool { return len(env.asrC.SentFrames()) == 1 })

	// A committed transcript drives one full turn.
	env.asrC.EmitFinal("Hi, do you have a minute?")
	_, seen := awaitEvent(t, conn, "turn_done")

	for _, want := range []string{"asr_final", "llm_token", "audio_start", "binary", "segment_done"} {
		if index(seen, want) < 0 {
			t.Errorf("missing %q in %v", want, seen)
		}
	}
	if index(seen, "audio_start") > index(seen, "binary") {
		t.Errorf("audio_start after pcm: %v", seen)
	}
	if texts := env.synth.SegmentTexts(); len(texts) == 0 || texts[0] != "Who is this?" {
		t.Errorf("segments = %v", texts)
	}

	sendControl(t, conn, map[string]string{"type": "stop"})
	awaitEvent(t, conn, "done")
}

func TestAgentHangupHandshake(t *testing.T) {
	env := newTestEnv(t)
	env.streamer.Tokens = []string{"Not interested, remove me from your list. [HANGUP]"}

	conn := dialAgent(t, env)
	awaitEvent(t, conn, "status")
	sendControl(t, conn, map[string]string{"type": "start", "persona": "B"})

	env.asrC.EmitFinal("Hi, this is a cold call.")

	_, seen := awaitEvent(t, conn, "hangup")
	segIdx := index(seen, "segment_done")
	if segIdx < 0 || segIdx > index(seen, "hangup") {
		t.Fatalf("segment_done must precede hangup: %v", seen)
	}
	awaitEvent(t, conn, "turn_done")

	// The spoken text never contains the marker.
	for _, text := range env.synth.SegmentTexts() {
		if strings.Contains(text, "[HANGUP]") {
			t.Fatalf("marker reached synthesis: %q", text)
		}
	}

	sendControl(t, conn, map[string]string{"type": "final_audio_complete"})
	awaitEvent(t, conn, "done")
}

func TestAgentStartFailureReportsError(t *testing.T) {
	env := newTestEnv(t)
	env.asrC.OpenErr = context.DeadlineExceeded

	conn := dialAgent(t, env)
	awaitEvent(t, conn, "status")
	sendControl(t, conn, map[string]string{"type": "start"})

	awaitEvent(t, conn, "status") // initializing
	evt, _ := awaitEvent(t, conn, "status")
	if !strings.HasPrefix(evt.Message, "error: ") {
		t.Fatalf("status = %+v", evt)
	}
}

func TestAgentStopWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	conn := dialAgent(t, env)
	awaitEvent(t, conn, "status")

	sendControl(t, conn, map[string]string{"type": "stop"})
	awaitEvent(t, conn, "done")
}

// ---- /api/feedback ----

func postFeedback(t *testing.T, env *testEnv, body string) *http.Response {
	t.Helper()
	resp, err := env.srv.Client().Post(env.srv.URL+"/api/feedback", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestFeedbackEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := postFeedback(t, env, `{
		"persona": "B",
		"transcript": [
			{"role": "user", "content": "Hi Sam, got 30 seconds?"},
			{"role": "assistant", "content": "Make it quick."}
		]
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var card feedback.Scorecard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if card.OverallScore.Correct != 3 || card.OverallScore.Total != 9 {
		t.Errorf("overall = %+v", card.OverallScore)
	}
	if card.Summary != "Ask before pitching" {
		t.Errorf("summary = %q", card.Summary)
	}

	if len(env.completer.Prompts) != 1 {
		t.Fatalf("prompts = %d", len(env.completer.Prompts))
	}
	prompt := env.completer.Prompts[0]
	if !strings.Contains(prompt, "Sales Rep: Hi Sam, got 30 seconds?") ||
		!strings.Contains(prompt, "Prospect: Make it quick.") {
		t.Errorf("prompt missing transcript lines:\n%s", prompt)
	}
}

func TestFeedbackRejectsEmptyTranscript(t *testing.T) {
	env := newTestEnv(t)
	resp := postFeedback(t, env, `{"persona":"A","transcript":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestFeedbackRejectsBadJSON(t *testing.T) {
	env := newTestEnv(t)
	resp := postFeedback(t, env, `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestFeedbackEvaluatorFailure(t *testing.T) {
	env := newTestEnv(t)
	env.completer.Err = context.DeadlineExceeded

	resp := postFeedback(t, env, `{"transcript":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestFeedbackPersistsScorecard(t *testing.T) {
	dir := t.TempDir()
	fs := feedback.NewFileStore(dir + "/cards.jsonl")
	env := newTestEnv(t, WithFeedbackStore(fs))

	resp := postFeedback(t, env, `{"persona":"A","transcript":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

// ---- routing and CORS ----

func TestRoutes(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/healthz", "/readyz", "/health", "/metrics"} {
		resp, err := env.srv.Client().Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/feedback", nil)
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("allow-methods = %q", got)
	}
}
