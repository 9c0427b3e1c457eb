package openaichat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitchdrill/pitchdrill/pkg/llm"
)

// chatRequest mirrors the fields of the completions payload the tests assert
// on.
type chatRequest struct {
	Model       string  `json:"model"`
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type fakeCompletions struct {
	mu       sync.Mutex
	requests []chatRequest

	// streamTokens are emitted as SSE chunks for streaming requests.
	streamTokens []string
	// hold keeps the SSE stream open after the tokens until the client hangs
	// up.
	hold bool

	// reply is the message content for non-streaming requests.
	reply  string
	status int

	srv *httptest.Server
}

func newFakeCompletions(t *testing.T) *fakeCompletions {
	t.Helper()
	f := &fakeCompletions{status: http.StatusOK}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCompletions) handle(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	status, tokens, hold, reply := f.status, f.streamTokens, f.hold, f.reply
	f.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, `{"error":{"message":"upstream unhappy"}}`, status)
		return
	}

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%q}}]}`, reply)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	fl, _ := w.(http.Flusher)
	for _, tok := range tokens {
		fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", tok)
		if fl != nil {
			fl.Flush()
		}
	}
	if hold {
		<-r.Context().Done()
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (f *fakeCompletions) lastRequest(t *testing.T) chatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no request captured")
	}
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, f *fakeCompletions, systemPrompt string) *Client {
	t.Helper()
	c, err := New("sk-test", f.srv.URL, "meta-llama/Llama-4-Scout-17B-16E-Instruct", systemPrompt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func collectTokens(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var out []string
	timeout := time.After(3 * time.Second)
	for {
		select {
		case tok, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, tok)
		case <-timeout:
			t.Fatal("token channel never closed")
		}
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "", "model", ""); err == nil {
		t.Fatal("empty API key accepted")
	}
	if _, err := New("sk", "", "", ""); err == nil {
		t.Fatal("empty model accepted")
	}
}

func TestStreamReplyDeliversTokens(t *testing.T) {
	t.Parallel()

	f := newFakeCompletions(t)
	f.streamTokens = []string{"Hi, ", "this is ", "Joe."}

	c := newTestClient(t, f, "You are Joe.")
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "Hello?"},
		{Role: llm.RoleAssistant, Content: "Joe here."},
	}
	ch, err := c.StreamReply(context.Background(), "Got a minute?", history)
	if err != nil {
		t.Fatalf("StreamReply: %v", err)
	}

	if got := strings.Join(collectTokens(t, ch), ""); got != "Hi, this is Joe." {
		t.Fatalf("reply = %q", got)
	}

	req := f.lastRequest(t)
	if !req.Stream {
		t.Error("request was not streaming")
	}
	if req.Temperature != 0.2 || req.TopP != 1.0 || req.MaxTokens != 256 {
		t.Errorf("sampling = temp %v topP %v max %d", req.Temperature, req.TopP, req.MaxTokens)
	}
	roles := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		roles[i] = m.Role
	}
	want := []string{"system", "user", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if req.Messages[0].Content != "You are Joe." {
		t.Errorf("system prompt = %q", req.Messages[0].Content)
	}
	if last := req.Messages[len(req.Messages)-1]; last.Content != "Got a minute?" {
		t.Errorf("live user text = %q", last.Content)
	}
}

func TestStreamReplyOmitsEmptySystemPrompt(t *testing.T) {
	t.Parallel()

	f := newFakeCompletions(t)
	f.streamTokens = []string{"ok"}

	c := newTestClient(t, f, "")
	ch, err := c.StreamReply(context.Background(), "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	collectTokens(t, ch)

	req := f.lastRequest(t)
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", req.Messages)
	}
}

func TestCancelClosesActiveStream(t *testing.T) {
	t.Parallel()

	f := newFakeCompletions(t)
	f.streamTokens = []string{"partial "}
	f.hold = true

	c := newTestClient(t, f, "prompt")
	ch, err := c.StreamReply(context.Background(), "hi", nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no token before cancel")
	}

	c.Cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("token after cancel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not close after Cancel")
	}
}

func TestCancelWithoutStreamIsSafe(t *testing.T) {
	t.Parallel()

	f := newFakeCompletions(t)
	c := newTestClient(t, f, "")
	c.Cancel()
	c.Cancel()
}

func TestCompleteReturnsContent(t *testing.T) {
	t.Parallel()

	f := newFakeCompletions(t)
	f.reply = `{"criteria":{"opener":true}}`

	c := newTestClient(t, f, "ignored for completions")
	got, err := c.Complete(context.Background(), "evaluate this transcript")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != f.reply {
		t.Fatalf("content = %q", got)
	}

	req := f.lastRequest(t)
	if req.Stream {
		t.Error("completion requested streaming")
	}
	if req.Temperature != 0.1 || req.MaxTokens != 500 {
		t.Errorf("sampling = temp %v max %d", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", req.Messages)
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	t.Parallel()

	f := newFakeCompletions(t)
	f.status = http.StatusBadGateway

	c := newTestClient(t, f, "")
	if _, err := c.Complete(context.Background(), "prompt"); err == nil {
		t.Fatal("Complete succeeded on 502")
	}
}
