package session

import (
	"strings"
	"sync"
	"time"

	"github.com/pitchdrill/pitchdrill/pkg/llm"
)

// history is the bounded conversation log of one call. It also tracks the
// most recent final transcript for debouncing and barge-in reconciliation.
//
// All methods are safe for concurrent use.
type history struct {
	mu          sync.Mutex
	msgs        []llm.Message
	max         int
	lastFinal   string
	lastFinalAt time.Time
}

func newHistory(max int) *history {
	return &history{max: max}
}

// appendUser appends a user message unless it duplicates the current tail.
func (h *history) appendUser(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLocked(llm.Message{Role: llm.RoleUser, Content: text})
}

// appendAssistant appends an assistant message.
func (h *history) appendAssistant(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLocked(llm.Message{Role: llm.RoleAssistant, Content: text})
}

func (h *history) appendLocked(m llm.Message) {
	if n := len(h.msgs); n > 0 && h.msgs[n-1] == m {
		return
	}
	h.msgs = append(h.msgs, m)
	if len(h.msgs) > h.max {
		h.msgs = h.msgs[len(h.msgs)-h.max:]
	}
}

// snapshotForTurn returns a copy of the history suitable as LLM context for a
// turn on userText: if the tail is the user message being answered, it is
// excluded so the live text is not sent twice.
func (h *history) snapshotForTurn(userText string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.msgs
	if n := len(msgs); n > 0 && msgs[n-1].Role == llm.RoleUser && msgs[n-1].Content == userText {
		msgs = msgs[:n-1]
	}
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}

// snapshot returns a copy of the full history.
func (h *history) snapshot() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// noteFinal records a final transcript for debouncing. It reports whether the
// transcript should be processed: false when it repeats the previous final
// verbatim within the debounce window.
func (h *history) noteFinal(text string, now time.Time, window time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	dup := now.Sub(h.lastFinalAt) < window && trimEq(text, h.lastFinal)
	h.lastFinalAt = now
	if dup {
		return false
	}
	h.lastFinal = text
	h.appendLocked(llm.Message{Role: llm.RoleUser, Content: text})
	return true
}

// ensureLastFinal re-appends the most recent final transcript if it is not
// already the tail. Used on barge-in so the interrupted turn's user input
// survives into the next turn's context.
func (h *history) ensureLastFinal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastFinal == "" {
		return
	}
	h.appendLocked(llm.Message{Role: llm.RoleUser, Content: h.lastFinal})
}

func trimEq(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
