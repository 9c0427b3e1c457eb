package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pitchdrill/pitchdrill/internal/observe"
	"github.com/pitchdrill/pitchdrill/internal/persona"
	"github.com/pitchdrill/pitchdrill/internal/session"
	"github.com/pitchdrill/pitchdrill/pkg/asr"
	"github.com/pitchdrill/pitchdrill/pkg/llm"
	"github.com/pitchdrill/pitchdrill/pkg/tts"
)

const (
	// readLimit bounds a single inbound frame. Mic frames are a few KB; the
	// limit only guards against runaway clients.
	readLimit = 1 << 20

	// hangupWatchdog forces the hangup handshake to completion when the
	// client never confirms final audio playback.
	hangupWatchdog = 6 * time.Second
)

// agentHandler upgrades /ws/agent connections and bridges one browser to one
// session engine.
type agentHandler struct {
	personas *persona.Registry
	metrics  *observe.Metrics
	log      *slog.Logger

	// Provider constructors, injected so tests can substitute mocks.
	newASR func() (asr.Client, error)
	newLLM func(systemPrompt string) (llm.Streamer, error)
	newTTS func() (tts.Synthesizer, error)
}

func (h *agentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	c := &callConn{
		handler: h,
		conn:    conn,
		log:     h.log,
	}
	c.run(r.Context())
}

// callConn is the state of one live /ws/agent connection.
type callConn struct {
	handler *agentHandler
	conn    *websocket.Conn
	log     *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	sess     *session.Session
	hangup   bool
	finished bool
}

func (c *callConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close(websocket.StatusNormalClosure, "bye")
	defer func() {
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if sess != nil {
			if err := sess.Close(); err != nil {
				c.log.Warn("session close failed", "err", err)
			}
		}
	}()

	c.sendJSON(ctx, statusEvent{Type: evtStatus, Message: "connected"})

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.log.Debug("connection read ended", "err", err)
			return
		}

		c.mu.Lock()
		hangup, finished := c.hangup, c.finished
		sess := c.sess
		c.mu.Unlock()
		if finished {
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if sess != nil && !hangup {
				sess.FeedPCM(data)
			}

		case websocket.MessageText:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.log.Warn("unparseable control frame", "err", err)
				continue
			}

			switch msg.Type {
			case msgStart:
				if hangup || sess != nil {
					continue
				}
				if err := c.startCall(ctx, msg.Persona); err != nil {
					c.log.Error("call start failed", "err", err)
					c.sendJSON(ctx, statusEvent{Type: evtStatus, Message: "error: " + err.Error()})
					return
				}

			case msgStop:
				if sess != nil {
					sess.Stop()
				}
				c.sendJSON(ctx, typeOnlyEvent{Type: evtDone})
				return

			case msgFinalAudioComplete:
				if hangup {
					c.finishHangup(ctx)
					return
				}
			}
		}
	}
}

// startCall builds the provider legs for the chosen persona and starts the
// session engine.
func (c *callConn) startCall(ctx context.Context, personaID string) error {
	p := c.handler.personas.Lookup(personaID)
	c.log = c.log.With("persona", p.ID)
	c.log.Info("starting call")

	asrC, err := c.handler.newASR()
	if err != nil {
		return err
	}
	streamer, err := c.handler.newLLM(p.SystemPrompt())
	if err != nil {
		asrC.Close()
		return err
	}
	synth, err := c.handler.newTTS()
	if err != nil {
		asrC.Close()
		return err
	}

	sess := session.New(asrC, streamer, synth,
		session.WithMetrics(c.handler.metrics),
		session.WithPersonaID(p.ID),
		session.WithLogger(c.log),
	)

	c.sendJSON(ctx, statusEvent{Type: evtStatus, Message: "initializing"})
	if err := sess.Start(ctx, &wsSink{call: c, ctx: ctx}); err != nil {
		sess.Close()
		return err
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.sendJSON(ctx, statusEvent{Type: evtStatus, Message: "ready"})
	return nil
}

// requestHangup marks the handshake open and arms the watchdog. New input is
// ignored from here; the connection ends when the client confirms playback or
// the watchdog fires.
func (c *callConn) requestHangup(ctx context.Context) {
	c.mu.Lock()
	if c.hangup {
		c.mu.Unlock()
		return
	}
	c.hangup = true
	c.mu.Unlock()

	go func() {
		select {
		case <-time.After(hangupWatchdog):
			c.log.Warn("no playback confirmation, forcing hangup")
			c.finishHangup(ctx)
			c.conn.Close(websocket.StatusNormalClosure, "hangup complete")
		case <-ctx.Done():
		}
	}()
}

// finishHangup completes the handshake: stop the engine, confirm with done.
func (c *callConn) finishHangup(ctx context.Context) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	sess := c.sess
	c.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	c.sendJSON(ctx, typeOnlyEvent{Type: evtDone})
	c.log.Info("hangup complete")
}

// sendJSON writes one outbound control event. Write errors are logged only;
// a dying socket surfaces in the read loop.
func (c *callConn) sendJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal outbound event", "err", err)
		return
	}
	c.writeRaw(ctx, websocket.MessageText, data)
}

func (c *callConn) writeRaw(ctx context.Context, typ websocket.MessageType, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, typ, data); err != nil {
		c.log.Debug("outbound write failed", "err", err)
	}
}

// wsSink adapts session events onto the WebSocket.
type wsSink struct {
	call *callConn
	ctx  context.Context
}

var _ session.Events = (*wsSink)(nil)

func (s *wsSink) ASRFinal(text string) {
	s.call.sendJSON(s.ctx, textEvent{Type: evtASRFinal, Text: text})
}

func (s *wsSink) LLMToken(token string) {
	s.call.sendJSON(s.ctx, textEvent{Type: evtLLMToken, Text: token})
}

func (s *wsSink) AudioStart() {
	s.call.sendJSON(s.ctx, typeOnlyEvent{Type: evtAudioStart})
}

func (s *wsSink) AudioChunk(pcm []byte) {
	s.call.writeRaw(s.ctx, websocket.MessageBinary, pcm)
}

func (s *wsSink) SegmentDone(isFinal bool) {
	s.call.sendJSON(s.ctx, segmentDoneEvent{Type: evtSegmentDone, IsFinal: isFinal})
}

func (s *wsSink) TurnDone() {
	s.call.sendJSON(s.ctx, typeOnlyEvent{Type: evtTurnDone})
}

// Voice passes the recognizer's event through verbatim so the client can
// drive meters and speaking state off the raw payload.
func (s *wsSink) Voice(evt asr.VoiceEvent) {
	if len(evt.Raw) == 0 {
		return
	}
	s.call.writeRaw(s.ctx, websocket.MessageText, evt.Raw)
}

func (s *wsSink) Hangup(reason string) {
	s.call.sendJSON(s.ctx, hangupEvent{Type: evtHangup, Reason: reason})
	s.call.requestHangup(s.ctx)
}
