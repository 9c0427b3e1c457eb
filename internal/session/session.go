// Package session implements the full-duplex conversation engine behind one
// practice call.
//
// The engine mediates three provider legs: inbound mic PCM is pumped to the
// recognizer through a bounded queue, final transcripts start persona turns
// (stream the reply, cut it into speakable segments, synthesize each), and
// speech onsets interrupt whatever the prospect is saying mid-word.
//
// One Session serves exactly one call. All provider I/O runs on goroutines
// owned by the session; the transport only calls [Session.FeedPCM] and
// receives [Events] callbacks.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pitchdrill/pitchdrill/internal/observe"
	"github.com/pitchdrill/pitchdrill/pkg/asr"
	"github.com/pitchdrill/pitchdrill/pkg/llm"
	"github.com/pitchdrill/pitchdrill/pkg/tts"
)

const (
	// inQueueCap bounds the inbound PCM queue. When the recognizer link
	// stalls, the oldest frame is dropped so live audio stays live.
	inQueueCap = 6

	// debounceWindow suppresses verbatim repeats of a final transcript the
	// recognizer emits in quick succession.
	debounceWindow = 220 * time.Millisecond

	// maxHistory caps the conversation log in messages.
	maxHistory = 64

	// bargeCancelWait bounds how long a barge-in waits for the interrupted
	// turn to unwind before moving on.
	bargeCancelWait = 500 * time.Millisecond

	// pumpStopWait and turnStopWait bound Stop's drain of the PCM pump and
	// the active turn respectively.
	pumpStopWait = 2 * time.Second
	turnStopWait = 5 * time.Second
)

// Session is the engine for one live call.
type Session struct {
	id      string
	asrC    asr.Client
	llm     llm.Streamer
	tts     tts.Synthesizer
	events  Events
	metrics *observe.Metrics
	log     *slog.Logger

	// persona is only used for metric attributes.
	persona string

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	// inQ carries mic frames to the pump; a nil frame is the stop sentinel.
	inQ      chan []byte
	qMu      sync.Mutex
	pumpDone chan struct{}

	hist *history

	// bargeMu serialises barge-ins; a barge-in arriving while one is in
	// progress is ignored.
	bargeMu sync.Mutex

	turnMu  sync.Mutex
	turn    *turn
	turnSeq atomic.Uint64

	stopOnce  sync.Once
	closeOnce sync.Once

	// counted mirrors whether this session is in the active-sessions gauge.
	counted atomic.Bool
}

// turn tracks one in-flight reply generation.
type turn struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option is a functional option for configuring a Session.
type Option func(*Session)

// WithMetrics attaches metric instruments. Nil metrics are allowed and mean
// no recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithPersonaID tags the session's metrics with the persona in play.
func WithPersonaID(id string) Option {
	return func(s *Session) { s.persona = id }
}

// WithLogger overrides the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// New creates a Session over the three provider legs. The session does not
// touch any provider until [Session.Start].
func New(asrC asr.Client, streamer llm.Streamer, synth tts.Synthesizer, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		asrC:     asrC,
		llm:      streamer,
		tts:      synth,
		inQ:      make(chan []byte, inQueueCap),
		pumpDone: make(chan struct{}),
		hist:     newHistory(maxHistory),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("session_id", s.id)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// History returns a copy of the conversation so far, for post-call scoring.
func (s *Session) History() []llm.Message { return s.hist.snapshot() }

// Start opens the recognizer link and begins pumping audio. events receives
// every outbound callback for the life of the session. ctx bounds the whole
// session; cancelling it tears everything down.
func (s *Session) Start(ctx context.Context, events Events) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateOpening)) {
		return fmt.Errorf("session: start in state %s", s.State())
	}
	s.events = events
	s.ctx, s.cancel = context.WithCancel(ctx)

	go s.pumpPCM()

	err := s.asrC.Open(s.ctx, asr.Handlers{
		OnFinal: s.onFinal,
		OnVoice: s.onVoice,
	})
	if err != nil {
		s.state.Store(int32(StateClosed))
		s.cancel()
		return fmt.Errorf("session: open recognizer: %w", err)
	}

	s.state.CompareAndSwap(int32(StateOpening), int32(StateReady))
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(s.ctx, 1)
		s.counted.Store(true)
	}
	s.log.Info("session started")
	return nil
}

// FeedPCM enqueues one mic frame without blocking. When the queue is full the
// oldest frame is discarded to make room. Frames arriving outside the
// Opening/Ready states are dropped silently.
func (s *Session) FeedPCM(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	switch s.State() {
	case StateOpening, StateReady:
	default:
		return
	}

	// The lock keeps evict-then-enqueue atomic against concurrent feeders.
	s.qMu.Lock()
	defer s.qMu.Unlock()
	select {
	case s.inQ <- pcm:
		return
	default:
	}
	select {
	case <-s.inQ:
		if s.metrics != nil {
			s.metrics.RecordDroppedFrame(s.ctx)
		}
	default:
	}
	select {
	case s.inQ <- pcm:
	default:
	}
}

// pumpPCM forwards queued frames to the recognizer until the nil sentinel or
// session cancellation. Send failures are logged and the pump keeps running,
// matching the recognizer link's own tolerance for transient errors.
func (s *Session) pumpPCM() {
	defer close(s.pumpDone)
	for {
		select {
		case frame := <-s.inQ:
			if frame == nil {
				return
			}
			if err := s.asrC.SendPCM(s.ctx, frame); err != nil {
				s.log.Warn("pcm forward failed", "err", err)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// onVoice handles recognizer voice events: every event is forwarded to the
// sink, and a speech onset triggers barge-in.
func (s *Session) onVoice(evt asr.VoiceEvent) {
	if s.events != nil {
		s.events.Voice(evt)
	}
	if evt.SpeechOnset() {
		go s.bargeIn()
	}
}

// onFinal handles a final transcript: debounce, record, interrupt any active
// turn, and start the next one.
func (s *Session) onFinal(text string) {
	if !s.hist.noteFinal(text, time.Now(), debounceWindow) {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordASRFinal(s.ctx)
	}
	if s.events != nil {
		s.events.ASRFinal(text)
	}

	s.turnMu.Lock()
	if cur := s.turn; cur != nil {
		select {
		case <-cur.done:
		default:
			s.log.Info("barge-in: new final interrupts active turn")
			cur.cancel()
		}
	}
	s.startTurnLocked(text)
	s.turnMu.Unlock()
}

// startTurnLocked launches the reply turn for userText. Caller holds turnMu.
func (s *Session) startTurnLocked(userText string) {
	turnCtx, cancel := context.WithCancel(s.ctx)
	t := &turn{cancel: cancel, done: make(chan struct{})}
	s.turn = t
	seq := s.turnSeq.Add(1)

	go func() {
		defer close(t.done)
		defer cancel()
		s.runTurn(turnCtx, seq, userText)
	}()
}

// bargeIn interrupts the prospect mid-reply when the caller starts speaking.
// Concurrent barge-ins collapse into one.
func (s *Session) bargeIn() {
	if !s.bargeMu.TryLock() {
		return
	}
	defer s.bargeMu.Unlock()

	// The interrupted turn never reached the history; make sure the user
	// input that started it did.
	s.hist.ensureLastFinal()

	s.turnMu.Lock()
	cur := s.turn
	s.turnMu.Unlock()

	if cur != nil {
		select {
		case <-cur.done:
			cur = nil
		default:
		}
	}
	if cur != nil {
		cur.cancel()
		select {
		case <-cur.done:
		case <-time.After(bargeCancelWait):
			s.log.Warn("turn did not unwind within barge-in wait")
		}
		if s.metrics != nil {
			s.metrics.RecordBargeIn(s.ctx, s.persona)
		}
	}

	s.tts.Stop()
	s.llm.Cancel()
}

// Stop drains the PCM pump and lets the active turn finish or unwind, each
// within a bounded wait. Safe to call multiple times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.state.CompareAndSwap(int32(StateCreated), int32(StateClosed)) {
			return
		}
		s.state.Store(int32(StateClosing))

		// Nil sentinel stops the pump; evict a frame if the queue is full.
		s.qMu.Lock()
		select {
		case s.inQ <- nil:
		default:
			select {
			case <-s.inQ:
			default:
			}
			select {
			case s.inQ <- nil:
			default:
			}
		}
		s.qMu.Unlock()

		select {
		case <-s.pumpDone:
		case <-time.After(pumpStopWait):
			s.log.Warn("pcm pump did not stop in time")
		}

		s.turnMu.Lock()
		cur := s.turn
		s.turnMu.Unlock()
		if cur != nil {
			cur.cancel()
			select {
			case <-cur.done:
			case <-time.After(turnStopWait):
				s.log.Warn("turn did not stop in time")
			}
		}
	})
}

// Close stops the session and releases all provider legs. Safe to call
// multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Stop()
		if s.cancel != nil {
			s.cancel()
		}
		err = s.asrC.Close()
		if cerr := s.tts.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if s.metrics != nil && s.counted.Load() {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		s.state.Store(int32(StateClosed))
		s.log.Info("session closed")
	})
	return err
}
