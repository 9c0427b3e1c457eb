package session

import "github.com/pitchdrill/pitchdrill/pkg/asr"

// Events receives the outbound stream of a live call. The transport adapter
// implements it and serialises each callback onto the browser WebSocket.
//
// Callbacks are invoked from the engine's internal goroutines and must not
// block for long; a slow sink stalls audio delivery for its own session only.
type Events interface {
	// ASRFinal delivers a final user transcript, after debouncing.
	ASRFinal(text string)

	// LLMToken delivers one model delta of the in-flight reply.
	LLMToken(token string)

	// AudioStart fires once per segment, before its first PCM block.
	AudioStart()

	// AudioChunk delivers one block of 48 kHz agent PCM.
	AudioChunk(pcm []byte)

	// SegmentDone fires after a segment's audio has been fully delivered.
	// isFinal marks the prospect's closing segment; the transport should run
	// its hangup handshake after it.
	SegmentDone(isFinal bool)

	// TurnDone fires when a turn completes without interruption.
	TurnDone()

	// Voice forwards a raw recognizer voice event (VAD, utterance phases).
	Voice(evt asr.VoiceEvent)

	// Hangup signals the prospect ended the call.
	Hangup(reason string)
}

// State is the lifecycle phase of a Session.
type State int32

const (
	StateCreated State = iota
	StateOpening
	StateReady
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
