// Package asr defines the streaming speech-recognition client interface used
// by the session engine.
//
// An ASR client maintains a duplex link to a remote recognizer: the caller
// pushes raw PCM frames in, and the client pushes two event streams back —
// committed final transcripts and voice-activity signals. Partial transcripts
// are intentionally not part of the interface; the session engine only acts on
// finals, and voice activity is what drives barge-in.
//
// Implementations must be safe for concurrent use. Handler callbacks are
// invoked from the client's internal receive goroutine and must not block for
// long; the session engine dispatches its own work onto separate goroutines.
package asr

import (
	"context"
	"encoding/json"
)

// VoiceEvent is a voice-activity signal from the recognizer: either a periodic
// speech/silence classification or an utterance boundary marker.
type VoiceEvent struct {
	// Type is "vad" for periodic activity events or "utterance" for boundary
	// markers.
	Type string

	// State is "speech" or "silence". Set only when Type is "vad".
	State string

	// Phase is "begin" or "end". Set only when Type is "utterance".
	Phase string

	// Raw is the original JSON message as received from the recognizer. The
	// transport forwards it to clients verbatim.
	Raw json.RawMessage
}

// SpeechOnset reports whether this event marks the start of user speech —
// the trigger condition for barge-in.
func (e VoiceEvent) SpeechOnset() bool {
	return (e.Type == "utterance" && e.Phase == "begin") ||
		(e.Type == "vad" && e.State == "speech")
}

// Handlers carries the callbacks a Client invokes for recognizer events.
// Either field may be nil; nil handlers are skipped.
type Handlers struct {
	// OnFinal receives each committed transcript, trimmed and non-empty.
	OnFinal func(text string)

	// OnVoice receives voice-activity and utterance-boundary events.
	OnVoice func(evt VoiceEvent)
}

// Client is the duplex streaming ASR abstraction.
//
// The expected lifecycle is Open → SendPCM (repeatedly) → Close. Open blocks
// until the recognizer has acknowledged the stream configuration and is ready
// to accept audio. SendPCM before readiness blocks; SendPCM after Close is an
// error.
type Client interface {
	// Open authenticates, establishes the streaming link, sends the stream
	// configuration, and waits for the recognizer's readiness signal. It must
	// be called at most once per Client.
	Open(ctx context.Context, h Handlers) error

	// SendPCM transmits one frame of raw little-endian 16-bit PCM. It blocks
	// until the client is ready. Transmission errors after readiness are
	// logged by the implementation and not returned; the session detects a
	// dead link by callback quiescence.
	SendPCM(ctx context.Context, pcm []byte) error

	// Close announces end-of-stream to the recognizer, tears down the link,
	// and waits briefly for the receive loop to exit. Safe to call multiple
	// times.
	Close() error
}
