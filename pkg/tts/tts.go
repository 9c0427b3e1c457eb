// Package tts defines the speech-synthesis client interface used by the
// session engine.
//
// A Synthesizer turns one text segment into a lazy stream of raw PCM blocks.
// The segment is the unit of synthesis: the session engine feeds segments one
// at a time and interleaves audio delivery with the next segment's synthesis.
// Stop exists for barge-in — it must abort the current stream within a speech
// frame, not after the segment finishes.
package tts

import "context"

// Synthesizer is the abstraction over a streaming TTS backend.
//
// Implementations must be safe for concurrent use of Stop against a running
// Synthesize, but callers never run two Synthesize calls concurrently for the
// same session.
type Synthesizer interface {
	// Synthesize streams the synthesis of text. The returned channel emits
	// raw PCM byte blocks in generation order and is closed when synthesis
	// completes, ctx is cancelled, or Stop is called. Empty or whitespace-only
	// text yields an immediately closed channel. Callers must drain the
	// channel.
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)

	// Stop aborts the in-flight synthesis, if any. The active channel closes
	// promptly. Safe to call at any time, including with no synthesis active.
	Stop()

	// Close releases the connection pool. The Synthesizer must not be used
	// afterwards.
	Close() error
}
