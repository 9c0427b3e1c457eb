// Package mock provides a test double for the tts.Synthesizer interface.
//
// Synthesizer emits a fixed set of PCM chunks per segment and records every
// segment text, so session-engine tests can assert ordering and cancellation
// without a live TTS backend.
package mock

import (
	"context"
	"sync"

	"github.com/pitchdrill/pitchdrill/pkg/tts"
)

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Chunks is the PCM sequence emitted for every Synthesize call.
	Chunks [][]byte

	// Err, if non-nil, is returned by Synthesize instead of a channel.
	Err error

	// Hold, if non-nil, pauses emission before each chunk until the test
	// sends on (or closes) the channel. Used to barge in mid-segment.
	Hold chan struct{}

	// Segments records the text of every Synthesize call, in order.
	Segments []string

	// StopCount and CloseCount count invocations.
	StopCount  int
	CloseCount int
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesize implements tts.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	s.mu.Lock()
	s.Segments = append(s.Segments, text)
	chunks := make([][]byte, len(s.Chunks))
	copy(chunks, s.Chunks)
	err := s.Err
	hold := s.Hold
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if hold != nil {
				select {
				case <-hold:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Stop implements tts.Synthesizer.
func (s *Synthesizer) Stop() {
	s.mu.Lock()
	s.StopCount++
	s.mu.Unlock()
}

// Close implements tts.Synthesizer.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.mu.Unlock()
	return nil
}

// SegmentTexts returns a copy of the recorded segment texts.
func (s *Synthesizer) SegmentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Segments))
	copy(out, s.Segments)
	return out
}

// Stops returns the number of Stop invocations.
func (s *Synthesizer) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCount
}
