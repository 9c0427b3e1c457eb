package session

import (
	"context"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// segmentCharBudget forces a flush of the segment buffer even without a
	// boundary, keeping time-to-first-audio bounded on run-on replies.
	segmentCharBudget = 250

	// segmentBuf is the depth of the channel between segmenter and TTS
	// consumer. Sized to absorb a fast model without blocking token flow.
	segmentBuf = 16

	// hangupMarker is the token the prospect emits to end the call. It is
	// stripped from synthesis and history.
	hangupMarker = "[HANGUP]"
)

// segmentBoundary matches sentence-ending punctuation runs or a newline.
var segmentBoundary = regexp.MustCompile(`[.!?…]+|\n`)

// segment is one speakable unit of the reply. final marks the prospect's
// closing words.
type segment struct {
	text  string
	final bool
}

// runTurn generates and speaks one reply to userText. The segmenter streams
// model deltas and cuts them into segments; the consumer synthesizes each
// segment and pushes audio to the sink. Cancellation (barge-in, stop) unwinds
// both without touching the history.
func (s *Session) runTurn(ctx context.Context, seq uint64, userText string) {
	utext := strings.TrimSpace(userText)
	if utext == "" {
		return
	}

	log := s.log.With("turn", seq)
	histForLLM := s.hist.snapshotForTurn(utext)
	turnStart := time.Now()

	segQ := make(chan segment, segmentBuf)
	var replyParts []string

	g, gctx := errgroup.WithContext(ctx)

	// Segmenter: model deltas → segments.
	g.Go(func() error {
		defer close(segQ)

		stream, err := s.llm.StreamReply(gctx, utext, histForLLM)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordProviderError(gctx, "llm", "stream")
			}
			return err
		}

		var buf strings.Builder
		firstToken := true
		hungUp := false

		flush := func() bool {
			text := strings.TrimSpace(buf.String())
			buf.Reset()
			if text == "" {
				return true
			}
			final := strings.Contains(text, hangupMarker)
			if final {
				hungUp = true
				text = strings.TrimSpace(strings.ReplaceAll(text, hangupMarker, ""))
			}
			if text == "" && !final {
				return true
			}
			select {
			case segQ <- segment{text: text, final: final}:
				return true
			case <-gctx.Done():
				return false
			}
		}

		for tok := range stream {
			if gctx.Err() != nil {
				go drainTokens(stream)
				return gctx.Err()
			}
			replyParts = append(replyParts, tok)
			if s.events != nil {
				s.events.LLMToken(tok)
			}
			if firstToken {
				firstToken = false
				if s.metrics != nil {
					s.metrics.LLMFirstToken.Record(gctx, time.Since(turnStart).Seconds())
				}
				log.Debug("first model delta", "latency", time.Since(turnStart))
			}

			buf.WriteString(tok)
			if buf.Len() >= segmentCharBudget || segmentBoundary.MatchString(buf.String()) {
				if !flush() {
					go drainTokens(stream)
					return gctx.Err()
				}
				if hungUp {
					// The prospect hung up; whatever the model says next
					// is never spoken.
					s.llm.Cancel()
					go drainTokens(stream)
					return nil
				}
			}
		}
		if !flush() {
			return gctx.Err()
		}
		return nil
	})

	// Consumer: segments → audio. Keeps draining segQ after cancellation so
	// the segmenter never blocks.
	g.Go(func() error {
		for seg := range segQ {
			if gctx.Err() != nil {
				continue
			}

			segStart := time.Now()
			audio, err := s.tts.Synthesize(gctx, seg.text)
			if err != nil {
				// A failed segment is skipped, not fatal: the call goes on.
				log.Warn("segment synthesis failed", "err", err)
				if s.metrics != nil {
					s.metrics.RecordProviderError(gctx, "tts", "synthesize")
				}
				continue
			}

			gotAudio := false
			for pcm := range audio {
				if len(pcm) == 0 || gctx.Err() != nil {
					continue
				}
				if !gotAudio {
					gotAudio = true
					if s.events != nil {
						s.events.AudioStart()
					}
					if s.metrics != nil {
						s.metrics.TTSFirstAudio.Record(gctx, time.Since(segStart).Seconds())
					}
					log.Debug("first segment audio", "latency", time.Since(segStart))
				}
				if s.events != nil {
					s.events.AudioChunk(pcm)
				}
			}
			if gctx.Err() != nil {
				continue
			}

			if s.events != nil {
				s.events.SegmentDone(seg.final)
			}
			if seg.final {
				if s.metrics != nil {
					s.metrics.RecordHangup(gctx, s.persona)
				}
				if s.events != nil {
					s.events.Hangup("")
				}
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil || ctx.Err() != nil {
		log.Info("turn cancelled", "err", err)
		return
	}

	// Only a turn that ran to completion reaches the history.
	reply := strings.TrimSpace(strings.ReplaceAll(strings.Join(replyParts, ""), hangupMarker, ""))
	if reply != "" {
		s.hist.appendAssistant(reply)
	}

	if s.metrics != nil {
		s.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	}
	if s.events != nil {
		s.events.TurnDone()
	}
}

// drainTokens discards the rest of a cancelled model stream so the provider's
// forwarding goroutine can exit.
func drainTokens(ch <-chan string) {
	for range ch {
	}
}
