// Package feedback scores a finished practice call against a fixed sales
// rubric.
//
// The transcript is handed to the model with a strict evaluation prompt; the
// model's JSON verdict is then folded into the scorecard shape the browser
// client renders: five categories, nine pass/fail criteria, and an overall
// score.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pitchdrill/pitchdrill/internal/observe"
	"github.com/pitchdrill/pitchdrill/internal/persona"
	"github.com/pitchdrill/pitchdrill/pkg/llm"
)

const rubricPrompt = `You are a sales coach evaluating a cold call transcript. Be strict but fair.

PERSONA CONTEXT:
%s

TRANSCRIPT:
%s

Evaluate against these 9 criteria. For each, return true ONLY if clearly demonstrated:

OPENER (2 criteria):
1. permission_opener: Asked for permission or time before pitching
2. used_research: Referenced specific info about prospect/company

SOCIAL_PROOF (2 criteria):
3. provided_proof: Gave concrete example/case study/metric
4. checked_relevance: Asked if the proof resonated or was relevant

DISCOVERY (1 criterion):
5. asked_preconceptions: Asked what prospect already knows/thinks about the space

CLOSING (2 criteria):
6. next_steps: Proposed clear next action
7. meeting_booked: Got commitment for follow-up

TAKEAWAY (2 criteria):
8. confirmed_time: Re-confirmed availability/timing works
9. success_criteria: Asked what would make next call successful

Also provide:
- summary: One short phrase (max 5 words) capturing main advice
- strengths: Array of 1-2 short strength tags (max 3 words each)
- improvements: Array of 1-2 short improvement tags (max 3 words each)

Return ONLY valid JSON:
{
  "criteria": {
    "permission_opener": bool,
    "used_research": bool,
    "provided_proof": bool,
    "checked_relevance": bool,
    "asked_preconceptions": bool,
    "next_steps": bool,
    "meeting_booked": bool,
    "confirmed_time": bool,
    "success_criteria": bool
  },
  "summary": "string",
  "strengths": ["string"],
  "improvements": ["string"]
}`

// verdict is the model's raw JSON answer.
type verdict struct {
	Criteria     map[string]bool `json:"criteria"`
	Summary      string          `json:"summary"`
	Strengths    []string        `json:"strengths"`
	Improvements []string        `json:"improvements"`
}

// Criterion is one pass/fail line of the scorecard.
type Criterion struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// Score is a correct/total pair.
type Score struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// Category groups related criteria with their sub-score.
type Category struct {
	Name     string      `json:"name"`
	Criteria []Criterion `json:"criteria"`
	Score    Score       `json:"score"`
}

// Scorecard is the full evaluation result returned to the client.
type Scorecard struct {
	OverallScore Score      `json:"overallScore"`
	Categories   []Category `json:"categories"`
	Summary      string     `json:"summary"`
	Strengths    []string   `json:"strengths"`
	Improvements []string   `json:"improvements"`
}

// Evaluator scores call transcripts with a completion model.
type Evaluator struct {
	completer llm.Completer
	personas  *persona.Registry
	metrics   *observe.Metrics
	log       *slog.Logger
}

// New creates an Evaluator. metrics may be nil in tests.
func New(completer llm.Completer, personas *persona.Registry, metrics *observe.Metrics) *Evaluator {
	return &Evaluator{
		completer: completer,
		personas:  personas,
		metrics:   metrics,
		log:       slog.Default().With("component", "feedback"),
	}
}

// Evaluate scores the transcript against the rubric for the given persona.
// Unparseable model output degrades to an all-fail scorecard rather than an
// error; transport failures are returned to the caller.
func (e *Evaluator) Evaluate(ctx context.Context, transcript []llm.Message, personaID string) (*Scorecard, error) {
	start := time.Now()

	p := e.personas.Lookup(personaID)
	prompt := fmt.Sprintf(rubricPrompt, p.Context, formatTranscript(transcript))

	raw, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordProviderError(ctx, "llm", "feedback")
		}
		return nil, fmt.Errorf("feedback: evaluate call: %w", err)
	}

	var v verdict
	if err := json.Unmarshal([]byte(stripFences(raw)), &v); err != nil {
		e.log.Error("unparseable rubric verdict", "err", err)
		v = verdict{Summary: "Analysis failed", Strengths: []string{}, Improvements: []string{}}
	}

	if e.metrics != nil {
		e.metrics.FeedbackDuration.Record(ctx, time.Since(start).Seconds())
	}
	return buildScorecard(v), nil
}

// formatTranscript renders the chat history as a readable call transcript.
func formatTranscript(msgs []llm.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		role := "Prospect"
		if m.Role == llm.RoleUser {
			role = "Sales Rep"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// stripFences removes a Markdown code fence around the model's JSON, if any.
func stripFences(s string) string {
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+len("```"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	return strings.TrimSpace(s)
}

// buildScorecard folds the verdict into the category layout the client
// renders.
func buildScorecard(v verdict) *Scorecard {
	pass := func(key string) bool { return v.Criteria[key] }

	categories := []Category{
		{
			Name: "Opener",
			Criteria: []Criterion{
				{Name: "Permission based opener?", Passed: pass("permission_opener")},
				{Name: "Used research on prospect?", Passed: pass("used_research")},
			},
		},
		{
			Name: "Social Proof",
			Criteria: []Criterion{
				{Name: "Provided social proof?", Passed: pass("provided_proof")},
				{Name: "Asked if social proof was relevant?", Passed: pass("checked_relevance")},
			},
		},
		{
			Name: "Discovery",
			Criteria: []Criterion{
				{Name: "SDR asked for preconceptions?", Passed: pass("asked_preconceptions")},
			},
		},
		{
			Name: "Closing",
			Criteria: []Criterion{
				{Name: "Next steps agreed upon?", Passed: pass("next_steps")},
				{Name: "Follow-up meeting booked?", Passed: pass("meeting_booked")},
			},
		},
		{
			Name: "Takeaway",
			Criteria: []Criterion{
				{Name: "Re-confirmed time works?", Passed: pass("confirmed_time")},
				{Name: "Asked for success criteria?", Passed: pass("success_criteria")},
			},
		},
	}

	var overall Score
	for i := range categories {
		var correct int
		for _, c := range categories[i].Criteria {
			if c.Passed {
				correct++
			}
		}
		categories[i].Score = Score{Correct: correct, Total: len(categories[i].Criteria)}
		overall.Correct += correct
		overall.Total += len(categories[i].Criteria)
	}

	summary := v.Summary
	if summary == "" {
		summary = "Keep improving"
	}
	strengths := v.Strengths
	if strengths == nil {
		strengths = []string{}
	}
	improvements := v.Improvements
	if improvements == nil {
		improvements = []string{}
	}

	return &Scorecard{
		OverallScore: overall,
		Categories:   categories,
		Summary:      summary,
		Strengths:    strengths,
		Improvements: improvements,
	}
}
