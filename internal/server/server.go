// Package server exposes the PitchDrill HTTP surface: the /ws/agent call
// endpoint, the post-call feedback API, health and metrics endpoints, and the
// static browser client.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitchdrill/pitchdrill/internal/config"
	"github.com/pitchdrill/pitchdrill/internal/feedback"
	"github.com/pitchdrill/pitchdrill/internal/health"
	"github.com/pitchdrill/pitchdrill/internal/observe"
	"github.com/pitchdrill/pitchdrill/internal/persona"
	"github.com/pitchdrill/pitchdrill/pkg/asr"
	"github.com/pitchdrill/pitchdrill/pkg/asr/fennec"
	"github.com/pitchdrill/pitchdrill/pkg/llm"
	"github.com/pitchdrill/pitchdrill/pkg/llm/openaichat"
	"github.com/pitchdrill/pitchdrill/pkg/tts"
	"github.com/pitchdrill/pitchdrill/pkg/tts/inworld"
)

// Server wires all HTTP routes together.
type Server struct {
	cfg       *config.Config
	personas  *persona.Registry
	evaluator *feedback.Evaluator
	store     *feedback.FileStore
	metrics   *observe.Metrics
	healthH   *health.Handler
	agent     *agentHandler
	log       *slog.Logger
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithFeedbackStore persists every scorecard to the given file store.
func WithFeedbackStore(fs *feedback.FileStore) Option {
	return func(s *Server) { s.store = fs }
}

// WithProviders overrides the per-call provider constructors. Tests use this
// to run the full WebSocket path against mocks.
func WithProviders(
	newASR func() (asr.Client, error),
	newLLM func(systemPrompt string) (llm.Streamer, error),
	newTTS func() (tts.Synthesizer, error),
) Option {
	return func(s *Server) {
		s.agent.newASR = newASR
		s.agent.newLLM = newLLM
		s.agent.newTTS = newTTS
	}
}

// New creates a Server from the validated config. Provider legs are built
// fresh per call so each session gets its own connections and persona prompt.
func New(cfg *config.Config, personas *persona.Registry, evaluator *feedback.Evaluator, metrics *observe.Metrics, healthH *health.Handler, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		personas:  personas,
		evaluator: evaluator,
		metrics:   metrics,
		healthH:   healthH,
		log:       slog.Default().With("component", "server"),
	}
	s.agent = &agentHandler{
		personas: personas,
		metrics:  metrics,
		log:      s.log,
		newASR:   s.buildASR,
		newLLM:   s.buildLLM,
		newTTS:   s.buildTTS,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) buildASR() (asr.Client, error) {
	opts := []fennec.Option{
		fennec.WithSampleRate(s.cfg.ASR.SampleRate),
		fennec.WithChannels(s.cfg.ASR.Channels),
		fennec.WithVAD(fennec.DefaultVAD()),
	}
	if s.cfg.ASR.StreamURL != "" || s.cfg.ASR.TokenURL != "" {
		opts = append(opts, fennec.WithEndpoints(s.cfg.ASR.StreamURL, s.cfg.ASR.TokenURL))
	}
	return fennec.New(s.cfg.ASR.APIKey, opts...)
}

func (s *Server) buildLLM(systemPrompt string) (llm.Streamer, error) {
	return openaichat.New(s.cfg.LLM.APIKey, s.cfg.LLM.BaseURL, s.cfg.LLM.Model, systemPrompt)
}

func (s *Server) buildTTS() (tts.Synthesizer, error) {
	opts := []inworld.Option{
		inworld.WithSampleRate(s.cfg.TTS.SampleRate),
	}
	if s.cfg.TTS.ModelID != "" {
		opts = append(opts, inworld.WithModel(s.cfg.TTS.ModelID))
	}
	if s.cfg.TTS.VoiceID != "" {
		opts = append(opts, inworld.WithVoice(s.cfg.TTS.VoiceID))
	}
	return inworld.New(s.cfg.TTS.APIKey, opts...)
}

// Handler returns the fully assembled HTTP handler: routes, observability
// middleware, and permissive CORS for the browser client.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /ws/agent", s.agent)
	mux.HandleFunc("POST /api/feedback", s.handleFeedback)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.healthH.Register(mux)

	if s.cfg.Server.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.Server.StaticDir)))
	}

	return corsAll(observe.Middleware(s.metrics)(mux))
}

// feedbackRequest is the POST /api/feedback body.
type feedbackRequest struct {
	Transcript []llm.Message `json:"transcript"`
	Persona    string        `json:"persona"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if len(req.Transcript) == 0 {
		http.Error(w, `{"error":"transcript must not be empty"}`, http.StatusBadRequest)
		return
	}

	card, err := s.evaluator.Evaluate(r.Context(), req.Transcript, req.Persona)
	if err != nil {
		s.log.Error("feedback evaluation failed", "err", err)
		http.Error(w, `{"error":"evaluation failed"}`, http.StatusBadGateway)
		return
	}

	if s.store != nil {
		rec := feedback.Record{
			PersonaID: s.personas.Lookup(req.Persona).ID,
			Turns:     len(req.Transcript),
			Scorecard: card,
		}
		if err := s.store.Save(rec); err != nil {
			s.log.Warn("scorecard persist failed", "err", err)
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(card); err != nil {
		s.log.Warn("scorecard write failed", "err", err)
	}
}

// corsAll mirrors the permissive CORS policy of the browser client's dev
// setup: any origin, any method, any headers.
func corsAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
