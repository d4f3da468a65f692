// Package server wires the triage control plane together.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	go srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/agentoven/triage/internal/api"
	"github.com/agentoven/triage/internal/api/handlers"
	"github.com/agentoven/triage/internal/audit"
	"github.com/agentoven/triage/internal/capabilities"
	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/internal/embeddings"
	"github.com/agentoven/triage/internal/executor"
	"github.com/agentoven/triage/internal/feedback"
	"github.com/agentoven/triage/internal/planner"
	"github.com/agentoven/triage/internal/rbac"
	"github.com/agentoven/triage/internal/retention"
	"github.com/agentoven/triage/internal/router"
	"github.com/agentoven/triage/internal/sessions"
	"github.com/agentoven/triage/internal/store"
	"github.com/agentoven/triage/internal/telemetry"
	"github.com/agentoven/triage/pkg/models"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Config    *config.Config
	Port      int
	Router    *router.Engine
	Executor  *executor.Executor
	Sessions  *sessions.Memory
	Feedback  *feedback.Loop
	Knowledge *capabilities.KnowledgeBase
	// Janitor purges processed feedback; nil when retention is disabled.
	Janitor  *retention.Janitor
	Recorder *audit.Recorder
	// Ring holds the most recent audit events; nil when disabled.
	Ring *audit.RingSink

	closers []func(context.Context) error
}

// Option overrides a component before wiring. Used by tests and tools.
type Option func(*overrides)

type overrides struct {
	planner  planner.Planner
	embedder embeddings.Embedder
	fbStore  feedback.Store
}

// WithPlanner replaces the configured planner.
func WithPlanner(p planner.Planner) Option { return func(o *overrides) { o.planner = p } }

// WithEmbedder replaces the configured embedder.
func WithEmbedder(e embeddings.Embedder) Option { return func(o *overrides) { o.embedder = e } }

// WithFeedbackStore replaces the SQLite feedback store.
func WithFeedbackStore(s feedback.Store) Option { return func(o *overrides) { o.fbStore = s } }

// New initializes every component from the environment.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	return NewWithConfig(ctx, config.Load(), opts...)
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	var ov overrides
	for _, o := range opts {
		o(&ov)
	}
	srv := &Server{Config: cfg, Port: cfg.Port}
	ok := false
	defer func() {
		if !ok {
			srv.Close(context.Background())
		}
	}()

	// Telemetry
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.closers = append(srv.closers, shutdown)

	// Audit
	sinks := []audit.Sink{audit.NewLogSink(log.Logger)}
	if cfg.Audit.FilePath != "" {
		fs := audit.NewFileSink(cfg.Audit)
		sinks = append(sinks, fs)
		srv.closers = append(srv.closers, func(context.Context) error { return fs.Close() })
	}
	if cfg.Audit.RingSize > 0 {
		srv.Ring = audit.NewRingSink(cfg.Audit.RingSize)
		sinks = append(sinks, srv.Ring)
	}
	srv.Recorder = audit.NewRecorder(sinks)
	log.Info().Int("sinks", len(sinks)).Msg("✅ Audit recorder initialized")

	// Embeddings
	emb := ov.embedder
	if emb == nil {
		base, err := embeddings.New(cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("init embedder: %w", err)
		}
		emb = embeddings.NewCachedEmbedder(base, cfg.Embedding.CacheTTL)
	}

	// Routing
	corpus, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open corpus store: %w", err)
	}
	srv.closers = append(srv.closers, func(context.Context) error { return corpus.Close() })

	fallback, err := parseFlags(cfg.Routing.Fallback)
	if err != nil {
		return nil, fmt.Errorf("fallback capabilities: %w", err)
	}
	srv.Router = router.NewEngine(emb,
		router.WithThreshold(cfg.Routing.Threshold),
		router.WithTopK(cfg.Routing.TopK),
		router.WithFallback(fallback),
		router.WithRecorder(srv.Recorder),
		router.WithStore(corpus),
	)
	if err := srv.Router.Load(ctx); err != nil {
		return nil, fmt.Errorf("load routing corpus: %w", err)
	}
	log.Info().Str("store", corpus.Kind()).Int("examples", len(srv.Router.Examples())).Msg("✅ Routing engine initialized")

	// Permission gate
	policy, err := rbac.LoadPolicy(cfg.Routing.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	gate, err := rbac.NewGate(policy)
	if err != nil {
		return nil, fmt.Errorf("init permission gate: %w", err)
	}

	// Capabilities
	srv.Knowledge = capabilities.NewKnowledgeBase(cfg.Tools.DocsDir, emb, capabilities.ChunkOptions{
		Size:    cfg.Tools.ChunkSize,
		Overlap: cfg.Tools.ChunkOverlap,
	})
	if err := srv.Knowledge.Load(ctx); err != nil {
		log.Warn().Err(err).Str("dir", cfg.Tools.DocsDir).Msg("Knowledge base not loaded")
	}
	var webOpts []capabilities.WebSearchOption
	if cfg.Tools.NVDURL != "" {
		webOpts = append(webOpts, capabilities.WithNVD(
			capabilities.NewNVDClient(cfg.Tools.NVDURL, cfg.Tools.NVDAPIKey, cfg.Tools.KEVURL)))
	}
	caps, err := capabilities.NewRegistry(
		srv.Knowledge,
		capabilities.NewAuthLogs(cfg.Tools.AuthLogDir),
		capabilities.NewWebSearch(cfg.Tools.SearXNGURL, webOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("init capabilities: %w", err)
	}

	// Planner
	p := ov.planner
	if p == nil {
		if p, err = planner.New(cfg.Planner); err != nil {
			return nil, fmt.Errorf("init planner: %w", err)
		}
	}

	// Conversation memory + orchestration loop
	srv.Sessions = sessions.NewMemory(cfg.Memory.TTL, sessions.WithSweepInterval(cfg.Memory.SweepInterval))
	loopOpts := append(executor.FromConfig(cfg.Loop), executor.WithRecorder(srv.Recorder))
	srv.Executor = executor.New(srv.Router, gate, caps, p, srv.Sessions, loopOpts...)
	log.Info().Str("mode", cfg.Loop.Mode).Int("max_iterations", cfg.Loop.MaxIterations).Msg("✅ Orchestration loop initialized")

	// Feedback learning loop
	fb := ov.fbStore
	if fb == nil {
		if cfg.Feedback.DBPath == "" {
			fb = feedback.NewMemoryStore()
		} else if fb, err = feedback.NewSQLiteStore(cfg.Feedback.DBPath); err != nil {
			return nil, fmt.Errorf("open feedback store: %w", err)
		}
	}
	srv.closers = append(srv.closers, func(context.Context) error { return fb.Close() })
	srv.Feedback = feedback.NewLoop(fb, append(feedback.FromConfig(cfg.Feedback), feedback.WithRecorder(srv.Recorder))...)

	if cfg.Retention.Days > 0 {
		srv.Janitor = retention.NewJanitor(fb, cfg.Retention,
			retention.WithArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.Compress)),
			retention.WithRecorder(srv.Recorder),
		)
	}

	srv.Handler = api.NewRouter(cfg, &handlers.Handlers{
		Executor:  srv.Executor,
		Router:    srv.Router,
		Sessions:  srv.Sessions,
		Feedback:  srv.Feedback,
		Gate:      gate,
		Knowledge: srv.Knowledge,
	})
	ok = true
	return srv, nil
}

// Start runs background work (session eviction, feedback retention)
// until ctx is canceled.
func (s *Server) Start(ctx context.Context) {
	if s.Janitor != nil {
		go s.Janitor.Start(ctx)
	}
	s.Sessions.Start(ctx)
}

// Close releases stores, sinks and telemetry in reverse order of creation.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func parseFlags(names []string) (models.CapabilityFlags, error) {
	var f models.CapabilityFlags
	for _, n := range names {
		c, err := models.ParseCapability(n)
		if err != nil {
			return f, err
		}
		f = f.With(c)
	}
	return f, nil
}
