// Package server exposes the assistant over per-connection WebSocket
// sessions plus a small REST surface: the current map figure, a point query
// against the default table, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/geoassist/pkg/analysis"
	"github.com/kadirpekel/geoassist/pkg/assistant"
	"github.com/kadirpekel/geoassist/pkg/auth"
	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/docstore"
	"github.com/kadirpekel/geoassist/pkg/llms"
	"github.com/kadirpekel/geoassist/pkg/logger"
	"github.com/kadirpekel/geoassist/pkg/maps"
	"github.com/kadirpekel/geoassist/pkg/observability"
	"github.com/kadirpekel/geoassist/pkg/sqltemplate"
	"github.com/kadirpekel/geoassist/pkg/tables"
	"github.com/kadirpekel/geoassist/pkg/tools"
	"github.com/kadirpekel/geoassist/pkg/utils"
)

const (
	shutdownTimeout = 5 * time.Second
	cleanupTimeout  = 30 * time.Second
)

// Deps are the process-wide services every session shares. Each session
// builds its own assistant and map state on top of them.
type Deps struct {
	Provider llms.Provider
	Planner  *analysis.Planner
	Executor *analysis.Executor
	Runner   *sqltemplate.Runner
	Registry *tables.Registry
	Fields   *docstore.FieldDefinitionStore
	Info     *docstore.SupplementalInfoStore
	Toolsets []*tools.Toolset
	// Counter enables the per-session history token budget when set.
	Counter *utils.TokenCounter
}

func (d Deps) validate() error {
	switch {
	case d.Provider == nil:
		return errors.New("server requires an LLM provider")
	case d.Planner == nil:
		return errors.New("server requires an analysis planner")
	case d.Executor == nil:
		return errors.New("server requires an analysis executor")
	case d.Runner == nil:
		return errors.New("server requires a sql runner")
	case d.Registry == nil:
		return errors.New("server requires a table registry")
	case d.Fields == nil:
		return errors.New("server requires a field definition store")
	case d.Info == nil:
		return errors.New("server requires a supplemental info store")
	}
	return nil
}

// Server hosts the WebSocket sessions and the REST endpoints.
type Server struct {
	cfg       *config.Config
	deps      Deps
	assistCfg assistant.Config
	validator *auth.Validator
	log       *slog.Logger

	httpServer *http.Server

	// baseCtx parents every session; Shutdown cancels it to unwind
	// in-flight turns.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	sessMu   sync.Mutex
	sessions map[string]*session

	figMu      sync.Mutex
	lastFigure maps.Figure
}

// New wires a server. The JWKS key set is fetched here when auth is
// enabled, so a bad auth configuration fails the boot instead of the first
// request.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	var validator *auth.Validator
	if cfg.Server.Auth.Enabled {
		v, err := auth.NewValidator(ctx, cfg.Server.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize auth: %w", err)
		}
		validator = v
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Server{
		cfg:  cfg,
		deps: deps,
		assistCfg: assistant.Config{
			BaseSchema:        cfg.Database.BaseSchema,
			SmartSearch:       cfg.Stores.SmartSearch,
			FieldTopK:         cfg.Stores.FieldTopK,
			InfoTopK:          cfg.Stores.InfoTopK,
			AnalysisFieldTopK: cfg.Stores.AnalysisFieldTopK,
			AnalysisInfoTopK:  cfg.Stores.AnalysisInfoTopK,
			PromptsDir:        cfg.Agent.PromptsDir,
		},
		validator:  validator,
		log:        logger.With("server"),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		sessions:   make(map[string]*session),
		lastFigure: maps.NewHandler().Figure(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails, then tears the
// sessions down and drops the temporary analysis tables.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.Server.Address(),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: it would sever long-lived WebSocket sessions.
	}

	s.log.Info("Server starting", "address", s.cfg.Server.Address())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return s.Shutdown(context.Background())
	})
	err := group.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if cerr := s.deps.Registry.Cleanup(cleanupCtx); cerr != nil {
		s.log.Warn("Registry cleanup failed", "error", cerr)
	}
	return err
}

// Shutdown closes the sessions first so their handler goroutines unblock,
// then stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Server shutting down")
	s.baseCancel()
	s.closeSessions()

	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// newSession builds the per-connection assistant around a fresh map state.
func (s *Server) newSession(conn *websocket.Conn) (*session, error) {
	ctx, cancel := context.WithCancel(s.baseCtx)

	sess := &session{
		id:           uuid.New().String(),
		conn:         conn,
		mapState:     maps.NewHandler(),
		writeTimeout: s.cfg.Server.WriteTimeout.Duration(),
		onFigure:     s.setFigure,
		ctx:          ctx,
		cancel:       cancel,
	}
	sess.log = s.log.With("session_id", sess.id)

	opts := []assistant.Option{
		assistant.WithEmitter(sess.onAgentEvent),
		assistant.WithAnalysisEmitter(sess.onAnalysisEvent),
	}
	if s.deps.Counter != nil {
		opts = append(opts, assistant.WithHistoryBudget(s.deps.Counter, s.cfg.Agent.HistoryTokenBudget))
	}

	asst, err := assistant.New(ctx, assistant.Deps{
		Provider: s.deps.Provider,
		Planner:  s.deps.Planner,
		Executor: s.deps.Executor,
		Runner:   s.deps.Runner,
		Registry: s.deps.Registry,
		Fields:   s.deps.Fields,
		Info:     s.deps.Info,
		Map:      sess.mapState,
		Toolsets: s.deps.Toolsets,
	}, s.assistCfg, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	sess.assistant = asst
	return sess, nil
}

func (s *Server) trackSession(sess *session) {
	s.sessMu.Lock()
	s.sessions[sess.id] = sess
	s.sessMu.Unlock()
	observability.RecordSessionOpened()
}

func (s *Server) untrackSession(sess *session) {
	s.sessMu.Lock()
	delete(s.sessions, sess.id)
	s.sessMu.Unlock()
	observability.RecordSessionClosed()
}

func (s *Server) closeSessions() {
	s.sessMu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessMu.Unlock()

	for _, sess := range open {
		sess.cancel()
		_ = sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// setFigure records the latest exported figure for GET /map-figure. With
// several sessions open the endpoint reflects whichever updated last.
func (s *Server) setFigure(figure maps.Figure) {
	s.figMu.Lock()
	s.lastFigure = figure
	s.figMu.Unlock()
}

func (s *Server) figure() maps.Figure {
	s.figMu.Lock()
	defer s.figMu.Unlock()
	return s.lastFigure
}
