// Package api serves the orchestration HTTP surface: chat runs (sync and
// SSE), phase workflows, thread inspection, approval verdicts, the agent
// roster, health, and metrics. Handlers admit runs through the run pool and
// never execute a graph step on the request context, so a client disconnect
// ends the projection, not the run.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crewkit/crewd/pkg/agent"
	"github.com/crewkit/crewd/pkg/checkpoint"
	"github.com/crewkit/crewd/pkg/events"
	"github.com/crewkit/crewd/pkg/graph"
	"github.com/crewkit/crewd/pkg/llm"
	"github.com/crewkit/crewd/pkg/metrics"
	"github.com/crewkit/crewd/pkg/queue"
)

// Config wires the server's collaborators.
type Config struct {
	Executor *graph.Executor
	Pool     *queue.RunPool
	Store    checkpoint.Store
	Agents   *agent.Registry
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Usage    *llm.UsageLog

	// APIKey guards every endpoint except health and metrics when
	// non-empty. Empty disables the check.
	APIKey string

	// ReadTimeout bounds request reads. There is no write timeout: the
	// SSE and WebSocket endpoints hold their response open for the life
	// of a run.
	ReadTimeout time.Duration

	Logger *slog.Logger
}

// Server is the HTTP front end of the orchestration engine.
type Server struct {
	executor *graph.Executor
	pool     *queue.RunPool
	store    checkpoint.Store
	agents   *agent.Registry
	bus      *events.Bus
	connMgr  *events.ConnectionManager
	metrics  *metrics.Metrics
	usage    *llm.UsageLog
	apiKey   string
	logger   *slog.Logger

	engine  *gin.Engine
	httpSrv *http.Server

	readTimeout time.Duration
}

// NewServer builds the server and its route table.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		executor:    cfg.Executor,
		pool:        cfg.Pool,
		store:       cfg.Store,
		agents:      cfg.Agents,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		usage:       cfg.Usage,
		apiKey:      cfg.APIKey,
		logger:      logger.With("component", "api"),
		readTimeout: cfg.ReadTimeout,
	}
	if cfg.Bus != nil {
		s.connMgr = events.NewConnectionManager(cfg.Bus, 10*time.Second)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = s.routes()
	return s
}

// routes builds the gin engine. Health and metrics stay outside the API-key
// group so probes and scrapers need no credentials.
func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(s.logger), recovery(s.logger))

	r.GET("/health", s.healthHandler)
	r.GET("/metrics", s.metricsHandler)
	if s.metrics != nil {
		r.GET("/metrics/prometheus", gin.WrapH(
			promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	protected := r.Group("", apiKeyAuth(s.apiKey))
	{
		protected.POST("/chat", s.chatHandler)
		protected.POST("/chat/stream", s.chatStreamHandler)
		protected.POST("/workflow/:phase", s.workflowHandler)
		protected.GET("/thread/:id", s.threadHandler)
		protected.POST("/thread/:id/approve", s.approveHandler)
		protected.GET("/state/:id", s.stateHandler)
		protected.GET("/agents", s.agentsHandler)
		protected.GET("/events/ws", s.wsHandler)
	}
	return r
}

// Handler exposes the route table for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves HTTP on addr and blocks until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: s.readTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// StartWithListener serves HTTP on an existing listener, for callers that
// need the bound address before serving starts.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:     s.engine,
		ReadTimeout: s.readTimeout,
	}
	return s.httpSrv.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests
// within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
