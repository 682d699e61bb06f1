package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/terminal-bench/repairgym/internal/archive"
	"github.com/terminal-bench/repairgym/internal/catalog"
	"github.com/terminal-bench/repairgym/internal/episode"
	"github.com/terminal-bench/repairgym/internal/events"
	"github.com/terminal-bench/repairgym/internal/history"
)

// Env is the episode controller the server drives.
type Env interface {
	Reset(ctx context.Context) (episode.State, error)
	Step(ctx context.Context, wire string) (episode.StepResult, error)
	Close(ctx context.Context) error
	State() episode.State
	Catalog() *catalog.Catalog
	Transcript() ([]byte, error)
}

// Streamer upgrades a request onto the live step stream.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request) error
}

// History looks up stored episodes.
type History interface {
	GetEpisode(ctx context.Context, id string) (*history.Episode, error)
	ListSteps(ctx context.Context, episodeID string) ([]events.StepEvent, error)
}

// Transcripts fetches archived episode transcripts.
type Transcripts interface {
	Fetch(ctx context.Context, episodeID string) ([]byte, error)
}

// Config holds server settings.
type Config struct {
	JWTSecret string
}

// Server exposes one environment over HTTP. Episode calls are serialised so
// steps never overlap.
type Server struct {
	router      *gin.Engine
	env         Env
	stream      Streamer
	history     History
	transcripts Transcripts
	log         *zap.Logger

	mu sync.Mutex
}

// New builds the router. stream, hist and transcripts may be nil.
func New(cfg Config, env Env, stream Streamer, hist History, transcripts Transcripts, log *zap.Logger) *Server {
	s := &Server{
		router:      gin.New(),
		env:         env,
		stream:      stream,
		history:     hist,
		transcripts: transcripts,
		log:         log,
	}
	s.router.Use(gin.Recovery(), s.requestLogger())

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is empty, API authentication is disabled")
	}
	s.setupRoutes(cfg.JWTSecret)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(secret string) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	if secret != "" {
		v1.Use(Auth(secret))
	}
	{
		v1.POST("/episode/reset", s.reset)
		v1.POST("/episode/step", s.step)
		v1.POST("/episode/close", s.close)
		v1.GET("/episode/state", s.state)
		v1.GET("/episode/stream", s.streamSteps)
		v1.GET("/episode/transcript", s.transcript)

		v1.GET("/catalog", s.getCatalog)
		v1.GET("/route", s.route)

		v1.GET("/episodes/:id", s.getEpisode)
		v1.GET("/episodes/:id/steps", s.listSteps)
		v1.GET("/episodes/:id/transcript", s.archivedTranscript)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) reset(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.env.Reset(c.Request.Context())
	if err != nil {
		s.log.Error("reset failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

type stepRequest struct {
	Action string `json:"action"`
}

func (s *Server) step(c *gin.Context) {
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.env.Step(c.Request.Context(), req.Action)
	if errors.Is(err, episode.ErrNotReset) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.log.Error("step failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) close(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.env.Close(c.Request.Context()); err != nil {
		s.log.Error("close failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) state(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, s.env.State())
}

func (s *Server) streamSteps(c *gin.Context) {
	if s.stream == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "streaming is not enabled"})
		return
	}
	if err := s.stream.ServeWS(c.Writer, c.Request); err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
	}
}

const ndjson = "application/x-ndjson"

func (s *Server) transcript(c *gin.Context) {
	body, err := s.env.Transcript()
	if err != nil {
		s.log.Error("encode transcript", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, ndjson, body)
}

// catalogResponse also carries the dependency view: the bugs whose
// prerequisites are fixed by the last test run, and every dependency chain.
type catalogResponse struct {
	Bugs          []catalog.BugRecord `json:"bugs"`
	Categories    map[string][]string `json:"categories"`
	CategoryNames []string            `json:"category_names"`
	Total         int                 `json:"total"`
	Fixed         []string            `json:"fixed"`
	Unblocked     []string            `json:"unblocked"`
	Chains        [][]string          `json:"chains"`
}

func (s *Server) getCatalog(c *gin.Context) {
	cat := s.env.Catalog()
	passed := catalog.NewPassSet(s.env.State().PreviousPassing)

	resp := catalogResponse{
		Bugs:          cat.Bugs(),
		Categories:    cat.Categories(),
		CategoryNames: cat.CategoryNames(),
		Total:         cat.Total(),
		Fixed:         []string{},
		Unblocked:     []string{},
		Chains:        [][]string{},
	}
	fixed := make(map[string]bool, len(resp.Bugs))
	for _, b := range resp.Bugs {
		if cat.IsFixed(b.ID, passed) {
			fixed[b.ID] = true
			resp.Fixed = append(resp.Fixed, b.ID)
		}
	}
	resp.Unblocked = append(resp.Unblocked, cat.Unblocked(fixed)...)
	resp.Chains = append(resp.Chains, cat.DependencyChains()...)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) route(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	suites := s.env.Catalog().Router().Route(path)
	c.JSON(http.StatusOK, gin.H{"path": path, "suites": suites})
}

func (s *Server) getEpisode(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is not enabled"})
		return
	}
	ep, err := s.history.GetEpisode(c.Request.Context(), c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (s *Server) listSteps(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is not enabled"})
		return
	}
	steps, err := s.history.ListSteps(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if steps == nil {
		steps = []events.StepEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

func (s *Server) archivedTranscript(c *gin.Context) {
	if s.transcripts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive is not enabled"})
		return
	}
	body, err := s.transcripts.Fetch(c.Request.Context(), c.Param("id"))
	if errors.Is(err, archive.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, ndjson, body)
}
