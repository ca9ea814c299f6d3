// Package admin exposes a small local HTTP API for operating a running
// limiter: health, rule status, manual triggers and rules reload.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/thaitype/serverless-rate-limiter/internal/engine"
	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
)

// Controller is the part of engine.Engine the API drives.
type Controller interface {
	Snapshot() *policy.Snapshot
	Status() []engine.RuleStatus
	Trigger(name string) error
}

// ReloadFunc re-reads the rules document and applies it.
type ReloadFunc func(ctx context.Context) error

// RuleView is one entry of GET /v1/rules.
type RuleView struct {
	Name          string               `json:"name"`
	CostType      models.CostType      `json:"costType"`
	Threshold     float64              `json:"threshold"`
	ThresholdType models.ThresholdType `json:"thresholdType"`
	Action        models.Action        `json:"action"`
	Channel       models.ChannelKind   `json:"channel,omitempty"`
	Interval      string               `json:"interval"`
	CoolDown      string               `json:"coolDown"`
	Targets       []string             `json:"targets"`
	Disabled      bool                 `json:"disabled,omitempty"`

	Status *engine.RuleStatus `json:"status,omitempty"`
}

// Server is the admin HTTP server.
type Server struct {
	ctrl   Controller
	reload ReloadFunc
	router *gin.Engine
}

// NewServer builds the routes. reload may be nil, in which case
// POST /v1/reload answers 501.
func NewServer(ctrl Controller, reload ReloadFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{ctrl: ctrl, reload: reload, router: router}
	router.GET("/healthz", s.health)
	v1 := router.Group("/v1")
	v1.GET("/rules", s.rules)
	v1.POST("/rules/:name/trigger", s.trigger)
	v1.POST("/reload", s.doReload)
	v1.GET("/config/hash", s.hash)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("admin server shutdown")
		}
	}()

	log.WithField("addr", addr).Info("admin API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) health(c *gin.Context) {
	snap := s.ctrl.Snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"rules":  len(snap.Enabled()),
		"hash":   snap.Hash,
	})
}

func (s *Server) rules(c *gin.Context) {
	snap := s.ctrl.Snapshot()
	if snap == nil {
		c.JSON(http.StatusOK, []RuleView{})
		return
	}

	status := make(map[string]engine.RuleStatus)
	for _, st := range s.ctrl.Status() {
		status[st.Name] = st
	}

	views := make([]RuleView, 0, len(snap.Rules))
	for _, r := range snap.Rules {
		v := RuleView{
			Name:          r.Name,
			CostType:      r.CostType,
			Threshold:     r.Threshold,
			ThresholdType: r.ThresholdType,
			Action:        r.Action,
			Interval:      r.Interval.String(),
			CoolDown:      r.CoolDown.String(),
			Disabled:      r.Disabled,
			Targets:       make([]string, 0, len(r.TargetResources)),
		}
		if r.Notifies() {
			v.Channel = r.Channel.Type
		}
		for _, t := range r.TargetResources {
			v.Targets = append(v.Targets, t.Identity())
		}
		if st, ok := status[r.Name]; ok {
			v.Status = &st
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) trigger(c *gin.Context) {
	name := c.Param("name")
	err := s.ctrl.Trigger(name)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"triggered": name})
	case errors.Is(err, engine.ErrUnknownRule):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrRuleBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) doReload(c *gin.Context) {
	if s.reload == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reload is not configured"})
		return
	}

	err := s.reload(c.Request.Context())
	var cfgErr *policy.ConfigError
	switch {
	case err == nil:
		hash := ""
		if snap := s.ctrl.Snapshot(); snap != nil {
			hash = snap.Hash
		}
		c.JSON(http.StatusOK, gin.H{"reloaded": true, "hash": hash})
	case errors.As(err, &cfgErr):
		problems := make([]string, 0, len(cfgErr.Errs))
		for _, e := range cfgErr.Errs {
			problems = append(problems, e.Error())
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid rules document", "problems": problems})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) hash(c *gin.Context) {
	snap := s.ctrl.Snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no rules loaded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": snap.Hash})
}

// requestLogger logs every request at debug level through logrus.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("admin request")
	}
}
