package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/ikrelay/internal/logging"
	"github.com/danmuck/ikrelay/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

var (
	ErrComponentNotFound = errors.New("component not found")
	ErrActionNotFound    = errors.New("action not found")
)

// Server exposes health, metrics and component inspection over HTTP.
type Server struct {
	ID       string
	Registry *Registry
	Started  time.Time
	// Ready reports readiness for /ready. Nil means always ready.
	Ready func() bool

	router *gin.Engine
	log    zerolog.Logger
}

// New builds the admin router for the process named id. Routes are attached
// by RegisterRoutes.
func New(id string, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logging.For("admin")))
	r.Use(observability.RequestMetrics(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		ID:       id,
		Registry: NewRegistry(),
		Started:  time.Now(),
		router:   r,
		log:      logging.For("admin"),
	}
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.Ready == nil || s.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.Started).String(),
			"service": s.ID,
		})
	})

	s.router.GET("/components", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"components": s.Registry.list()})
	})

	s.router.GET("/components/:component", func(c *gin.Context) {
		name := c.Param("component")
		comp, ok := s.Registry.Get(name)
		if !ok || comp == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrComponentNotFound.Error()})
			return
		}
		status, err := comp.Status()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"name": name, "status": status})
	})

	s.router.POST("/components/:component/actions/:action", func(c *gin.Context) {
		out, err := s.ExecuteAction(c.Param("component"), c.Param("action"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrComponentNotFound) || errors.Is(err, ErrActionNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "output": out})
	})
}

// ExecuteAction runs one named action of a registered component.
func (s *Server) ExecuteAction(component, action string) (string, error) {
	comp, ok := s.Registry.Get(component)
	if !ok || comp == nil {
		return "", ErrComponentNotFound
	}
	fn, ok := comp.Actions()[action]
	if !ok {
		return "", ErrActionNotFound
	}

	out, err := fn()
	if err != nil {
		s.log.Error().
			Str("component", component).
			Str("action", action).
			Err(err).
			Msg("component action failed")
		return "", err
	}
	s.log.Info().
		Str("component", component).
		Str("action", action).
		Msg("component action executed")
	return out, nil
}

// HTTPServer wraps the router for addr. The caller owns ListenAndServe and
// Shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
