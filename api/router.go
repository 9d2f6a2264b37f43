// Package api assembles the HTTP surface of the dispatch service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kilianp07/qgdispatch/api/assignments"
	"github.com/kilianp07/qgdispatch/api/events"
	"github.com/kilianp07/qgdispatch/api/incidents"
	"github.com/kilianp07/qgdispatch/api/middleware"
	"github.com/kilianp07/qgdispatch/api/qg"
	"github.com/kilianp07/qgdispatch/core/assignment/logging"
	"github.com/kilianp07/qgdispatch/core/logger"
	"github.com/kilianp07/qgdispatch/core/store"
	"github.com/kilianp07/qgdispatch/internal/eventbus"
)

// Hub is the part of the event hub used by the routes.
type Hub interface {
	eventbus.Notifier
	events.Streamer
	ClientCount() int
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Healthy() bool
}

// Deps are the services behind the routes.
type Deps struct {
	Hub        Hub
	Broker     incidents.Enqueuer
	Decider    qg.Decider
	Requester  qg.Requester
	Assigner   qg.Assigner
	Operators  store.OperatorStore
	AttemptLog logging.LogStore
	// LogToken guards the attempt log endpoint when set.
	LogToken  string
	JWTSecret string
	JWTIssuer string
	// Health lists named dependencies reported by /healthz.
	Health map[string]HealthChecker
	Logger logger.Logger
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	log := logger.OrNop(d.Logger)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logging(log))

	r.GET("/healthz", health(d))
	assignments.NewLogs(d.AttemptLog, d.LogToken).Register(r.Group("/api/assignments"))

	authed := r.Group("/", middleware.Auth(d.JWTSecret, d.JWTIssuer))
	authed.GET("/events", events.Handler(d.Hub, log))
	incidents.NewHandler(d.Broker, d.Hub, log).Register(authed.Group("/incidents"))
	qgGroup := authed.Group("/qg")
	qg.NewProposals(d.Decider, d.Requester).Register(qgGroup.Group("/assignment-proposals"))
	qg.NewVehicles(d.Assigner, d.Operators, log).Register(qgGroup.Group("/vehicles"))
	return r
}

func health(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		checks := map[string]string{}
		for name, h := range d.Health {
			if h == nil || h.Healthy() {
				checks[name] = "ok"
				continue
			}
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
		}
		body := gin.H{"checks": checks}
		if d.Hub != nil {
			body["clients"] = d.Hub.ClientCount()
		}
		c.JSON(status, body)
	}
}

// Server runs the router until its context is cancelled.
type Server struct {
	srv *http.Server
	log logger.Logger
}

// NewServer wraps handler in an http.Server listening on addr.
func NewServer(addr string, handler http.Handler, log logger.Logger) *Server {
	return &Server{
		srv: &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: defaultReadHeaderTimeout},
		log: logger.OrNop(log),
	}
}

// Run serves until ctx is done, then shuts the server down within the
// shutdown context.
func (s *Server) Run(ctx context.Context, shutdown func() (context.Context, context.CancelFunc)) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("http server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	sctx, cancel := shutdown()
	defer cancel()
	return s.srv.Shutdown(sctx)
}

const defaultReadHeaderTimeout = 10 * time.Second
