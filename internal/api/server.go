// SPDX-License-Identifier: MIT

// Package api is the loopback control plane: JSON request/response verbs
// for sessions and ports, and SSE/WebSocket streams for logs and events.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/devsupd/devsupd/internal/config"
	"github.com/devsupd/devsupd/internal/log"
	"github.com/devsupd/devsupd/internal/portreg"
	"github.com/devsupd/devsupd/internal/session/manager"
)

// stopDeadline bounds how long a stop or restart verb waits for the session
// to reach a terminal state before returning ErrTimeout. The stop itself
// keeps running; only the caller's wait is bounded.
const stopDeadline = 30 * time.Second

// BuildInfo identifies the running daemon on /version.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Deps are the components the control API drives.
type Deps struct {
	Manager *manager.Manager
	Ports   *portreg.Registry
	Holder  *config.Holder
	Build   BuildInfo
}

// Server owns the router. It holds no request state of its own; everything
// mutable lives in the components behind Deps.
type Server struct {
	deps   Deps
	router chi.Router
	logger zerolog.Logger
}

// New wires the routes.
func New(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler for the HTTP server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	cfg := s.deps.Holder.Get()

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(recoverer)

	// Operational endpoints, unthrottled.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		limited := rateLimit(cfg.HTTPRateLimit)

		r.Route("/sessions", func(r chi.Router) {
			r.With(limited).Post("/", s.handleSessionStart)
			r.Get("/", s.handleSessionList)
			r.With(limited).Post("/stop-all", s.handleSessionStopAll)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleSessionGet)
				r.With(limited).Post("/stop", s.handleSessionStop)
				r.With(limited).Post("/restart", s.handleSessionRestart)
				r.Get("/logs", s.handleLogsTail)
				r.With(limited).Delete("/logs", s.handleLogsClear)
				r.Get("/logs/stream", s.handleLogsSSE)
				r.Get("/logs/ws", s.handleLogsWS)
			})
		})

		r.Route("/ports", func(r chi.Router) {
			r.Get("/", s.handlePortList)
			r.Get("/check", s.handlePortCheck)
			r.Get("/suggest", s.handlePortSuggest)
			r.With(limited).Post("/gc", s.handlePortGC)
			r.Get("/{port}", s.handlePortGet)
		})

		r.Get("/events/stream", s.handleEventsSSE)
		r.Get("/events/ws", s.handleEventsWS)
	})

	return r
}
