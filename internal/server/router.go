// Package server exposes the supervisor over HTTP: a control API for
// operators (status, stop, restart) and an ops surface (healthz, metrics).
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devherd/devherd/internal/spec"
	"github.com/devherd/devherd/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the control API.
// Endpoints:
//
//	GET  {basePath}/status          all process states
//	POST {basePath}/stop?name=...   stop one process
//	POST {basePath}/restart?name=.. restart one process, resetting its counter
type Router struct {
	sup      *supervisor.Supervisor
	basePath string
}

func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	return g
}

// NewServer starts the combined HTTP surface on addr: the control API under
// basePath plus /healthz and optionally /metrics. Callers shut it down via
// http.Server.Close or Shutdown.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, metricsEnabled bool) *http.Server {
	mux := http.NewServeMux()
	ops := NewOps(sup, metricsEnabled).Handler()
	mux.Handle("/healthz", ops)
	if metricsEnabled {
		mux.Handle("/metrics", ops)
	}
	mux.Handle("/", NewRouter(sup, basePath).Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	sts, err := r.sup.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	if name := c.Query("name"); name != "" {
		for _, st := range sts {
			if st.Name == name {
				writeJSON(c, http.StatusOK, st)
				return
			}
		}
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown process: " + name})
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.requireName(c)
	if !ok {
		return
	}
	if err := r.sup.Stop(c.Request.Context(), name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := r.requireName(c)
	if !ok {
		return
	}
	if err := r.sup.Restart(c.Request.Context(), name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) requireName(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name required"})
		return "", false
	}
	if !spec.IsSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-], no '..'"})
		return "", false
	}
	return name, true
}
