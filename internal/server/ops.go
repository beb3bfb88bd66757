package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/devherd/devherd/internal/metrics"
	"github.com/devherd/devherd/internal/supervisor"
)

// Ops is the orchestrator's own health and metrics surface, kept separate
// from the control API so it can be scraped without exposing stop/restart.
type Ops struct {
	sup            *supervisor.Supervisor
	metricsEnabled bool
}

func NewOps(sup *supervisor.Supervisor, metricsEnabled bool) *Ops {
	return &Ops{sup: sup, metricsEnabled: metricsEnabled}
}

// Handler returns the ops endpoints:
//
//	GET /healthz  503 while shutting down or any process is failed, 200 otherwise
//	GET /metrics  Prometheus exposition (when enabled)
func (o *Ops) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.GET("/healthz", o.handleHealthz)
	if o.metricsEnabled {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}
	return e
}

type healthzResp struct {
	Status string                      `json:"status"`
	Procs  map[string]supervisor.State `json:"processes"`
}

func (o *Ops) handleHealthz(c echo.Context) error {
	sts, err := o.sup.Status(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, healthzResp{Status: "shutting_down"})
	}
	resp := healthzResp{Status: "ok", Procs: make(map[string]supervisor.State, len(sts))}
	code := http.StatusOK
	for _, st := range sts {
		resp.Procs[st.Name] = st.State
		if st.State == supervisor.StateFailed {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, resp)
}

