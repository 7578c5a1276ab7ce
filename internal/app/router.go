package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/liquida-hr/liquida/internal/observability"
	payrollhttp "github.com/liquida-hr/liquida/internal/payroll/http"
	"github.com/liquida-hr/liquida/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	PayrollHandler *payrollhttp.Handler
	JobsHandler    *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Liquida defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.PayrollHandler != nil {
		r.Route("/api/v1", func(api chi.Router) {
			params.PayrollHandler.Routes(api)
			if params.JobsHandler != nil {
				api.Route("/jobs", func(r chi.Router) {
					params.JobsHandler.MountRoutes(r)
				})
			}
		})
	}

	return r
}
