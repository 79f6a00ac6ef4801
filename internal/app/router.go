// Package app assembles the HTTP router and the background services of
// the server process.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/genomeops/amr-service/internal/adapter/httpserver"
	"github.com/genomeops/amr-service/internal/adapter/observability"
	"github.com/genomeops/amr-service/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means allow all.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready *Readiness) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route(routePrefix(cfg.APIPrefix), func(api chi.Router) {
		// Mutating endpoints: rate limited, optionally token guarded.
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			wr.Use(httpserver.BearerAuth(cfg.APIAuthToken))

			wr.Post("/predict", srv.PredictHandler())
			wr.Post("/aggregate", srv.AggregateHandler())
			wr.Post("/sequence", srv.SequenceHandler())
			wr.Post("/visualize", srv.VisualizeHandler())
			wr.Patch("/jobs/{id}", srv.CancelJobHandler())
			wr.Post("/jobs/{id}/parameters", srv.AddParametersHandler())
			wr.Delete("/jobs/{id}", srv.DeleteJobHandler())

			wr.Post("/bakta/jobs", srv.BaktaSubmitHandler())
			wr.Delete("/bakta/jobs/{id}", srv.BaktaDeleteHandler())
		})

		// Read-only endpoints.
		api.Get("/jobs", srv.ListJobsHandler())
		api.Get("/jobs/{id}", srv.GetJobHandler())
		api.Get("/jobs/{id}/history", srv.JobHistoryHandler())
		api.Get("/jobs/{id}/download", srv.DownloadHandler())
		api.Get("/bakta/jobs/{id}", srv.BaktaGetHandler())
		api.Get("/bakta/jobs/{id}/history", srv.BaktaHistoryHandler())
		api.Get("/bakta/jobs/{id}/files/{type}", srv.BaktaFileHandler())
		api.Get("/bakta/jobs/{id}/annotations", srv.BaktaAnnotationsHandler())
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", ready.Handler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}

func routePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
