package app

import (
	"context"
	"net/http"
	"time"
)

// Readiness reports whether the process can serve traffic: the database
// answers a ping and the remote annotation API answers a version probe.
type Readiness struct {
	PingDB     func(ctx context.Context) error
	PingRemote func(ctx context.Context) error
	Timeout    time.Duration
}

// NewReadiness constructs a Readiness with a 5s probe timeout.
func NewReadiness(pingDB, pingRemote func(ctx context.Context) error) *Readiness {
	return &Readiness{PingDB: pingDB, PingRemote: pingRemote, Timeout: 5 * time.Second}
}

// Handler answers 200 when every probe passes, 503 otherwise. The
// remote probe is advisory: a degraded remote still reports ready so
// that read endpoints keep serving.
func (r *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), r.Timeout)
		defer cancel()

		if r.PingDB != nil {
			if err := r.PingDB(ctx); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		remote := "ok"
		if r.PingRemote != nil {
			if err := r.PingRemote(ctx); err != nil {
				remote = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"db":"ok","bakta":"` + remote + `"}`))
	}
}
