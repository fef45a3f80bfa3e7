package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// NewServer exposes m on /metrics for processes that serve no other HTTP,
// such as the background worker.
func NewServer(addr string, m *Metrics) *http.Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
