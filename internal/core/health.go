package core

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthCheckTimeout bounds the total time spent in GET /health.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a health check for one critical dependency.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// NewProbe wraps a check function as a named HealthProbe.
func NewProbe(name string, check func(ctx context.Context) error) HealthProbe {
	return funcProbe{name: name, check: check}
}

type funcProbe struct {
	name  string
	check func(ctx context.Context) error
}

func (p funcProbe) Name() string                    { return p.name }
func (p funcProbe) Check(ctx context.Context) error { return p.check(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs all registered probes concurrently. 200 when every
// probe passes, 503 otherwise. Mounted unauthenticated at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	var mu sync.Mutex
	components := make(map[string]componentStatus, len(s.HealthProbes))
	healthy := true

	var g errgroup.Group
	for _, probe := range s.HealthProbes {
		p := probe
		g.Go(func() error {
			status := componentStatus{Status: "healthy"}
			if err := p.Check(ctx); err != nil {
				status = componentStatus{Status: "unhealthy", Message: err.Error()}
			}
			mu.Lock()
			components[p.Name()] = status
			if status.Status != "healthy" {
				healthy = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	resp := healthResponse{Status: "healthy", Components: components}
	code := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	JSON(w, r, code, resp)
}
