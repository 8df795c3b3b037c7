package health

import (
	"context"
	"time"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Name identifies the checked component
	Name() string
}

// Report aggregates the results of every registered check.
type Report struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]Result `json:"checks"`
}

// Registry holds the server's health checks. Checks are registered at
// startup and run on every /health request.
type Registry struct {
	checkers []Checker
	timeout  time.Duration
}

// NewRegistry creates a registry with a per-check timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a checker. Not safe for use after the server started.
func (r *Registry) Register(c Checker) {
	r.checkers = append(r.checkers, c)
}

// Run executes every check and aggregates the results. The report is
// healthy only when every individual check passed.
func (r *Registry) Run(ctx context.Context) Report {
	report := Report{
		Healthy: true,
		Checks:  make(map[string]Result, len(r.checkers)),
	}
	for _, c := range r.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
		result := c.Check(checkCtx)
		cancel()
		report.Checks[c.Name()] = result
		if !result.Healthy {
			report.Healthy = false
		}
	}
	return report
}

// run wraps a check body with timing and timestamps.
func run(fn func() error) Result {
	start := time.Now()
	err := fn()
	result := Result{
		Healthy:   err == nil,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Message = err.Error()
	}
	return result
}
