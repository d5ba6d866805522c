// Package health reports whether a broker and its backend are usable.
//
// Checkers are registered on a Registry, which runs them concurrently and
// folds their results into a single Report. The overall status is the worst
// status of any check.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"golang.org/x/sync/errgroup"
)

// Status is the outcome of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worse returns the more severe of s and other
func (s Status) Worse(other Status) Status {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// CheckResult is the result of one check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checker checks one component
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates every registered check
type Report struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
}

// Healthy reports whether every check passed
func (r Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// Option configures a Registry
type Option func(*Registry)

// WithTimeout bounds each individual check
func WithTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock sets the clock used for timestamps and durations
func WithClock(clock xclock.Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Registry holds named checkers
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
	logger   *slog.Logger
	clock    xclock.Clock
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		checkers: make(map[string]Checker),
		timeout:  5 * time.Second,
		logger:   slog.Default(),
		clock:    xclock.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds checker, replacing any checker with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes the named checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Names returns the registered checker names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every checker concurrently. An empty registry is healthy.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	start := r.clock.Now()
	results := make([]CheckResult, len(checkers))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = r.run(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:    StatusHealthy,
		Checks:    make(map[string]CheckResult, len(results)),
		Timestamp: start,
		Duration:  r.clock.Since(start),
	}
	for _, res := range results {
		report.Checks[res.Name] = res
		report.Status = report.Status.Worse(res.Status)
		if res.Status != StatusHealthy {
			r.logger.Warn("health check not healthy",
				"check", res.Name,
				"status", res.Status,
				"error", res.Error,
			)
		}
	}
	return report
}

func (r *Registry) run(ctx context.Context, c Checker) (result CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.clock.Now()
	defer func() {
		if p := recover(); p != nil {
			result = CheckResult{
				Name:    c.Name(),
				Status:  StatusUnhealthy,
				Message: "check panicked",
				Error:   fmt.Sprint(p),
			}
		}
		result.Name = c.Name()
		if result.Status == "" {
			result.Status = StatusUnhealthy
		}
		if result.Timestamp.IsZero() {
			result.Timestamp = start
		}
		if result.Duration == 0 {
			result.Duration = r.clock.Since(start)
		}
	}()

	return c.Check(ctx)
}
