package health

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/topicbus/messaging"
)

// TransportChecker checks a transport's lifecycle state and, when the
// transport supports it, probes its backend
type TransportChecker struct {
	name      string
	transport messaging.Transport
}

// NewTransportChecker creates a checker for transport
func NewTransportChecker(name string, transport messaging.Transport) *TransportChecker {
	if name == "" {
		name = "transport"
	}
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if sr, ok := c.transport.(messaging.StateReporter); ok {
		state := sr.State()
		result.Details["state"] = state.String()
		if state != messaging.StateStarted {
			result.Status = StatusUnhealthy
			result.Message = "Transport is not started"
			result.Error = messaging.ErrNotStarted.Error()
			result.Duration = time.Since(start)
			return result
		}
	}

	if subs, ok := c.transport.(interface {
		Subscriptions() (active []string, pending int)
	}); ok {
		active, pending := subs.Subscriptions()
		result.Details["subscriptions"] = len(active)
		result.Details["pending_subscriptions"] = pending
	}

	hc, ok := c.transport.(messaging.HealthChecker)
	if !ok {
		result.Status = StatusHealthy
		result.Message = "Transport does not support probing"
		result.Duration = time.Since(start)
		return result
	}

	if err := hc.HealthCheck(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Backend probe failed"
		if errors.Is(err, context.DeadlineExceeded) {
			result.Status = StatusDegraded
			result.Message = "Backend probe timed out"
		}
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Transport is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RuntimeChecker checks the goroutine count against thresholds
type RuntimeChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewRuntimeChecker creates a runtime checker. Non-positive thresholds disable
// the corresponding level.
func NewRuntimeChecker(warningThreshold, criticalThreshold int) *RuntimeChecker {
	return &RuntimeChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.criticalThreshold > 0 && goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case c.warningThreshold > 0 && goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

// CheckFunc creates a checker that is healthy when fn returns nil
func CheckFunc(name string, fn func(ctx context.Context) error) *ComponentChecker {
	return NewComponentChecker(name, func(ctx context.Context) (Status, string, map[string]any, error) {
		if err := fn(ctx); err != nil {
			return StatusUnhealthy, "Check failed", nil, err
		}
		return StatusHealthy, "", nil, nil
	})
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
