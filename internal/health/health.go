// Package health runs dependency checks for the readiness probe and the gRPC health service.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// Check is one named dependency probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
	// Optional checks are reported but do not fail the overall status.
	Optional bool
}

// Ping wraps a dependency's ping method.
func Ping(name string, fn func(ctx context.Context) error) Check {
	return Check{Name: name, Run: fn}
}

// Configured reports a missing setting without calling anything.
func Configured(name string, ok bool, missing string) Check {
	return Check{Name: name, Optional: true, Run: func(context.Context) error {
		if !ok {
			return fmt.Errorf("%s not set", missing)
		}
		return nil
	}}
}

// CheckAll runs all checks concurrently, each bounded by timeout, and
// returns results in the order given.
func CheckAll(ctx context.Context, timeout time.Duration, checks ...Check) HealthStatus {
	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			err := c.Run(cctx)
			results[i] = CheckResult{Name: c.Name, OK: err == nil, Latency: time.Since(start)}
			if err != nil {
				results[i].Error = err.Error()
			}
		}(i, c)
	}
	wg.Wait()

	allOK := true
	for i, r := range results {
		if !r.OK && !checks[i].Optional {
			allOK = false
		}
	}
	return HealthStatus{OK: allOK, Checks: results, CheckedAt: time.Now().UTC()}
}
