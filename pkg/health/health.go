// Package health serves liveness and readiness probes.
//
// Checks run in the background on a fixed interval and flip state only after
// consecutive failures or successes reach their thresholds, so a single
// slow ping does not take the service out of rotation.
package health

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// Kind selects the probe a check contributes to.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

// CheckFunc returns nil when the checked dependency is healthy.
type CheckFunc func(ctx context.Context) error

// Option tunes a registered check.
type Option func(*check)

// WithThresholds sets how many consecutive failures mark the check unhealthy
// and how many consecutive successes mark it healthy again.
func WithThresholds(failure, success int) Option {
	return func(c *check) {
		c.failureThreshold = max(1, failure)
		c.successThreshold = max(1, success)
	}
}

// check is run from a single goroutine; healthy and lastErr are read by
// handlers concurrently.
type check struct {
	kind             Kind
	name             string
	timeout          time.Duration
	fn               CheckFunc
	failureThreshold int
	successThreshold int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.lastErr.Store(&err)
	if err != nil {
		c.oks = 0
		c.fails++
		if c.fails >= c.failureThreshold {
			c.healthy.Store(false)
		}
		return
	}
	c.fails = 0
	c.oks++
	if c.oks >= c.successThreshold {
		c.healthy.Store(true)
	}
}

func (c *check) failure() string {
	if p := c.lastErr.Load(); p != nil && *p != nil {
		return (*p).Error()
	}
	return "check is unhealthy"
}

// Health aggregates checks. The service starts not ready; call SetReady once
// initialization is done.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks []*check
	cancel context.CancelFunc
}

// New creates an empty Health.
func New() *Health {
	return &Health{}
}

// Register adds a check. Checks start healthy and default to three failures
// to trip and one success to recover.
func (h *Health) Register(kind Kind, name string, timeout time.Duration, fn CheckFunc, opts ...Option) {
	c := &check{
		kind:             kind,
		name:             name,
		timeout:          timeout,
		fn:               fn,
		failureThreshold: 3,
		successThreshold: 1,
	}
	for _, o := range opts {
		o(c)
	}
	c.healthy.Store(true)

	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// Start runs every registered check once immediately and then on interval
// until Stop or ctx cancellation.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	checks := slices.Clone(h.checks)
	h.mu.Unlock()

	for _, c := range checks {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				c.run(ctx)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
}

// Stop cancels background checks. It is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady toggles the manual readiness gate, e.g. false while draining.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Report is the evaluated state of one probe.
type Report struct {
	Healthy  bool
	Failures map[string]string
}

// Report evaluates the probe from the last recorded check results.
func (h *Health) Report(kind Kind) Report {
	h.mu.RLock()
	checks := slices.Clone(h.checks)
	h.mu.RUnlock()

	failures := make(map[string]string)
	for _, c := range checks {
		if c.kind == kind && !c.healthy.Load() {
			failures[c.name] = c.failure()
		}
	}
	if kind == Readiness && !h.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	return Report{Healthy: len(failures) == 0, Failures: failures}
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, h.Report(Liveness))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, h.Report(Readiness))
}

// writeReport responds 200 {"status":"ok"} or 503 with the failing checks
// sorted by name.
func writeReport(w http.ResponseWriter, r Report) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		if r.Healthy {
			e.Field("status", func(e *jx.Encoder) { e.Str("ok") })
			return
		}
		e.Field("status", func(e *jx.Encoder) { e.Str("unhealthy") })
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, name := range slices.Sorted(maps.Keys(r.Failures)) {
					e.Field(name, func(e *jx.Encoder) { e.Str(r.Failures[name]) })
				}
			})
		})
	})

	status := http.StatusOK
	if !r.Healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
