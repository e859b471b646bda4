package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

type decoded struct {
	status string
	checks map[string]string
}

func decodeReport(t *testing.T, body []byte) decoded {
	t.Helper()
	out := decoded{checks: map[string]string{}}
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "status":
			v, err := d.Str()
			out.status = v
			return err
		case "checks":
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				v, err := d.Str()
				out.checks[string(key)] = v
				return err
			})
		default:
			return d.Skip()
		}
	})
	require.NoError(t, err)
	return out
}

func serve(h http.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]CheckFunc
		runs       int
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
		},
		{
			name:       "all passing",
			checks:     map[string]CheckFunc{"a": passing, "b": passing},
			runs:       3,
			wantStatus: http.StatusOK,
		},
		{
			name:       "below failure threshold",
			checks:     map[string]CheckFunc{"db": failing("refused")},
			runs:       2,
			wantStatus: http.StatusOK,
		},
		{
			name:       "failure threshold reached",
			checks:     map[string]CheckFunc{"db": failing("refused"), "ok": passing},
			runs:       3,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"db": "refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			for name, fn := range tt.checks {
				h.Register(Liveness, name, time.Second, fn)
			}
			for range tt.runs {
				for _, c := range h.checks {
					c.run(context.Background())
				}
			}

			w := serve(h.LiveEndpoint)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			got := decodeReport(t, w.Body.Bytes())
			if tt.wantChecks == nil {
				assert.Equal(t, "ok", got.status)
				assert.Empty(t, got.checks)
				return
			}
			assert.Equal(t, "unhealthy", got.status)
			assert.Equal(t, tt.wantChecks, got.checks)
		})
	}
}

func TestReadyEndpoint_ManualGate(t *testing.T) {
	h := New()
	h.Register(Readiness, "db", time.Second, passing)

	w := serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decodeReport(t, w.Body.Bytes()).checks, "_readiness")

	h.SetReady(true)
	w = serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, w.Code)

	h.SetReady(false)
	w = serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReport_KindsAreSeparate(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.Register(Readiness, "redis", time.Second, failing("timeout"), WithThresholds(1, 1))
	h.Register(Liveness, "goroutines", time.Second, passing)
	for _, c := range h.checks {
		c.run(context.Background())
	}

	assert.True(t, h.Report(Liveness).Healthy)
	r := h.Report(Readiness)
	assert.False(t, r.Healthy)
	assert.Equal(t, map[string]string{"redis": "timeout"}, r.Failures)
}

func TestCheck_Recovery(t *testing.T) {
	var fail bool
	h := New()
	h.Register(Liveness, "flaky", time.Second, func(context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(1, 2))
	c := h.checks[0]

	fail = true
	c.run(context.Background())
	assert.False(t, c.healthy.Load())

	fail = false
	c.run(context.Background())
	assert.False(t, c.healthy.Load(), "one success is below the success threshold")
	c.run(context.Background())
	assert.True(t, c.healthy.Load())
}

func TestCheck_Timeout(t *testing.T) {
	h := New()
	h.Register(Liveness, "slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithThresholds(1, 1))
	h.checks[0].run(context.Background())

	r := h.Report(Liveness)
	require.False(t, r.Healthy)
	assert.Contains(t, r.Failures["slow"], "deadline exceeded")
}

func TestStartStop(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.Register(Readiness, "db", time.Second, failing("refused"), WithThresholds(1, 1))

	h.Start(context.Background(), 5*time.Millisecond)
	defer h.Stop()

	require.Eventually(t, func() bool {
		return !h.Report(Readiness).Healthy
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingCheck(t *testing.T) {
	require.NoError(t, PingCheck(pingerFunc(passing))(context.Background()))

	err := PingCheck(pingerFunc(failing("refused")))(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestGoroutineCountCheck(t *testing.T) {
	require.NoError(t, GoroutineCountCheck(1_000_000)(context.Background()))
	require.Error(t, GoroutineCountCheck(0)(context.Background()))
}
