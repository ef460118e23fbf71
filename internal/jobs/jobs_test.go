package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSchedulerReportsReadyWhileJobsRun(t *testing.T) {
	sched := New(Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	sched.Submit(ctx, Job{
		Name: "long-runner",
		Execute: func(ctx context.Context, h *Handle) error {
			close(started)
			h.Ready()
			<-ctx.Done()
			return nil
		},
	})
	<-started

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/status", nil)
	sched.Handler().HandleContext(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Ready")
}

func TestSchedulerReportsShutdownAfterAllJobsExit(t *testing.T) {
	sched := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	sched.Submit(ctx, Job{
		Name: "quick-exit",
		Execute: func(ctx context.Context, h *Handle) error {
			<-ctx.Done()
			return nil
		},
	})
	cancel()
	sched.Shutdown()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/status", nil)
	sched.Handler().HandleContext(c)

	assert.Contains(t, w.Body.String(), "Shutdown")
}

func TestSchedulerRestartsFailingJobWithBackoff(t *testing.T) {
	sched := New(Config{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	done := make(chan struct{})
	sched.Submit(ctx, Job{
		Name: "flaky",
		Execute: func(ctx context.Context, h *Handle) error {
			n := atomic.AddInt32(&attempts, 1)
			if n >= 3 {
				close(done)
				return nil
			}
			return assert.AnError
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never reached its third attempt")
	}
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}

func TestSchedulerStopsRestartingAfterMaxRestarts(t *testing.T) {
	sched := New(Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRestarts: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	sched.Submit(ctx, Job{
		Name: "always-fails",
		Execute: func(ctx context.Context, h *Handle) error {
			atomic.AddInt32(&attempts, 1)
			return assert.AnError
		},
	})

	require.Eventually(t, func() bool {
		return sched.allTerminated()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}
