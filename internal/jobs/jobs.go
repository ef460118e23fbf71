// Package jobs implements the job runtime from spec §4.L: every long-running
// piece of work (heartbeat, proxy, scheduler, recorder, ...) is a named job
// submitted to a scheduler that restarts it with exponential backoff on
// error and exposes a small Ready/Shutdown HTTP status surface. The
// scheduler has no resource-acquisition hook and never aborts a job on
// resource loss.
package jobs

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/metrics"
)

// Handle is passed to a Job's Execute function: signal readiness and
// observe the scheduler's graceful-shutdown request. It offers no
// resource-acquisition call.
type Handle struct {
	ready        func()
	termination  <-chan struct{}
	resourceLost <-chan struct{}
}

// Ready logs that this job's startup is complete. Nothing waits on it:
// /status reports Ready while any submitted job is still running.
func (h *Handle) Ready() { h.ready() }

// TerminationSignal completes when the scheduler requests graceful
// shutdown.
func (h *Handle) TerminationSignal() <-chan struct{} { return h.termination }

// ResourceLost returns a channel the Scheduler creates fresh for each run
// and never closes, so it never completes.
func (h *Handle) ResourceLost() <-chan struct{} { return h.resourceLost }

// Job is one named unit of long-running work.
type Job struct {
	Name             string
	SupportsGraceful bool
	Execute          func(ctx context.Context, h *Handle) error
}

// Config tunes the restart backoff (spec §4.L: "exponential backoff up to a
// configured cap, then marks it Terminated").
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRestarts    int // 0 = unlimited
}

// DefaultConfig mirrors WebGrid's published scheduler defaults.
func DefaultConfig() Config {
	return Config{InitialBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second, MaxRestarts: 0}
}

type jobState string

const (
	stateRunning    jobState = "Running"
	stateTerminated jobState = "Terminated"
)

// Scheduler runs a set of Jobs, restarting each according to Config, and
// exposes the Ready/Shutdown status surface.
type Scheduler struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	states     map[string]jobState
	terminate  chan struct{}
	terminated chan struct{}
	wg         sync.WaitGroup
}

// New builds a Scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		log:        logging.Component("jobs"),
		states:     map[string]jobState{},
		terminate:  make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

// Submit starts job in its own goroutine, restarting it per cfg until ctx is
// cancelled or the scheduler's Shutdown is called.
func (s *Scheduler) Submit(ctx context.Context, job Job) {
	s.mu.Lock()
	s.states[job.Name] = stateRunning
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	defer s.wg.Done()

	backoff := s.cfg.InitialBackoff
	attempts := 0
	log := s.log.With().Str("job", job.Name).Logger()

	for {
		select {
		case <-ctx.Done():
			s.markTerminated(job.Name)
			return
		case <-s.terminate:
			s.markTerminated(job.Name)
			return
		default:
		}

		h := &Handle{
			ready:        func() { log.Debug().Msg("ready") },
			termination:  s.terminate,
			resourceLost: make(chan struct{}),
		}

		err := job.Execute(ctx, h)
		if err == nil {
			log.Info().Msg("job exited cleanly")
			s.markTerminated(job.Name)
			return
		}

		attempts++
		if s.cfg.MaxRestarts > 0 && attempts >= s.cfg.MaxRestarts {
			log.Error().Err(err).Int("attempts", attempts).Msg("job exceeded restart cap, terminating")
			s.markTerminated(job.Name)
			return
		}

		metrics.JobRestarts.WithLabelValues(job.Name).Inc()
		log.Warn().Err(err).Dur("backoff", backoff).Msg("job failed, restarting")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			s.markTerminated(job.Name)
			return
		case <-s.terminate:
			s.markTerminated(job.Name)
			return
		}

		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *Scheduler) markTerminated(name string) {
	s.mu.Lock()
	s.states[name] = stateTerminated
	s.mu.Unlock()
}

// Shutdown signals every job's termination channel and waits for them to
// exit.
func (s *Scheduler) Shutdown() {
	close(s.terminate)
	s.wg.Wait()
	close(s.terminated)
}

// allTerminated reports whether every submitted job has stopped.
func (s *Scheduler) allTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st != stateTerminated {
			return false
		}
	}
	return true
}

// Handler returns the Gin engine exposing /status (spec §4.L: "Ready/Shutdown
// used by orchestration health checks").
func (s *Scheduler) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", func(c *gin.Context) {
		status := "Ready"
		if s.allTerminated() {
			status = "Shutdown"
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
	})
	return r
}
