// Package gc implements the garbage collector from spec §4.K: three
// independent cron-scheduled passes over a long interval — dead-session
// termination, old-session purge, and provisioner purge.
package gc

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/broker/redisbroker"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/metrics"
	"github.com/streamspace/sessiongrid/internal/session"
)

// Config tunes the GC's retention windows (spec §4.K step 2/3, "configurable,
// operator-facing default").
type Config struct {
	Schedule         string // cron expression for the tick
	TerminatedRetain time.Duration
}

// DefaultConfig mirrors WebGrid's published GC defaults.
func DefaultConfig() Config {
	return Config{Schedule: "@every 5m", TerminatedRetain: 24 * time.Hour}
}

// Collector runs the three independent passes on cfg.Schedule.
type Collector struct {
	b   broker.Broker
	cfg Config
	log zerolog.Logger
}

// New builds a Collector.
func New(b broker.Broker, cfg Config) *Collector {
	return &Collector{b: b, cfg: cfg, log: logging.Component("gc")}
}

// Run starts the cron schedule and blocks until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	sched := cron.New()
	_, err := sched.AddFunc(c.cfg.Schedule, func() {
		c.tick(ctx)
	})
	if err != nil {
		return err
	}
	sched.Start()
	<-ctx.Done()
	stopCtx := sched.Stop()
	<-stopCtx.Done()
	return nil
}

func (c *Collector) tick(ctx context.Context) {
	c.timedPass(ctx, "dead_session", c.deadSessionPass)
	c.timedPass(ctx, "old_session_purge", c.oldSessionPurge)
	c.timedPass(ctx, "provisioner_purge", c.provisionerPurge)
}

func (c *Collector) timedPass(ctx context.Context, name string, pass func(context.Context)) {
	start := time.Now()
	pass(ctx)
	metrics.GCPassDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// deadSessionPass implements spec §4.K step 1: for each active session, if
// neither manager- nor node-heartbeat exists, invoke the shared atomic
// termination script.
func (c *Collector) deadSessionPass(ctx context.Context) {
	ids, err := c.b.SMembers(ctx, session.ActiveSetKey())
	if err != nil {
		c.log.Warn().Err(err).Msg("dead-session pass: failed to list active sessions")
		return
	}

	for _, id := range ids {
		managerAlive, err := c.b.Exists(ctx, session.HeartbeatManagerKey(id))
		if err != nil {
			continue
		}
		nodeAlive, err := c.b.Exists(ctx, session.HeartbeatNodeKey(id))
		if err != nil {
			continue
		}
		if managerAlive || nodeAlive {
			continue
		}

		provisionerID, _ := c.b.Get(ctx, session.OrchestratorKey(id))
		reclaimedKey := "gc:unowned:reclaimed"
		if provisionerID != "" {
			reclaimedKey = session.ProvisionerSlotsReclaimedKey(provisionerID)
		}

		keys := []string{
			session.ActiveSetKey(),
			session.TerminatedSetKey(),
			session.StatusKey(id),
			session.SlotKey(id),
			session.HeartbeatManagerKey(id),
			session.HeartbeatNodeKey(id),
			reclaimedKey,
		}
		result, err := c.b.Eval(ctx, redisbroker.TerminateScript, keys, id, time.Now().Format(time.RFC3339))
		if err != nil {
			c.log.Warn().Err(err).Str("sessionId", id).Msg("dead-session pass: terminate script failed")
			continue
		}
		if n, ok := result.(int64); ok && n == 1 {
			metrics.ReclaimedSlots.WithLabelValues("gc").Inc()
			c.log.Info().Str("sessionId", id).Msg("terminated dead session")
		}
	}
}

// oldSessionPurge implements spec §4.K step 2: for each terminated session
// older than the retention window, delete all its keys.
func (c *Collector) oldSessionPurge(ctx context.Context) {
	ids, err := c.b.SMembers(ctx, session.TerminatedSetKey())
	if err != nil {
		c.log.Warn().Err(err).Msg("old-session purge: failed to list terminated sessions")
		return
	}

	cutoff := time.Now().Add(-c.cfg.TerminatedRetain)
	for _, id := range ids {
		statusFields, err := c.b.HGetAll(ctx, session.StatusKey(id))
		if err != nil {
			continue
		}
		terminatedAt, ok := statusFields["terminatedAt"]
		if !ok {
			continue
		}
		at, err := time.Parse(time.RFC3339, terminatedAt)
		if err != nil || at.After(cutoff) {
			continue
		}

		_ = c.b.Del(ctx,
			session.StatusKey(id),
			session.CapabilitiesKey(id),
			session.ActualCapabilitiesKey(id),
			session.DownstreamKey(id),
			session.UpstreamKey(id),
			session.SlotKey(id),
			session.OrchestratorKey(id),
			session.MetadataKey(id),
			session.QueuedAtKey(id),
			session.AliveAtKey(id),
		)
		_ = c.b.SRem(ctx, session.TerminatedSetKey(), id)
		c.log.Debug().Str("sessionId", id).Msg("purged old session")
	}
}

// provisionerPurge implements spec §4.K step 3: for each provisioner without
// a matching retain marker, delete its metadata keys.
func (c *Collector) provisionerPurge(ctx context.Context) {
	ids, err := c.b.SMembers(ctx, session.ProvisionersSetKey())
	if err != nil {
		c.log.Warn().Err(err).Msg("provisioner purge: failed to list provisioners")
		return
	}

	for _, id := range ids {
		retained, err := c.b.Exists(ctx, session.ProvisionerRetainKey(id))
		if err != nil || retained {
			continue
		}

		_ = c.b.Del(ctx,
			session.ProvisionerPlatformKey(id),
			session.ProvisionerBrowsersKey(id),
			session.ProvisionerHeartbeatKey(id),
			session.ProvisionerSlotsKey(id),
			session.ProvisionerSlotsAvailableKey(id),
			session.ProvisionerSlotsReclaimedKey(id),
			session.ProvisionerSlotsInUseKey(id),
			session.ProvisionerBacklogKey(id),
		)
		_ = c.b.SRem(ctx, session.ProvisionersSetKey(), id)
		c.log.Info().Str("provisionerId", id).Msg("purged unretained provisioner")
	}
}
