package provisioner

import (
	"context"
	"time"

	"github.com/streamspace/sessiongrid/internal/broker/redisbroker"
	"github.com/streamspace/sessiongrid/internal/metrics"
	"github.com/streamspace/sessiongrid/internal/session"
)

// RunReclaimLoop runs the periodic reclamation pass from spec §4.H until ctx
// is cancelled: for each session assigned to this provisioner's slots,
// terminate it (returning its slot to reclaimed) unless it is alive by the
// two-heartbeat liveness rule; then sweep orphaned slots back to reclaimed.
func (s *Service) RunReclaimLoop(ctx context.Context) {
	interval := s.cfg.ReclaimInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reclaimPass(ctx)
			s.sweepOrphans(ctx)
			s.recycleReclaimed(ctx)
		}
	}
}

// reclaimPass evaluates liveness for every session in this provisioner's
// backlog, per spec §4.H: alive := (nodeAlive AND wasEverAlive) OR
// (managerAlive AND NOT wasEverAlive); anything not alive is terminated and
// its slot returned to reclaimed.
func (s *Service) reclaimPass(ctx context.Context) {
	ids, err := s.b.LRange(ctx, session.ProvisionerBacklogKey(s.cfg.ID), 0, -1)
	if err != nil {
		s.log.Warn().Err(err).Msg("reclaim: failed to list backlog")
		return
	}

	for _, id := range ids {
		managerAlive, err := s.b.Exists(ctx, session.HeartbeatManagerKey(id))
		if err != nil {
			continue
		}
		nodeAlive, err := s.b.Exists(ctx, session.HeartbeatNodeKey(id))
		if err != nil {
			continue
		}
		// wasEverAlive: the manager already stamped hand-off (spec §4.F step 5
		// writes aliveAt only after awaitHealth has seen the node heartbeat).
		wasEverAlive, err := s.b.Exists(ctx, session.AliveAtKey(id))
		if err != nil {
			continue
		}

		alive := (nodeAlive && wasEverAlive) || (managerAlive && !wasEverAlive)
		if alive {
			continue
		}

		s.terminateAndReclaim(ctx, id)
		_ = s.b.LRem(ctx, session.ProvisionerBacklogKey(s.cfg.ID), 1, id)
	}
}

func (s *Service) terminateAndReclaim(ctx context.Context, id string) {
	slot, _ := s.b.Get(ctx, session.SlotKey(id))

	keys := []string{
		session.ActiveSetKey(),
		session.TerminatedSetKey(),
		session.StatusKey(id),
		session.SlotKey(id),
		session.HeartbeatManagerKey(id),
		session.HeartbeatNodeKey(id),
		session.ProvisionerSlotsReclaimedKey(s.cfg.ID),
	}
	result, err := s.b.Eval(ctx, redisbroker.TerminateScript, keys, id, time.Now().Format(time.RFC3339))
	if err != nil {
		s.log.Warn().Err(err).Str("sessionId", id).Msg("reclaim: terminate script failed")
		return
	}
	if n, ok := result.(int64); ok && n == 1 {
		if slot != "" {
			_ = s.b.SRem(ctx, session.ProvisionerSlotsInUseKey(s.cfg.ID), slot)
		}
		s.release()
		metrics.ReclaimedSlots.WithLabelValues("provisioner").Inc()
		metrics.ProvisionerSlotsInUse.WithLabelValues(s.cfg.ID).Dec()
		s.log.Info().Str("sessionId", id).Msg("reclaimed dead session slot")
	}
}

// sweepOrphans returns any slot present in this provisioner's slot set but
// absent from available/reclaimed/in-use back to reclaimed, per spec §4.H's
// "orphan recovery" sweep.
func (s *Service) sweepOrphans(ctx context.Context) {
	all, err := s.b.SMembers(ctx, session.ProvisionerSlotsKey(s.cfg.ID))
	if err != nil {
		return
	}
	available, err := s.b.LRange(ctx, session.ProvisionerSlotsAvailableKey(s.cfg.ID), 0, -1)
	if err != nil {
		return
	}
	reclaimed, err := s.b.LRange(ctx, session.ProvisionerSlotsReclaimedKey(s.cfg.ID), 0, -1)
	if err != nil {
		return
	}
	inUse, err := s.b.SMembers(ctx, session.ProvisionerSlotsInUseKey(s.cfg.ID))
	if err != nil {
		return
	}
	accounted := map[string]bool{}
	for _, slot := range available {
		accounted[slot] = true
	}
	for _, slot := range reclaimed {
		accounted[slot] = true
	}
	for _, slot := range inUse {
		accounted[slot] = true
	}

	for _, slot := range all {
		if accounted[slot] {
			continue
		}
		if err := s.b.RPush(ctx, session.ProvisionerSlotsReclaimedKey(s.cfg.ID), slot); err != nil {
			s.log.Warn().Err(err).Str("slot", slot).Msg("sweep: failed to return orphan slot")
			continue
		}
		s.log.Info().Str("slot", slot).Msg("recovered orphan slot")
	}
}

// recycleReclaimed drains slots.reclaimed back onto slots.available: without
// this, a slot recovered by terminateAndReclaim or sweepOrphans would sit in
// slots.reclaimed forever and the manager's BLPOP on slots.available
// (task.go's queue phase) would starve once every slot has cycled through a
// termination, even though permits are free.
func (s *Service) recycleReclaimed(ctx context.Context) {
	reclaimed, err := s.b.LRange(ctx, session.ProvisionerSlotsReclaimedKey(s.cfg.ID), 0, -1)
	if err != nil {
		return
	}
	for _, slot := range reclaimed {
		if err := s.b.RPush(ctx, session.ProvisionerSlotsAvailableKey(s.cfg.ID), slot); err != nil {
			s.log.Warn().Err(err).Str("slot", slot).Msg("recycle: failed to return slot to available")
			continue
		}
		_ = s.b.LRem(ctx, session.ProvisionerSlotsReclaimedKey(s.cfg.ID), 1, slot)
	}
}
