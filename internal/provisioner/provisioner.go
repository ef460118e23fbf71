// Package provisioner implements the provisioner service from spec §4.H: a
// bounded-permit consumer of its own ProvisioningJobAssigned queue
// extension, a ProvisionerMatch responder, and a reclamation loop that
// reconciles slot ownership against liveness.
package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/events"
	"github.com/streamspace/sessiongrid/internal/gridcore"
	"github.com/streamspace/sessiongrid/internal/heartbeat"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/metrics"
	"github.com/streamspace/sessiongrid/internal/session"
	"github.com/streamspace/sessiongrid/internal/webdriver"
)

// Backend is the provider-specific half (spec §4.H step 2: "this is the
// provider-specific step"), implemented by internal/provisioner/docker and
// internal/provisioner/k8s.
type Backend interface {
	// Provision launches a session's container/pod for capabilities and
	// returns the provider metadata to publish alongside SessionProvisioned.
	Provision(ctx context.Context, sessionID string, capabilities []byte) (map[string]string, error)
	// Images lists the provider's configured browser images for matching.
	Images() []session.BrowserSpec
	// PlatformName is this provisioner's advertised platform.
	PlatformName() string
}

// Config configures one provisioner instance.
type Config struct {
	ID               string
	SlotCapacity     int
	ReclaimInterval  time.Duration
	HeartbeatRefresh time.Duration
	HeartbeatExpire  time.Duration
}

// Service is one running provisioner process.
type Service struct {
	b       broker.Broker
	backend Backend
	cfg     Config
	permits chan struct{}
	log     zerolog.Logger
}

// New registers the provisioner's metadata in the broker and returns a ready
// Service. Call Run to start consuming assignments; call RunReclaimLoop
// (separately, same or different goroutine) to start the reclamation pass.
//
// New registers the provisioner's retain and heartbeat beats on hb so the
// GC's provisionerPurge (spec §4.K) finds a live retain marker and leaves
// this provisioner's slots and metadata alone; the caller is responsible for
// submitting hb.Run(ctx) as its own job, same as manager.New/node.New.
func New(ctx context.Context, b broker.Broker, backend Backend, hb *heartbeat.Engine, cfg Config) (*Service, error) {
	s := &Service{
		b:       b,
		backend: backend,
		cfg:     cfg,
		permits: make(chan struct{}, cfg.SlotCapacity),
		log:     logging.Component("provisioner").With().Str("provisionerId", cfg.ID).Logger(),
	}
	for i := 0; i < cfg.SlotCapacity; i++ {
		s.permits <- struct{}{}
	}

	if err := b.Set(ctx, session.ProvisionerPlatformKey(cfg.ID), backend.PlatformName(), 0); err != nil {
		return nil, err
	}
	for _, img := range backend.Images() {
		if err := b.SAdd(ctx, session.ProvisionerBrowsersKey(cfg.ID), session.BrowserEntry(img.Name, img.Version)); err != nil {
			return nil, err
		}
	}
	if err := b.SAdd(ctx, session.ProvisionersSetKey(), cfg.ID); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.SlotCapacity; i++ {
		slot := fmt.Sprintf("slot-%d", i)
		if err := b.SAdd(ctx, session.ProvisionerSlotsKey(cfg.ID), slot); err != nil {
			return nil, err
		}
		if err := b.RPush(ctx, session.ProvisionerSlotsAvailableKey(cfg.ID), slot); err != nil {
			return nil, err
		}
	}

	hb.AddBeatValue(session.ProvisionerRetainKey(cfg.ID), "1", cfg.HeartbeatRefresh, cfg.HeartbeatExpire)
	hb.AddBeat(session.ProvisionerHeartbeatKey(cfg.ID), cfg.HeartbeatRefresh, cfg.HeartbeatExpire)

	return s, nil
}

// Run joins the assignment consumer group and responds to ProvisionerMatch
// broadcasts until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	assignQueue := fmt.Sprintf(events.QueueProvisioningAssignedFmt, s.cfg.ID)
	group := "provisioner-" + s.cfg.ID

	if err := s.b.EnsureGroup(ctx, assignQueue, group, "$"); err != nil {
		return err
	}

	unsubscribe, err := s.b.Respond(ctx, events.QueueProvisionerMatchRequest, s.respondMatch)
	if err != nil {
		return err
	}
	defer unsubscribe()

	return s.b.Consume(ctx, assignQueue, group, s.cfg.ID, 5*time.Second, s.handleAssignment)
}

func (s *Service) respondMatch(payload []byte) ([]byte, bool) {
	var req events.ProvisionerMatchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, false
	}

	parsed, err := webdriver.ParseRequest(req.Capabilities)
	if err != nil || len(parsed.Candidates) == 0 {
		return nil, false // no candidate sets: match per spec §4.H
	}

	for _, candidate := range parsed.Candidates {
		for _, img := range s.backend.Images() {
			if candidate.MatchesImage(img.Name, img.Version, s.backend.PlatformName()) {
				reply, _ := json.Marshal(events.ProvisionerMatchResponse{ProvisionerID: s.cfg.ID})
				return reply, true
			}
		}
	}
	return nil, false
}

func (s *Service) handleAssignment(msg broker.ConsumedMessage) error {
	ctx := context.Background()

	var job events.ProvisioningJobAssigned
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		s.log.Warn().Err(err).Msg("malformed ProvisioningJobAssigned, dropping")
		return nil
	}
	log := logging.Session(s.log, job.SessionID)

	select {
	case <-s.permits:
	case <-ctx.Done():
		return ctx.Err()
	}

	backendName := fmt.Sprintf("%T", s.backend)
	meta, err := s.backend.Provision(ctx, job.SessionID, job.Capabilities)
	if err != nil {
		metrics.ProvisionAttempts.WithLabelValues(backendName, "failed").Inc()
		s.permits <- struct{}{}
		log.Error().Err(err).Msg("provisioning failed")
		payload, _ := json.Marshal(events.SessionTerminated{
			ID:     job.SessionID,
			Reason: events.ReasonStartupFailed,
			Error:  err.Error(),
		})
		return s.b.Publish(ctx, events.QueueSessionTerminated, payload)
	}
	metrics.ProvisionAttempts.WithLabelValues(backendName, "succeeded").Inc()
	metrics.ProvisionerSlotsInUse.WithLabelValues(s.cfg.ID).Inc()

	payload, err := json.Marshal(events.SessionProvisioned{ID: job.SessionID, Meta: meta})
	if err != nil {
		return gridcore.New(gridcore.KindIoError, "marshal SessionProvisioned", err)
	}
	return s.b.Publish(ctx, events.QueueSessionProvisioned, payload)
}

// release returns a permit to the pool; called by the reclamation loop when
// a slot is recovered rather than consumed by handleAssignment.
func (s *Service) release() {
	select {
	case s.permits <- struct{}{}:
	default:
	}
}
