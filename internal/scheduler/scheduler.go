// Package scheduler implements the scheduler service from spec §4.G: a
// consumer group reading SessionCreated events, matching capabilities to a
// self-electing provisioner via a broadcast request/response, and
// publishing the provisioning assignment.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/events"
	"github.com/streamspace/sessiongrid/internal/gridcore"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/metrics"
	"github.com/streamspace/sessiongrid/internal/webdriver"
)

const consumerGroup = "scheduler"

var matchTimeout = broker.SplitTimeout{First: 10 * time.Second, Quiet: 100 * time.Millisecond}

// Config lists operator-required grid-extension metadata keys (spec §4.G
// step 2); empty means no metadata is required.
type Config struct {
	RequiredMetadataKeys []string
}

// Service drives the scheduler's event loop.
type Service struct {
	b        broker.Broker
	cfg      Config
	consumer string
	log      zerolog.Logger
}

// New builds a Service. consumer identifies this process within the shared
// consumer group for at-least-once delivery bookkeeping.
func New(b broker.Broker, cfg Config, consumer string) *Service {
	return &Service{b: b, cfg: cfg, consumer: consumer, log: logging.Component("scheduler")}
}

// Run joins the SessionCreated consumer group and processes events until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.b.EnsureGroup(ctx, events.QueueSessionCreated, consumerGroup, "$"); err != nil {
		return err
	}
	return s.b.Consume(ctx, events.QueueSessionCreated, consumerGroup, s.consumer, 5*time.Second, s.handle)
}

func (s *Service) handle(msg broker.ConsumedMessage) error {
	ctx := context.Background()

	var created events.SessionCreated
	if err := json.Unmarshal(msg.Payload, &created); err != nil {
		s.log.Warn().Err(err).Msg("malformed SessionCreated event, dropping")
		return nil // ack: this message can never succeed
	}
	log := logging.Session(s.log, created.ID)

	req, err := webdriver.ParseRequest(created.Capabilities)
	if err != nil {
		s.failSoft(ctx, created.ID, gridcore.New(gridcore.KindParseError, "malformed capabilities", err))
		return nil
	}

	metadata, missing := s.collectMetadata(req)
	if len(missing) > 0 {
		s.failSoft(ctx, created.ID, gridcore.New(gridcore.KindMissingMetadata, fmt.Sprintf("missing required metadata keys: %v", missing), nil))
		return nil
	}
	if len(metadata) > 0 {
		if err := s.publish(ctx, events.QueueSessionMetadataModified, events.SessionMetadataModified{ID: created.ID, Metadata: metadata}); err != nil {
			return err // broker-request failure: surface to job runtime for retry
		}
	}

	payload, err := json.Marshal(events.ProvisionerMatchRequest{Capabilities: created.Capabilities})
	if err != nil {
		s.failSoft(ctx, created.ID, gridcore.New(gridcore.KindIoError, "marshal match request", err))
		return nil
	}

	matchStart := time.Now()
	responses, err := s.b.Request(ctx, events.QueueProvisionerMatchRequest, payload, 0, matchTimeout)
	metrics.SchedulingMatchDuration.Observe(time.Since(matchStart).Seconds())
	if err != nil {
		return err // broker-request failure: surface to job runtime for retry
	}
	if len(responses) == 0 {
		s.failSoft(ctx, created.ID, gridcore.New(gridcore.KindNoProvisionerAvailable, "NoProvisioner", nil))
		return nil
	}

	rand.Shuffle(len(responses), func(i, j int) { responses[i], responses[j] = responses[j], responses[i] })

	var chosen events.ProvisionerMatchResponse
	for _, raw := range responses {
		if err := json.Unmarshal(raw, &chosen); err == nil && chosen.ProvisionerID != "" {
			break
		}
	}
	if chosen.ProvisionerID == "" {
		s.failSoft(ctx, created.ID, gridcore.New(gridcore.KindNoProvisionerAvailable, "NoProvisioner", nil))
		return nil
	}

	assignQueue := fmt.Sprintf(events.QueueProvisioningAssignedFmt, chosen.ProvisionerID)
	if err := s.publish(ctx, assignQueue, events.ProvisioningJobAssigned{SessionID: created.ID, Capabilities: created.Capabilities}); err != nil {
		return err
	}
	if err := s.publish(ctx, events.QueueSessionScheduled, events.SessionScheduled{ID: created.ID, Provisioner: chosen.ProvisionerID}); err != nil {
		return err
	}

	log.Info().Str("provisioner", chosen.ProvisionerID).Msg("scheduled")
	return nil
}

// collectMetadata pulls the grid-extension metadata off the first candidate
// that carries any, and reports which required keys (if any) are absent.
func (s *Service) collectMetadata(req *webdriver.Request) (map[string]string, []string) {
	var metadata map[string]string
	for _, c := range req.Candidates {
		if len(c.Extension.Metadata) > 0 {
			metadata = c.Extension.Metadata
			break
		}
	}
	var missing []string
	for _, key := range s.cfg.RequiredMetadataKeys {
		if _, ok := metadata[key]; !ok {
			missing = append(missing, key)
		}
	}
	return metadata, missing
}

func (s *Service) failSoft(ctx context.Context, sessionID string, cause error) {
	s.log.Warn().Str("sessionId", sessionID).Str("code", gridcore.LogCode(gridcore.KindOf(cause))).Err(cause).Msg("scheduling failed softly")
	_ = s.publish(ctx, events.QueueSessionTerminated, events.SessionTerminated{
		ID:     sessionID,
		Reason: events.ReasonStartupFailed,
		Error:  cause.Error(),
	})
}

func (s *Service) publish(ctx context.Context, queue string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return gridcore.New(gridcore.KindIoError, "marshal event", err)
	}
	return s.b.Publish(ctx, queue, payload)
}
