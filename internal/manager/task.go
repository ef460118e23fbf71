// Package manager implements the session manager task from spec §4.F: one
// instance per client POST /session, driving the session through
// Queued -> Scheduled -> Pending -> Operational (or Terminated on any
// timeout/error), and translating failures into the fixed QTIMEOUT/OTIMEOUT/
// NTIMEOUT/QUNAVAILABLE/INVALIDCAP/FAILURE log-code taxonomy.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/broker/redisbroker"
	"github.com/streamspace/sessiongrid/internal/gridcore"
	"github.com/streamspace/sessiongrid/internal/heartbeat"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/metrics"
	"github.com/streamspace/sessiongrid/internal/session"
	"github.com/streamspace/sessiongrid/internal/webdriver"
)

// timePhase records how long a lifecycle phase took under
// metrics.SessionLifecyclePhaseDuration.
func timePhase(phase string, start time.Time) {
	metrics.SessionLifecyclePhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

var provisionerFromQueueKey = regexp.MustCompile(`^orchestrator:(.+):slots\.available$`)

// Task drives a single session through its lifecycle.
type Task struct {
	b   broker.Broker
	hb  *heartbeat.Engine
	cfg Config
	log zerolog.Logger
}

// New builds a Task. hb is the process-wide heartbeat engine the manager
// registers its per-session manager-heartbeat on.
func New(b broker.Broker, hb *heartbeat.Engine, cfg Config) *Task {
	return &Task{b: b, hb: hb, cfg: cfg, log: logging.Component("manager")}
}

// Create runs the full protocol for one client request body and returns the
// WebDriver-shaped response (success or error) to write back.
func (t *Task) Create(ctx context.Context, client session.ClientInfo, body []byte) (webdriver.SuccessResponse, error) {
	id := uuid.NewString()
	log := logging.Session(t.log, id)

	req, err := webdriver.ParseRequest(body)
	if err != nil {
		log.Warn().Str("code", gridcore.LogCode(gridcore.KindOf(err))).Err(err).Msg("INVALIDCAP")
		return webdriver.SuccessResponse{}, err
	}

	if err := t.allocate(ctx, id, client, body); err != nil {
		log.Error().Str("code", gridcore.LogCode(gridcore.KindOf(err))).Err(err).Msg("FAILURE")
		return webdriver.SuccessResponse{}, err
	}
	defer t.hb.StopBeat(session.HeartbeatManagerKey(id))

	queueStart := time.Now()
	candidate, provisionerID, err := t.queue(ctx, id, req)
	timePhase("queue", queueStart)
	if err != nil {
		metrics.SessionsQueued.WithLabelValues("failed").Inc()
		t.terminate(ctx, id, err)
		log.Error().Str("code", gridcore.LogCode(gridcore.KindOf(err))).Err(err).Msg("queue phase failed")
		return webdriver.SuccessResponse{}, err
	}
	metrics.SessionsQueued.WithLabelValues("matched").Inc()
	log.Info().Str("provisioner", provisionerID).Msg("NALLOC")

	if err := t.awaitScheduling(ctx, id); err != nil {
		t.terminate(ctx, id, err)
		log.Error().Str("code", gridcore.LogCode(gridcore.KindOf(err))).Err(err).Msg("scheduling phase failed")
		return webdriver.SuccessResponse{}, err
	}
	log.Info().Msg("PENDING")

	if err := t.awaitHealth(ctx, id); err != nil {
		t.terminate(ctx, id, err)
		log.Error().Str("code", gridcore.LogCode(gridcore.KindOf(err))).Err(err).Msg("health phase failed")
		return webdriver.SuccessResponse{}, err
	}
	log.Info().Msg("NALIVE")

	actual, err := t.handOff(ctx, id, candidate)
	if err != nil {
		t.terminate(ctx, id, err)
		log.Error().Str("code", gridcore.LogCode(gridcore.KindOf(err))).Err(err).Msg("hand-off failed")
		return webdriver.SuccessResponse{}, err
	}

	return webdriver.SuccessResponse{Value: webdriver.SuccessValue{SessionID: id, Capabilities: actual}}, nil
}

// allocate creates the session record, inserts client metadata, marks
// queuedAt, adds the session id to the active set, and starts the
// manager-heartbeat (spec §4.F step 1).
func (t *Task) allocate(ctx context.Context, id string, client session.ClientInfo, rawCapabilities []byte) error {
	if err := t.b.Set(ctx, session.CapabilitiesKey(id), string(rawCapabilities), 0); err != nil {
		return err
	}
	clientJSON, _ := json.Marshal(client)
	if err := t.b.Set(ctx, session.DownstreamKey(id), string(clientJSON), 0); err != nil {
		return err
	}
	if err := t.b.Set(ctx, session.QueuedAtKey(id), time.Now().Format(time.RFC3339), 0); err != nil {
		return err
	}
	if err := t.b.SAdd(ctx, session.ActiveSetKey(), id); err != nil {
		return err
	}
	t.hb.AddBeat(session.HeartbeatManagerKey(id), t.cfg.HeartbeatRefresh, t.cfg.HeartbeatExpire)
	metrics.ActiveSessions.Inc()
	return nil
}

// queue parses capabilities into candidate sets, filters registered
// provisioners to ones that can satisfy a candidate, and BLPOPs across their
// available-slot lists (spec §4.F step 2).
func (t *Task) queue(ctx context.Context, id string, req *webdriver.Request) (webdriver.Candidate, string, error) {
	provisionerIDs, err := t.b.SMembers(ctx, session.ProvisionersSetKey())
	if err != nil {
		return webdriver.Candidate{}, "", err
	}

	for _, candidate := range req.Candidates {
		matched, err := t.matchingProvisioners(ctx, candidate, provisionerIDs)
		if err != nil {
			return webdriver.Candidate{}, "", err
		}
		if len(matched) == 0 {
			continue
		}

		rand.Shuffle(len(matched), func(i, j int) { matched[i], matched[j] = matched[j], matched[i] })

		keys := make([]string, len(matched))
		for i, pid := range matched {
			keys[i] = session.ProvisionerSlotsAvailableKey(pid)
		}

		queueKey, slot, err := t.b.BLPop(ctx, t.cfg.QueueTimeout, keys...)
		if err != nil {
			return webdriver.Candidate{}, "", gridcore.New(gridcore.KindQueueTimeout, "no slot became available", err)
		}

		m := provisionerFromQueueKey.FindStringSubmatch(queueKey)
		if m == nil {
			return webdriver.Candidate{}, "", gridcore.New(gridcore.KindIoError, "unrecognized queue key "+queueKey, nil)
		}
		provisionerID := m[1]

		if err := t.b.Set(ctx, session.SlotKey(id), slot, 0); err != nil {
			return webdriver.Candidate{}, "", err
		}
		if err := t.b.SAdd(ctx, session.ProvisionerSlotsInUseKey(provisionerID), slot); err != nil {
			return webdriver.Candidate{}, "", err
		}
		if err := t.b.Set(ctx, session.OrchestratorKey(id), provisionerID, 0); err != nil {
			return webdriver.Candidate{}, "", err
		}
		if err := t.b.RPush(ctx, session.ProvisionerBacklogKey(provisionerID), id); err != nil {
			return webdriver.Candidate{}, "", err
		}
		return candidate, provisionerID, nil
	}

	return webdriver.Candidate{}, "", gridcore.New(gridcore.KindNoProvisionerAvailable, "no registered provisioner satisfies any candidate", nil)
}

func (t *Task) matchingProvisioners(ctx context.Context, candidate webdriver.Candidate, provisionerIDs []string) ([]string, error) {
	var matched []string
	for _, pid := range provisionerIDs {
		platform, err := t.b.Get(ctx, session.ProvisionerPlatformKey(pid))
		if err != nil {
			return nil, err
		}
		browsers, err := t.b.SMembers(ctx, session.ProvisionerBrowsersKey(pid))
		if err != nil {
			return nil, err
		}
		for _, entry := range browsers {
			name, version, ok := splitBrowserEntry(entry)
			if !ok {
				continue
			}
			if candidate.MatchesImage(name, version, platform) {
				matched = append(matched, pid)
				break
			}
		}
	}
	return matched, nil
}

func splitBrowserEntry(entry string) (name, version string, ok bool) {
	for i := 0; i+1 < len(entry); i++ {
		if entry[i] == ':' && entry[i+1] == ':' {
			return entry[:i], entry[i+2:], true
		}
	}
	return "", "", false
}

// awaitScheduling blocks on the self-to-self marker pushed by the
// provisioner once it accepts the session into its backlog (spec §4.F
// step 3).
func (t *Task) awaitScheduling(ctx context.Context, id string) error {
	key := session.OrchestratorKey(id)
	_, err := t.b.BRPopLPush(ctx, key, key, t.cfg.SchedulingTimeout)
	if err != nil {
		return gridcore.New(gridcore.KindSchedulingTimeout, "provisioner did not accept session", err)
	}
	return nil
}

// awaitHealth reads the upstream endpoint written by the Node, waits for its
// heartbeat to appear, then polls /status until it answers 200 or the
// remaining budget is exhausted (spec §4.F step 4).
func (t *Task) awaitHealth(ctx context.Context, id string) error {
	deadline := time.Now().Add(t.cfg.NodeStartupTimeout)

	var upstream session.Endpoint
	for {
		raw, err := t.b.Get(ctx, session.UpstreamKey(id))
		if err == nil && raw != "" {
			if err := json.Unmarshal([]byte(raw), &upstream); err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			return gridcore.New(gridcore.KindHealthCheckTimeout, "node upstream endpoint never appeared", nil)
		}
		if err := sleep(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}

	for {
		exists, err := t.b.Exists(ctx, session.HeartbeatNodeKey(id))
		if err == nil && exists {
			break
		}
		if time.Now().After(deadline) {
			return gridcore.New(gridcore.KindHealthCheckTimeout, "node heartbeat never appeared", nil)
		}
		if err := sleep(ctx, 250*time.Millisecond); err != nil {
			return err
		}
	}

	client := &http.Client{Timeout: time.Second}
	url := fmt.Sprintf("http://%s:%d/status", upstream.Host, upstream.Port)
	budget := time.Now().Add(t.cfg.HealthCheckBudget)
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(budget) {
			return gridcore.New(gridcore.KindHealthCheckTimeout, "node never reported healthy", err)
		}
		if err := sleep(ctx, 250*time.Millisecond); err != nil {
			return err
		}
	}
}

// handOff writes aliveAt, reads the driver's actual capabilities, and
// returns the merged WebDriver capabilities payload (spec §4.F step 5).
func (t *Task) handOff(ctx context.Context, id string, candidate webdriver.Candidate) (map[string]interface{}, error) {
	if err := t.b.Set(ctx, session.AliveAtKey(id), time.Now().Format(time.RFC3339), 0); err != nil {
		return nil, err
	}
	raw, err := t.b.Get(ctx, session.ActualCapabilitiesKey(id))
	if err != nil {
		return nil, err
	}
	var actual map[string]interface{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &actual); err != nil {
			return nil, gridcore.New(gridcore.KindParseError, "malformed actual capabilities", err)
		}
	}
	return webdriver.MergeActual(candidate, actual), nil
}

// terminate runs the shared atomic termination script (spec §4.K, the same
// one the GC's dead-session pass and the provisioner's reclaim loop use) for
// a session whose startup failed before hand-off: it stamps terminatedAt
// into the status hash, clears both heartbeats, moves the session from
// active to terminated, and returns any already-acquired slot to its
// provisioner's reclaimed list so the reclaim loop's recycler hands it back
// out instead of leaking it.
func (t *Task) terminate(ctx context.Context, id string, cause error) {
	provisionerID, _ := t.b.Get(ctx, session.OrchestratorKey(id))
	slot, _ := t.b.Get(ctx, session.SlotKey(id))

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
	result, err := t.b.Eval(ctx, redisbroker.TerminateScript, keys, id, time.Now().Format(time.RFC3339))
	if err != nil {
		t.log.Warn().Err(err).Str("sessionId", id).Msg("failed to run terminate script after startup failure")
		metrics.ActiveSessions.Dec()
		return
	}
	if n, ok := result.(int64); ok && n == 1 && slot != "" && provisionerID != "" {
		_ = t.b.SRem(ctx, session.ProvisionerSlotsInUseKey(provisionerID), slot)
		metrics.ProvisionerSlotsInUse.WithLabelValues(provisionerID).Dec()
	}
	metrics.ActiveSessions.Dec()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
