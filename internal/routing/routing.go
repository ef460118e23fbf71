// Package routing implements the live map of role -> endpoint from
// spec §4.D, kept current by subscribing to broker keyspace-change
// notifications for the four patterns: manager heartbeat, session upstream
// heartbeat, storage advertisement, api advertisement.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/session"
)

// Role is one of {manager, api, storage, node} from spec §4.E's dispatch
// table.
type Role string

const (
	RoleManager Role = "manager"
	RoleAPI     Role = "api"
	RoleStorage Role = "storage"
	RoleNode    Role = "node"
)

// Entry is a routing-table row: (role, key, endpoint), per spec §3's
// "Routing entry" type (expiry is implicit — entries vanish when their
// heartbeat/advertisement key expires).
type Entry struct {
	Role     Role
	Key      string
	Endpoint broker.Endpoint
}

var nodeKeyPattern = regexp.MustCompile(`^session:([0-9a-fA-F-]+):heartbeat\.node$`)

// Table is the live, process-local, rebuildable routing table.
type Table struct {
	b   broker.Broker
	log zerolog.Logger

	mu     sync.RWMutex
	byRole map[Role]map[string]broker.Endpoint // key -> endpoint, per role
}

// New builds an empty Table. Call Start to begin populating it from
// keyspace notifications.
func New(b broker.Broker) *Table {
	return &Table{
		b:      b,
		log:    logging.Component("routing"),
		byRole: map[Role]map[string]broker.Endpoint{RoleManager: {}, RoleAPI: {}, RoleStorage: {}, RoleNode: {}},
	}
}

// Start subscribes to the four keyspace patterns from spec §4.D. It fails
// fast (by bubbling the broker.Watch error) if keyspace notifications are
// not enabled.
func (t *Table) Start(ctx context.Context) error {
	patterns := []string{
		"session:*:heartbeat.node",
		"discovery:manager:*",
		"discovery:storage:*",
		"discovery:api:*",
	}
	return t.b.Watch(ctx, patterns, func(ev broker.KeyEvent) {
		t.handle(ctx, ev)
	})
}

func (t *Table) handle(ctx context.Context, ev broker.KeyEvent) {
	role, ok := roleForKey(ev.Key)
	if !ok {
		return
	}

	if ev.Type == broker.KeyEventExpired {
		t.mu.Lock()
		delete(t.byRole[role], ev.Key)
		t.mu.Unlock()
		return
	}

	// "set"/refreshed: fetch the associated endpoint record and insert it.
	// The node's own heartbeat key carries a liveness timestamp, not an
	// endpoint, so its entry is resolved via the companion upstream key the
	// node writes once it has a driver session (spec §4.I step 3); every
	// other role's advertisement key (written by discovery.AdvertiseRouted)
	// carries the endpoint directly.
	endpointKey := ev.Key
	if m := nodeKeyPattern.FindStringSubmatch(ev.Key); m != nil {
		endpointKey = session.UpstreamKey(m[1])
	}

	raw, err := t.b.Get(ctx, endpointKey)
	if err != nil || raw == "" {
		return
	}
	var ep struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := json.Unmarshal([]byte(raw), &ep); err != nil {
		return
	}

	t.mu.Lock()
	t.byRole[role][ev.Key] = broker.Endpoint{Host: ep.Host, Port: ep.Port}
	t.mu.Unlock()
}

func roleForKey(key string) (Role, bool) {
	switch {
	case nodeKeyPattern.MatchString(key):
		return RoleNode, true
	case regexp.MustCompile(`^discovery:manager:`).MatchString(key):
		return RoleManager, true
	case regexp.MustCompile(`^discovery:storage:`).MatchString(key):
		return RoleStorage, true
	case regexp.MustCompile(`^discovery:api:`).MatchString(key):
		return RoleAPI, true
	default:
		return "", false
	}
}

// Pick returns an endpoint for role. For manager/api/storage it returns a
// uniformly random entry; for node it returns the entry matching sessionKey
// exactly, since there is exactly one Node per session at any time.
func (t *Table) Pick(role Role, sessionKey string) (broker.Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if role == RoleNode {
		key := session.HeartbeatNodeKey(sessionKey)
		ep, ok := t.byRole[RoleNode][key]
		return ep, ok
	}

	entries := t.byRole[role]
	if len(entries) == 0 {
		return broker.Endpoint{}, false
	}
	idx := rand.Intn(len(entries))
	i := 0
	for _, ep := range entries {
		if i == idx {
			return ep, true
		}
		i++
	}
	return broker.Endpoint{}, false
}

func (t *Table) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fmt.Sprintf("manager=%d api=%d storage=%d node=%d",
		len(t.byRole[RoleManager]), len(t.byRole[RoleAPI]), len(t.byRole[RoleStorage]), len(t.byRole[RoleNode]))
}
