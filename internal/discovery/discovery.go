// Package discovery implements the service-discovery layer from spec §4.B:
// an advertiser announcing an endpoint for a descriptor, and a discoverer
// resolving a descriptor to an endpoint via a passive LRU cache with an
// active-query fallback.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/gridcore"
	"github.com/streamspace/sessiongrid/internal/heartbeat"
	"github.com/streamspace/sessiongrid/internal/logging"
)

const (
	announceChannel    = "sa"
	queryChannelFmt    = "sd-%s"
	queryAwaitTimeout  = 500 * time.Millisecond
	queryMaxRetries    = 4
	discoveryCacheSize = 4096
)

// Descriptor identifies a discoverable service: kind + optional id, with a
// stable serialization, per spec §4.B.
type Descriptor struct {
	Kind string
	ID   string
}

func (d Descriptor) String() string {
	if d.ID == "" {
		return d.Kind
	}
	return fmt.Sprintf("%s:%s", d.Kind, d.ID)
}

type announcement struct {
	Descriptor string `json:"descriptor"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

// Advertiser implements the advertiser half of spec §4.B: subscribes to its
// descriptor's request channel, republishes on every query, and immediately
// announces once on the global announce channel for passive caches.
type Advertiser struct {
	b          broker.Broker
	descriptor Descriptor
	endpoint   announcement
	cancel     context.CancelFunc
	log        zerolog.Logger
}

// Advertise starts an Advertiser for descriptor/endpoint and returns it. The
// caller must call Close to stop the background query-listener.
func Advertise(ctx context.Context, b broker.Broker, d Descriptor, host string, port int) (*Advertiser, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &Advertiser{
		b:          b,
		descriptor: d,
		endpoint:   announcement{Descriptor: d.String(), Host: host, Port: port},
		cancel:     cancel,
		log:        logging.Component("discovery.advertiser"),
	}

	if err := a.announce(ctx); err != nil {
		cancel()
		return nil, err
	}

	queryChannel := fmt.Sprintf(queryChannelFmt, d.String())
	unsubscribe, err := a.b.Respond(ctx, queryChannel, func(payload []byte) ([]byte, bool) {
		if err := a.announce(ctx); err != nil {
			a.log.Warn().Err(err).Msg("failed to republish announcement on query")
		}
		return nil, false // the announcement itself goes out on the global channel, not as a direct reply
	})
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return a, nil
}

func (a *Advertiser) announce(ctx context.Context) error {
	payload, err := json.Marshal(a.endpoint)
	if err != nil {
		return gridcore.New(gridcore.KindIoError, "marshal announcement", err)
	}
	if err := a.b.Publish(ctx, announceChannel, payload); err != nil {
		return err
	}
	a.log.Debug().Str("descriptor", a.descriptor.String()).Msg("announced endpoint")
	return nil
}

// Close stops the advertiser's background query listener.
func (a *Advertiser) Close() error {
	a.cancel()
	return nil
}

// AdvertiseRouted registers host:port for kind/id at the literal key
// discovery:<kind>:<id>, refreshed by hb on the same cadence as any other
// heartbeat. This is the advertisement path the Routing Watcher (spec §4.D)
// actually subscribes to via keyspace notifications — distinct from
// Advertise's announce-channel pub/sub, which serves ad-hoc descriptor
// lookups rather than the frontdoor's fixed {manager, api, storage} roles.
func AdvertiseRouted(hb *heartbeat.Engine, kind, id, host string, port int, refreshEvery, expireAfter time.Duration) {
	key := fmt.Sprintf("discovery:%s:%s", kind, id)
	value, _ := json.Marshal(announcement{Host: host, Port: port})
	hb.AddBeatValue(key, string(value), refreshEvery, expireAfter)
}

// cacheEntry tracks the set of known endpoints for a descriptor.
type cacheEntry struct {
	mu        sync.Mutex
	endpoints []announcement
}

// Discoverer implements the discoverer half of spec §4.B: an LRU cache
// keyed by descriptor, populated passively from the global announce channel
// and actively via per-descriptor queries on cache miss.
type Discoverer struct {
	b     broker.Broker
	cache *lru.Cache[string, *cacheEntry]
	log   zerolog.Logger
}

// NewDiscoverer subscribes to the global announcement channel to populate
// its passive cache and returns a ready Discoverer.
func NewDiscoverer(ctx context.Context, b broker.Broker) (*Discoverer, error) {
	cache, err := lru.New[string, *cacheEntry](discoveryCacheSize)
	if err != nil {
		return nil, gridcore.New(gridcore.KindIoError, "create discovery cache", err)
	}
	d := &Discoverer{b: b, cache: cache, log: logging.Component("discovery.discoverer")}

	unsubscribe, err := b.Respond(ctx, announceChannel, func(payload []byte) ([]byte, bool) {
		var ann announcement
		if err := json.Unmarshal(payload, &ann); err == nil {
			d.store(ann)
		}
		return nil, false
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return d, nil
}

func (d *Discoverer) store(ann announcement) {
	entry, ok := d.cache.Get(ann.Descriptor)
	if !ok {
		entry = &cacheEntry{}
		d.cache.Add(ann.Descriptor, entry)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for _, e := range entry.endpoints {
		if e.Host == ann.Host && e.Port == ann.Port {
			return
		}
	}
	entry.endpoints = append(entry.endpoints, ann)
}

func (d *Discoverer) remove(descriptor string, ann announcement) {
	entry, ok := d.cache.Get(descriptor)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	filtered := entry.endpoints[:0]
	for _, e := range entry.endpoints {
		if e != ann {
			filtered = append(filtered, e)
		}
	}
	entry.endpoints = filtered
}

// Discover resolves descriptor to an endpoint. If the passive cache has at
// least one known endpoint, it picks uniformly at random; otherwise it
// queries the descriptor's channel and awaits an announcement up to 500ms,
// retrying up to 4 times before failing with RetriesExceeded.
func (d *Discoverer) Discover(ctx context.Context, desc Descriptor) (broker.Endpoint, error) {
	key := desc.String()

	if entry, ok := d.cache.Get(key); ok {
		entry.mu.Lock()
		n := len(entry.endpoints)
		entry.mu.Unlock()
		if n > 0 {
			entry.mu.Lock()
			pick := entry.endpoints[rand.Intn(len(entry.endpoints))]
			entry.mu.Unlock()
			return d.toEndpoint(key, pick), nil
		}
	}

	queryChannel := fmt.Sprintf(queryChannelFmt, key)
	for attempt := 0; attempt < queryMaxRetries; attempt++ {
		if err := d.b.Publish(ctx, queryChannel, []byte("query")); err != nil {
			return broker.Endpoint{}, err
		}

		deadline := time.Now().Add(queryAwaitTimeout)
		for time.Now().Before(deadline) {
			if entry, ok := d.cache.Get(key); ok {
				entry.mu.Lock()
				n := len(entry.endpoints)
				entry.mu.Unlock()
				if n > 0 {
					entry.mu.Lock()
					pick := entry.endpoints[rand.Intn(len(entry.endpoints))]
					entry.mu.Unlock()
					return d.toEndpoint(key, pick), nil
				}
			}
			select {
			case <-ctx.Done():
				return broker.Endpoint{}, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	return broker.Endpoint{}, gridcore.New(gridcore.KindResourceUnavailable, fmt.Sprintf("RetriesExceeded discovering %s", key), nil)
}

func (d *Discoverer) toEndpoint(descriptor string, ann announcement) broker.Endpoint {
	return broker.Endpoint{
		Host: ann.Host,
		Port: ann.Port,
		Unreachable: func() {
			d.remove(descriptor, ann)
		},
	}
}
