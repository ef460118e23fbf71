// Package natsbridge mirrors the broker's internal event queues onto NATS
// JetStream subjects for external observers (dashboards, audit consumers,
// billing exporters) that should not have to speak the broker's own
// consumer-group protocol, grounded on api/internal/events/publisher.go and
// subscriber.go's connect/reconnect/JetStream conventions.
package natsbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/events"
	"github.com/streamspace/sessiongrid/internal/logging"
)

const streamName = "SESSIONGRID_EVENTS"

// subjectFor maps an internal queue key to its externally published NATS
// subject, grounded on the teacher's "streamspace.<kind>.<verb>" convention.
func subjectFor(queue string) string {
	return "sessiongrid." + queue
}

// Config holds the NATS connection settings.
type Config struct {
	URL  string
	User string
	Pass string
}

// Bridge forwards a fixed set of broker queues onto NATS subjects.
type Bridge struct {
	b       broker.Broker
	conn    *nats.Conn
	js      nats.JetStreamContext
	enabled bool
	log     zerolog.Logger
}

// New dials NATS and configures the event stream. If cfg.URL is empty or the
// dial fails, New returns a disabled Bridge that no-ops — mirroring the
// teacher's "event publishing disabled" degrade-gracefully behavior, since
// the NATS mirror is an observability aid, not load-bearing for the grid.
func New(b broker.Broker, cfg Config) *Bridge {
	log := logging.Component("natsbridge")
	if cfg.URL == "" {
		log.Warn().Msg("NATS_URL not configured, event mirroring disabled")
		return &Bridge{b: b, enabled: false, log: log}
	}

	opts := []nats.Option{
		nats.Name("sessiongrid"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Pass))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.URL).Msg("failed to connect to NATS, event mirroring disabled")
		return &Bridge{b: b, enabled: false, log: log}
	}

	js, err := conn.JetStream()
	if err != nil {
		log.Warn().Err(err).Msg("JetStream unavailable, mirroring without durability")
		return &Bridge{b: b, conn: conn, enabled: true, log: log}
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"sessiongrid.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		log.Warn().Err(err).Msg("failed to create JetStream stream, mirroring without durability")
		return &Bridge{b: b, conn: conn, enabled: true, log: log}
	}

	return &Bridge{b: b, conn: conn, js: js, enabled: true, log: log}
}

// Close drains and closes the NATS connection, if any.
func (br *Bridge) Close() {
	if br.conn != nil {
		_ = br.conn.Drain()
		br.conn.Close()
	}
}

func (br *Bridge) publish(subject string, payload []byte) {
	if !br.enabled {
		return
	}
	if err := br.conn.Publish(subject, payload); err != nil {
		br.log.Warn().Err(err).Str("subject", subject).Msg("failed to mirror event to NATS")
	}
}

// mirrorQueue consumes queue under a dedicated "natsbridge" consumer group
// and republishes every message verbatim to its NATS subject.
func (br *Bridge) mirrorQueue(ctx context.Context, queue string) error {
	group := "natsbridge"
	if err := br.b.EnsureGroup(ctx, queue, group, "$"); err != nil {
		return fmt.Errorf("ensure group for %s: %w", queue, err)
	}
	subject := subjectFor(queue)
	return br.b.Consume(ctx, queue, group, "natsbridge-1", 5*time.Second, func(msg broker.ConsumedMessage) error {
		br.publish(subject, msg.Payload)
		return nil
	})
}

// Run mirrors every externally-relevant queue until ctx is cancelled. A
// disabled Bridge returns immediately once ctx is done, doing no work.
func (br *Bridge) Run(ctx context.Context) error {
	if !br.enabled {
		<-ctx.Done()
		return nil
	}

	queues := []string{
		events.QueueSessionCreated,
		events.QueueSessionScheduled,
		events.QueueSessionProvisioned,
		events.QueueSessionOperational,
		events.QueueSessionTerminated,
		events.QueueSessionMetadataModified,
	}

	errCh := make(chan error, len(queues))
	for _, q := range queues {
		q := q
		go func() { errCh <- br.mirrorQueue(ctx, q) }()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
