// Package gangway implements the alternative session-creation entry point
// from spec §4.J: a synchronous HTTP handler that publishes SessionCreated
// and awaits SessionOperational/SessionTerminated for the new id through an
// in-process correlation map bounded by an LRU, decoupling creation from the
// long-lived session manager task.
package gangway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/broker"
	"github.com/streamspace/sessiongrid/internal/events"
	"github.com/streamspace/sessiongrid/internal/gridcore"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/webdriver"
)

const correlationCacheSize = 4096
const consumerGroup = "gangway"

// outcome is the terminal event a waiter is correlated to.
type outcome struct {
	operational *events.SessionOperational
	terminated  *events.SessionTerminated
}

// Gangway is one running gangway process.
type Gangway struct {
	b        broker.Broker
	waiters  *lru.Cache[string, chan outcome]
	consumer string
	log      zerolog.Logger
	timeout  time.Duration
}

// New builds a Gangway bound to b. consumer identifies this process within
// the shared consumer groups for SessionOperational/SessionTerminated.
func New(b broker.Broker, consumer string, timeout time.Duration) (*Gangway, error) {
	cache, err := lru.New[string, chan outcome](correlationCacheSize)
	if err != nil {
		return nil, gridcore.New(gridcore.KindIoError, "create gangway correlation cache", err)
	}
	return &Gangway{b: b, waiters: cache, consumer: consumer, log: logging.Component("gangway"), timeout: timeout}, nil
}

// Run joins the SessionOperational/SessionTerminated consumer groups and
// dispatches to waiting correlations until ctx is cancelled.
func (g *Gangway) Run(ctx context.Context) error {
	if err := g.b.EnsureGroup(ctx, events.QueueSessionOperational, consumerGroup, "$"); err != nil {
		return err
	}
	if err := g.b.EnsureGroup(ctx, events.QueueSessionTerminated, consumerGroup, "$"); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- g.b.Consume(ctx, events.QueueSessionOperational, consumerGroup, g.consumer, 5*time.Second, g.handleOperational)
	}()
	go func() {
		errCh <- g.b.Consume(ctx, events.QueueSessionTerminated, consumerGroup, g.consumer, 5*time.Second, g.handleTerminated)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gangway) handleOperational(msg broker.ConsumedMessage) error {
	var ev events.SessionOperational
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil
	}
	if ch, ok := g.waiters.Get(ev.ID); ok {
		ch <- outcome{operational: &ev}
	}
	return nil
}

func (g *Gangway) handleTerminated(msg broker.ConsumedMessage) error {
	var ev events.SessionTerminated
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil
	}
	if ch, ok := g.waiters.Get(ev.ID); ok {
		ch <- outcome{terminated: &ev}
	}
	return nil
}

// Handler returns the Gin engine exposing POST /session for gangway's
// synchronous creation path.
func (g *Gangway) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/session", g.create)
	return r
}

func (g *Gangway) create(c *gin.Context) {
	id := uuid.NewString()
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, webdriver.NewErrorResponse(err))
		return
	}

	ch := make(chan outcome, 1)
	g.waiters.Add(id, ch)
	defer g.waiters.Remove(id)

	payload, err := json.Marshal(events.SessionCreated{ID: id, Capabilities: body})
	if err != nil {
		c.JSON(http.StatusInternalServerError, webdriver.NewErrorResponse(err))
		return
	}
	if err := g.b.Publish(c.Request.Context(), events.QueueSessionCreated, payload); err != nil {
		c.JSON(http.StatusInternalServerError, webdriver.NewErrorResponse(err))
		return
	}

	select {
	case result := <-ch:
		if result.operational != nil {
			var actual map[string]interface{}
			_ = json.Unmarshal(result.operational.ActualCapabilities, &actual)
			c.JSON(http.StatusOK, webdriver.SuccessResponse{Value: webdriver.SuccessValue{
				SessionID:    id,
				Capabilities: actual,
			}})
			return
		}
		err := gridcore.New(gridcore.KindStartupTimeout, result.terminated.Error, nil)
		c.JSON(http.StatusInternalServerError, webdriver.NewErrorResponse(err))
	case <-time.After(g.timeout):
		c.JSON(http.StatusGatewayTimeout, webdriver.NewErrorResponse(
			gridcore.New(gridcore.KindStartupTimeout, "gangway timed out awaiting session outcome", nil)))
	case <-c.Request.Context().Done():
	}
}
