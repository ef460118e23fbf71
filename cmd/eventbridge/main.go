// Command eventbridge mirrors the grid's internal event queues onto NATS
// JetStream subjects for external observers (dashboards, audit/billing
// consumers) that should not have to speak the broker's own consumer-group
// protocol.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamspace/sessiongrid/internal/broker/redisbroker"
	"github.com/streamspace/sessiongrid/internal/config"
	"github.com/streamspace/sessiongrid/internal/events/natsbridge"
	"github.com/streamspace/sessiongrid/internal/jobs"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/metrics"
)

func main() {
	boot := config.ParseBootstrap()
	logging.Init(boot.LogLevel, boot.LogPretty)
	gin.SetMode(gin.ReleaseMode)

	listenAddr := envDefault("LISTEN_ADDR", ":8080")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := redisbroker.New(ctx, redisbroker.Config{Addr: boot.BrokerAddr, Password: boot.BrokerPassword, DB: boot.BrokerDB})
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer b.Close()

	bridge := natsbridge.New(b, natsbridge.Config{
		URL:  os.Getenv("NATS_URL"),
		User: os.Getenv("NATS_USER"),
		Pass: os.Getenv("NATS_PASS"),
	})
	defer bridge.Close()

	sched := jobs.New(jobs.DefaultConfig())
	sched.Submit(ctx, jobs.Job{
		Name: "nats-event-mirror",
		Execute: func(ctx context.Context, h *jobs.Handle) error {
			h.Ready()
			return bridge.Run(ctx)
		},
	})

	mux := sched.Handler()
	mux.GET("/metrics", gin.WrapH(metrics.Handler()))

	httpServer := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		logging.Log.Info().Str("addr", listenAddr).Msg("eventbridge listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.Error().Err(err).Msg("eventbridge server stopped")
		}
	}()

	waitForShutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	sched.Shutdown()
	cancel()
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
