// Command frontdoor runs the public reverse-proxy plane (spec §4.E): a
// single HTTP server dispatching by URL shape to whichever manager, node,
// api, or storage endpoint the routing table currently knows about.
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
	"github.com/streamspace/sessiongrid/internal/frontdoor"
	"github.com/streamspace/sessiongrid/internal/jobs"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/metrics"
	"github.com/streamspace/sessiongrid/internal/routing"
)

func main() {
	boot := config.ParseBootstrap()
	logging.Init(boot.LogLevel, boot.LogPretty)
	gin.SetMode(gin.ReleaseMode)

	listenAddr := envDefault("LISTEN_ADDR", ":8080")
	registrationSecretHash := os.Getenv("PROVISIONER_REGISTRATION_SECRET_HASH")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := redisbroker.New(ctx, redisbroker.Config{Addr: boot.BrokerAddr, Password: boot.BrokerPassword, DB: boot.BrokerDB})
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer b.Close()

	table := routing.New(b)
	sched := jobs.New(jobs.DefaultConfig())
	sched.Submit(ctx, jobs.Job{
		Name:             "routing-watcher",
		SupportsGraceful: false,
		Execute: func(ctx context.Context, h *jobs.Handle) error {
			h.Ready()
			return table.Start(ctx)
		},
	})

	server := frontdoor.New(table, registrationSecretHash)
	mux := server.Handler()
	mux.GET("/metrics", gin.WrapH(metrics.Handler()))

	httpServer := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		logging.Log.Info().Str("addr", listenAddr).Msg("frontdoor listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.Error().Err(err).Msg("frontdoor server stopped")
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
