// Command gangway runs the synchronous session-creation entry point from
// spec §4.J: POST /session publishes SessionCreated and blocks for the
// matching SessionOperational/SessionTerminated event.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamspace/sessiongrid/internal/broker/redisbroker"
	"github.com/streamspace/sessiongrid/internal/config"
	"github.com/streamspace/sessiongrid/internal/gangway"
	"github.com/streamspace/sessiongrid/internal/jobs"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/metrics"
)

func main() {
	boot := config.ParseBootstrap()
	logging.Init(boot.LogLevel, boot.LogPretty)
	gin.SetMode(gin.ReleaseMode)

	listenAddr := envDefault("LISTEN_ADDR", ":8080")
	consumerID := envDefault("INSTANCE_ID", uuid.NewString())
	waitTimeout := 60 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := redisbroker.New(ctx, redisbroker.Config{Addr: boot.BrokerAddr, Password: boot.BrokerPassword, DB: boot.BrokerDB})
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer b.Close()

	gw, err := gangway.New(b, consumerID, waitTimeout)
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to build gangway")
	}

	sched := jobs.New(jobs.DefaultConfig())
	sched.Submit(ctx, jobs.Job{
		Name: "gangway-dispatcher",
		Execute: func(ctx context.Context, h *jobs.Handle) error {
			h.Ready()
			return gw.Run(ctx)
		},
	})

	mux := gw.Handler()
	statusMux := sched.Handler()
	mux.GET("/status", func(c *gin.Context) { statusMux.HandleContext(c) })
	mux.GET("/metrics", gin.WrapH(metrics.Handler()))

	httpServer := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		logging.Log.Info().Str("addr", listenAddr).Msg("gangway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.Error().Err(err).Msg("gangway server stopped")
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
