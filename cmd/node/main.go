// Command node runs one Node Supervisor (spec §4.I): its entire process
// lifetime is exactly one browser session, launched by a provisioner with
// SESSION_ID/NODE_PORT in its environment and the already-allocated
// requested capabilities sitting in the broker under that session's key.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/streamspace/sessiongrid/internal/broker/redisbroker"
	"github.com/streamspace/sessiongrid/internal/config"
	"github.com/streamspace/sessiongrid/internal/heartbeat"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/node"
	"github.com/streamspace/sessiongrid/internal/session"
)

func main() {
	boot := config.ParseBootstrap()
	logging.Init(boot.LogLevel, boot.LogPretty)

	sessionID := os.Getenv("SESSION_ID")
	if sessionID == "" {
		logging.Log.Fatal().Msg("SESSION_ID is required")
	}
	nodePort := envDefaultInt("NODE_PORT", 4444)
	nodeHost := envDefault("NODE_HOST", "localhost")
	driverPort := envDefaultInt("DRIVER_PORT", 9515)
	driverCmd := strings.Fields(envDefault("DRIVER_CMD", "chromedriver --port=9515"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	b, err := redisbroker.New(ctx, redisbroker.Config{Addr: boot.BrokerAddr, Password: boot.BrokerPassword, DB: boot.BrokerDB})
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer b.Close()

	requestedCapabilities, err := b.Get(ctx, session.CapabilitiesKey(sessionID))
	if err != nil {
		logging.Log.Fatal().Err(err).Str("sessionId", sessionID).Msg("failed to fetch requested capabilities")
	}

	hb := heartbeat.New(b)
	go hb.Run(ctx)

	cfg := node.DefaultConfig()
	cfg.SessionID = sessionID
	cfg.DriverCmd = driverCmd
	cfg.DriverPort = driverPort
	cfg.NodeHost = nodeHost
	cfg.NodePort = nodePort
	cfg.BlobStoreURL = os.Getenv("BLOB_STORE_URL")
	cfg.DisableRecording = os.Getenv("DISABLE_RECORDING") == "true"
	if rec := os.Getenv("RECORDER_CMD"); rec != "" {
		cfg.RecorderCmd = strings.Fields(rec)
	}

	supervisor := node.New(b, hb, cfg)

	logging.Log.Info().Str("sessionId", sessionID).Int("nodePort", nodePort).Msg("node supervisor starting")
	if err := supervisor.Run(ctx, []byte(requestedCapabilities)); err != nil {
		logging.Log.Error().Err(err).Str("sessionId", sessionID).Msg("node supervisor exited with error")
		cancel()
		time.Sleep(100 * time.Millisecond) // let in-flight heartbeat expiry writes land
		os.Exit(1)
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
