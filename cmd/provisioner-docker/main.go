// Command provisioner-docker runs a Docker-engine-backed provisioner (spec
// §4.H): it owns a fixed pool of session slots, launches one container per
// assigned session, and reclaims slots from sessions that stop reporting
// liveness.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamspace/sessiongrid/internal/broker/redisbroker"
	"github.com/streamspace/sessiongrid/internal/config"
	"github.com/streamspace/sessiongrid/internal/heartbeat"
	"github.com/streamspace/sessiongrid/internal/jobs"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/metrics"
	"github.com/streamspace/sessiongrid/internal/provisioner"
	"github.com/streamspace/sessiongrid/internal/provisioner/docker"
	"github.com/streamspace/sessiongrid/internal/session"
)

func main() {
	boot := config.ParseBootstrap()
	logging.Init(boot.LogLevel, boot.LogPretty)
	gin.SetMode(gin.ReleaseMode)

	listenAddr := envDefault("LISTEN_ADDR", ":8080")
	provisionerID := envDefault("PROVISIONER_ID", uuid.NewString())
	registrationSecret := os.Getenv("PROVISIONER_REGISTRATION_SECRET")
	frontdoorAddr := os.Getenv("FRONTDOOR_ADDR")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if frontdoorAddr != "" {
		if err := registerWithFrontdoor(ctx, frontdoorAddr, registrationSecret); err != nil {
			logging.Log.Fatal().Err(err).Msg("provisioner registration with frontdoor was rejected")
		}
	}

	b, err := redisbroker.New(ctx, redisbroker.Config{Addr: boot.BrokerAddr, Password: boot.BrokerPassword, DB: boot.BrokerDB})
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer b.Close()

	backend, err := docker.New(docker.Config{
		Host:         os.Getenv("DOCKER_HOST"),
		NetworkName:  envDefault("DOCKER_NETWORK", "sessiongrid"),
		PlatformName: envDefault("PLATFORM_NAME", "linux"),
		Images:       parseImages(os.Getenv("PROVISIONER_IMAGES")),
		NodePort:     envDefaultInt("NODE_PORT", 4444),
	})
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to connect to docker daemon")
	}

	svcCfg := provisioner.Config{
		ID:               provisionerID,
		SlotCapacity:     envDefaultInt("SLOT_CAPACITY", 4),
		ReclaimInterval:  5 * time.Second,
		HeartbeatRefresh: 5 * time.Second,
		HeartbeatExpire:  15 * time.Second,
	}
	hb := heartbeat.New(b)
	svc, err := provisioner.New(ctx, b, backend, hb, svcCfg)
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to register provisioner")
	}

	sched := jobs.New(jobs.DefaultConfig())
	sched.Submit(ctx, jobs.Job{
		Name: "provisioner-heartbeat",
		Execute: func(ctx context.Context, h *jobs.Handle) error {
			h.Ready()
			hb.Run(ctx)
			return nil
		},
	})
	sched.Submit(ctx, jobs.Job{
		Name: "provisioner-dispatcher",
		Execute: func(ctx context.Context, h *jobs.Handle) error {
			h.Ready()
			return svc.Run(ctx)
		},
	})
	sched.Submit(ctx, jobs.Job{
		Name: "provisioner-reclaim",
		Execute: func(ctx context.Context, h *jobs.Handle) error {
			h.Ready()
			svc.RunReclaimLoop(ctx)
			return nil
		},
	})
	sched.Submit(ctx, jobs.Job{
		Name: "docker-garbage-collector",
		Execute: func(ctx context.Context, h *jobs.Handle) error {
			h.Ready()
			backend.RunGarbageLoop(ctx, 5*time.Minute)
			return nil
		},
	})

	mux := sched.Handler()
	mux.GET("/metrics", gin.WrapH(metrics.Handler()))

	httpServer := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		logging.Log.Info().Str("addr", listenAddr).Str("provisionerId", provisionerID).Msg("docker provisioner listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.Error().Err(err).Msg("provisioner server stopped")
		}
	}()

	waitForShutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	sched.Shutdown()
	cancel()
}

// registerWithFrontdoor presents the shared secret at the Frontdoor's
// registration gate (internal/auth) before this provisioner starts
// advertising slots, per the Frontdoor's registrationSecret check.
func registerWithFrontdoor(ctx context.Context, frontdoorAddr, secret string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+frontdoorAddr+"/internal/provisioners/register", nil)
	if err != nil {
		return err
	}
	if secret != "" {
		req.Header.Set("X-Provisioner-Secret", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("frontdoor rejected provisioner registration, status %d", resp.StatusCode)
	}
	return nil
}

// parseImages parses a "browser:version=image,browser2:version2=image2" spec
// from PROVISIONER_IMAGES into docker.ImageSpec entries.
func parseImages(raw string) []docker.ImageSpec {
	if raw == "" {
		return nil
	}
	var specs []docker.ImageSpec
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		nameVersion := strings.SplitN(parts[0], ":", 2)
		if len(nameVersion) != 2 {
			continue
		}
		specs = append(specs, docker.ImageSpec{
			Browser: session.BrowserSpec{Name: nameVersion[0], Version: nameVersion[1]},
			Image:   parts[1],
		})
	}
	return specs
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

func envDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
