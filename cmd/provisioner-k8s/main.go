// Command provisioner-k8s runs a Kubernetes-backed provisioner (spec §4.H):
// its browser image catalog comes from BrowserImage custom resources, and
// each assigned session becomes one Pod in the configured namespace.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/streamspace/sessiongrid/internal/broker/redisbroker"
	"github.com/streamspace/sessiongrid/internal/config"
	"github.com/streamspace/sessiongrid/internal/heartbeat"
	"github.com/streamspace/sessiongrid/internal/jobs"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/metrics"
	"github.com/streamspace/sessiongrid/internal/provisioner"
	"github.com/streamspace/sessiongrid/internal/provisioner/k8s"
	gridv1alpha1 "github.com/streamspace/sessiongrid/internal/provisioner/k8s/api/v1alpha1"
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

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to load in-cluster kubernetes config")
	}
	if err := gridv1alpha1.AddToScheme(scheme.Scheme); err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to register BrowserImage scheme")
	}
	cl, err := ctrlclient.New(restCfg, ctrlclient.Options{Scheme: scheme.Scheme})
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to build kubernetes client")
	}

	namespace := envDefault("K8S_NAMESPACE", "default")
	backend, err := k8s.New(ctx, cl, k8s.Config{
		Namespace:    namespace,
		PlatformName: envDefault("PLATFORM_NAME", "linux"),
		ImageDefault: os.Getenv("IMAGE_DEFAULT"),
	})
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to build kubernetes backend")
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

	mux := sched.Handler()
	mux.GET("/metrics", gin.WrapH(metrics.Handler()))

	httpServer := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		logging.Log.Info().Str("addr", listenAddr).Str("provisionerId", provisionerID).Msg("k8s provisioner listening")
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
