// Package docker implements the provisioner.Backend for the Docker-engine
// provider: one container per session, labeled for discovery and garbage
// collection, grounded on docker-controller/pkg/docker/client.go's
// client-wrapper pattern.
package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/gridcore"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/provisioner"
	"github.com/streamspace/sessiongrid/internal/session"
	"github.com/streamspace/sessiongrid/internal/webdriver"
)

const managedLabel = "sessiongrid.io/managed"
const sessionLabel = "sessiongrid.io/session"

// ImageSpec maps one declared browser to the container image that serves
// it, per spec §4.H "walk the configured image list".
type ImageSpec struct {
	Browser session.BrowserSpec
	Image   string
}

// Config configures the Docker backend.
type Config struct {
	Host         string
	NetworkName  string
	PlatformName string
	Images       []ImageSpec
	NodePort     int
	RetainSoft   int // warn threshold, default 10
	RetainHard   int // purge-above threshold, default 100
	RetainFloor  int // purge down to, default 50
}

// Backend implements provisioner.Backend against the Docker engine API.
type Backend struct {
	docker *client.Client
	cfg    Config
	log    zerolog.Logger
}

var _ provisioner.Backend = (*Backend)(nil)

// New dials the Docker daemon and returns a ready Backend.
func New(cfg Config) (*Backend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, gridcore.New(gridcore.KindIoError, "create docker client", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, gridcore.New(gridcore.KindBrokerError, "connect to docker daemon", err)
	}
	if cfg.RetainSoft == 0 {
		cfg.RetainSoft = 10
	}
	if cfg.RetainHard == 0 {
		cfg.RetainHard = 100
	}
	if cfg.RetainFloor == 0 {
		cfg.RetainFloor = 50
	}
	return &Backend{docker: cli, cfg: cfg, log: logging.Component("provisioner.docker")}, nil
}

func (b *Backend) PlatformName() string { return b.cfg.PlatformName }

func (b *Backend) Images() []session.BrowserSpec {
	specs := make([]session.BrowserSpec, len(b.cfg.Images))
	for i, img := range b.cfg.Images {
		specs[i] = img.Browser
	}
	return specs
}

// Provision launches a container for sessionID running the image matching
// one of capabilities' candidates, per spec §4.H step 2.
func (b *Backend) Provision(ctx context.Context, sessionID string, capabilities []byte) (map[string]string, error) {
	image, err := b.selectImage(capabilities)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("sessiongrid-%s", sessionID)
	containerConfig := &container.Config{
		Image: image,
		Env:   []string{"SESSION_ID=" + sessionID, "NODE_PORT=" + fmt.Sprint(b.cfg.NodePort)},
		Labels: map[string]string{
			managedLabel: "true",
			sessionLabel: sessionID,
		},
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}
	var networkConfig *network.NetworkingConfig
	if b.cfg.NetworkName != "" {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{b.cfg.NetworkName: {}},
		}
	}

	resp, err := b.docker.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, name)
	if err != nil {
		return nil, gridcore.New(gridcore.KindProvisioningFailed, "create container", err)
	}
	if err := b.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = b.docker.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, gridcore.New(gridcore.KindProvisioningFailed, "start container", err)
	}

	b.log.Info().Str("sessionId", sessionID).Str("image", image).Str("containerId", resp.ID).Msg("provisioned session container")
	return map[string]string{"containerId": resp.ID, "image": image}, nil
}

func (b *Backend) selectImage(rawCapabilities []byte) (string, error) {
	if len(b.cfg.Images) == 0 {
		return "", gridcore.New(gridcore.KindProvisioningFailed, "no images configured", nil)
	}
	// The scheduler has already matched capabilities to this provisioner via
	// ProvisionerMatch; here we only need to pick the one compatible image.
	req, err := webdriver.ParseRequest(rawCapabilities)
	if err != nil {
		return "", err
	}
	for _, c := range req.Candidates {
		for _, img := range b.cfg.Images {
			if c.MatchesImage(img.Browser.Name, img.Browser.Version, b.cfg.PlatformName) {
				return img.Image, nil
			}
		}
	}
	return "", gridcore.New(gridcore.KindProvisioningFailed, "no configured image matches the requested capabilities", nil)
}

// CollectGarbage enforces spec §4.H's container-garbage policy: delete
// terminated successful containers immediately; retain failed ones up to a
// soft limit (warn at 10), purging the oldest above a hard limit (100) down
// to a floor (50).
func (b *Backend) CollectGarbage(ctx context.Context) error {
	containers, err := b.docker.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return gridcore.New(gridcore.KindIoError, "list managed containers", err)
	}

	var failed []types.Container
	for _, c := range containers {
		if !strings.HasPrefix(c.State, "exited") {
			continue
		}
		if c.Status != "" && strings.Contains(c.Status, "(0)") {
			_ = b.docker.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true})
			continue
		}
		failed = append(failed, c)
	}

	if len(failed) >= b.cfg.RetainSoft {
		b.log.Warn().Int("count", len(failed)).Msg("failed container count exceeds soft retention limit")
	}
	if len(failed) <= b.cfg.RetainHard {
		return nil
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i].Created < failed[j].Created })
	purge := len(failed) - b.cfg.RetainFloor
	for i := 0; i < purge && i < len(failed); i++ {
		_ = b.docker.ContainerRemove(ctx, failed[i].ID, types.ContainerRemoveOptions{Force: true})
	}
	b.log.Info().Int("purged", purge).Msg("purged oldest failed containers above retention ceiling")
	return nil
}

// RunGarbageLoop runs CollectGarbage on a fixed interval until ctx is
// cancelled.
func (b *Backend) RunGarbageLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.CollectGarbage(ctx); err != nil {
				b.log.Warn().Err(err).Msg("container garbage collection failed")
			}
		}
	}
}
