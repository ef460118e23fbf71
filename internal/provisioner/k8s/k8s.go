// Package k8s implements the provisioner.Backend for the Kubernetes
// provider: one Pod per session, its configured image catalog read from
// BrowserImage custom resources via controller-runtime, grounded on
// controller/controllers/session_controller.go's client.Client +
// owner-reference conventions.
package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	gridv1alpha1 "github.com/streamspace/sessiongrid/internal/provisioner/k8s/api/v1alpha1"

	"github.com/rs/zerolog"

	"github.com/streamspace/sessiongrid/internal/gridcore"
	"github.com/streamspace/sessiongrid/internal/logging"
	"github.com/streamspace/sessiongrid/internal/provisioner"
	"github.com/streamspace/sessiongrid/internal/session"
	"github.com/streamspace/sessiongrid/internal/webdriver"
)

const managedLabel = "sessiongrid.io/managed"
const sessionLabel = "sessiongrid.io/session"

// Config configures the Kubernetes backend.
type Config struct {
	Namespace    string
	PlatformName string
	ImageDefault string // fallback image if no BrowserImage CR matches
}

// Backend implements provisioner.Backend against a Kubernetes cluster using
// a controller-runtime client.
type Backend struct {
	cl     client.Client
	cfg    Config
	images []gridv1alpha1.BrowserImage
	log    zerolog.Logger
}

var _ provisioner.Backend = (*Backend)(nil)

// New loads the BrowserImage catalog from the cluster and returns a ready
// Backend.
func New(ctx context.Context, cl client.Client, cfg Config) (*Backend, error) {
	var list gridv1alpha1.BrowserImageList
	if err := cl.List(ctx, &list, client.InNamespace(cfg.Namespace)); err != nil {
		return nil, gridcore.New(gridcore.KindIoError, "list BrowserImage resources", err)
	}
	return &Backend{cl: cl, cfg: cfg, images: list.Items, log: logging.Component("provisioner.k8s")}, nil
}

func (b *Backend) PlatformName() string { return b.cfg.PlatformName }

func (b *Backend) Images() []session.BrowserSpec {
	specs := make([]session.BrowserSpec, len(b.images))
	for i, img := range b.images {
		specs[i] = session.BrowserSpec{Name: img.Spec.BrowserName, Version: img.Spec.BrowserVersion}
	}
	return specs
}

// Provision creates a Pod running the image of the first BrowserImage that
// matches one of capabilities' candidates, tried in order, or
// cfg.ImageDefault if none matches (the scheduler has already established a
// match via ProvisionerMatch before assigning this job).
func (b *Backend) Provision(ctx context.Context, sessionID string, capabilities []byte) (map[string]string, error) {
	image := b.cfg.ImageDefault
	var nodePort int32 = 4444
	if req, err := webdriver.ParseRequest(capabilities); err == nil {
	match:
		for _, c := range req.Candidates {
			for _, img := range b.images {
				if c.MatchesImage(img.Spec.BrowserName, img.Spec.BrowserVersion, b.cfg.PlatformName) {
					image = img.Spec.Image
					if img.Spec.NodePort != 0 {
						nodePort = img.Spec.NodePort
					}
					break match
				}
			}
		}
	}
	if image == "" {
		return nil, gridcore.New(gridcore.KindProvisioningFailed, "no image resolved for session", nil)
	}

	name := fmt.Sprintf("sessiongrid-%s", sessionID)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.cfg.Namespace,
			Labels: map[string]string{
				managedLabel: "true",
				sessionLabel: sessionID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  "node",
					Image: image,
					Env: []corev1.EnvVar{
						{Name: "SESSION_ID", Value: sessionID},
						{Name: "NODE_PORT", Value: fmt.Sprint(nodePort)},
					},
					Ports: []corev1.ContainerPort{{ContainerPort: nodePort}},
				},
			},
		},
	}

	if err := b.cl.Create(ctx, pod); err != nil {
		return nil, gridcore.New(gridcore.KindProvisioningFailed, "create session pod", err)
	}

	b.log.Info().Str("sessionId", sessionID).Str("image", image).Str("pod", name).Msg("provisioned session pod")
	return map[string]string{"pod": name, "namespace": b.cfg.Namespace, "image": image}, nil
}

// Reap deletes the Pod backing a terminated session. Nothing in this
// repository calls it; the reclamation loop only touches broker state.
func (b *Backend) Reap(ctx context.Context, sessionID string) error {
	name := fmt.Sprintf("sessiongrid-%s", sessionID)
	pod := &corev1.Pod{}
	if err := b.cl.Get(ctx, types.NamespacedName{Name: name, Namespace: b.cfg.Namespace}, pod); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return gridcore.New(gridcore.KindIoError, "get session pod", err)
	}
	if err := b.cl.Delete(ctx, pod); err != nil && !apierrors.IsNotFound(err) {
		return gridcore.New(gridcore.KindIoError, "delete session pod", err)
	}
	return nil
}
