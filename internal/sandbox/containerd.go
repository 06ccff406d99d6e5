package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// Client is the containerd connection tasks run through. Every call is
// stamped with the configured namespace, which keeps gatekeeper
// containers separate from anything else on the daemon.
type Client struct {
	inner     *containerd.Client
	namespace string
}

// NewClient dials containerd and probes it, so a dead socket surfaces
// at startup instead of on the first execution.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %v", ErrBackendDown, socket, err)
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("%w: containerd version probe failed: %v", ErrBackendDown, err)
	}

	log.Info().Str("socket", socket).Str("namespace", namespace).Msg("connected to containerd")
	return &Client{inner: inner, namespace: namespace}, nil
}

// Raw exposes the underlying client for container and task calls.
func (c *Client) Raw() *containerd.Client { return c.inner }

// WithNamespace stamps ctx with the client's namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

func (c *Client) Close() error { return c.inner.Close() }

// PullImage resolves ref locally first and only pulls on a miss. The
// first execution after a cold start pays the pull, later ones do not.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	if image, err := c.inner.GetImage(ctx, ref); err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err := c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return image, nil
}
