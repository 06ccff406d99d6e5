package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// ContainerdBackend runs commands as containerd tasks under the fixed
// hardening envelope. One container per execution; the workspace is
// bind-mounted read-write at /workspace and everything else is locked
// down.
type ContainerdBackend struct {
	client *Client
	image  string
	limits ResourceLimits
}

func NewContainerdBackend(client *Client, image string, limits ResourceLimits) *ContainerdBackend {
	return &ContainerdBackend{
		client: client,
		image:  image,
		limits: limits,
	}
}

func (b *ContainerdBackend) Name() string { return "containerd" }

func (b *ContainerdBackend) Run(ctx context.Context, spec RunSpec, stdout, stderr io.Writer) (int, error) {
	logger := log.With().Str("exec_id", spec.ID).Logger()

	image, err := b.client.PullImage(ctx, b.image)
	if err != nil {
		return -1, err
	}

	containerID := containerPrefix + spec.ID
	container, err := b.createContainer(ctx, containerID, image, spec)
	if err != nil {
		return -1, err
	}
	// Always cleanup, even on panic.
	defer func() {
		if cleanErr := b.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	nsCtx := b.client.WithNamespace(ctx)

	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(nil, stdout, stderr)),
	)
	if err != nil {
		return -1, fmt.Errorf("creating task: %w", err)
	}
	defer func() {
		if _, err := task.Delete(b.client.WithNamespace(context.Background()), containerd.WithProcessKill); err != nil {
			logger.Error().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return -1, fmt.Errorf("waiting on task: %w", err)
	}

	if err := task.Start(nsCtx); err != nil {
		return -1, fmt.Errorf("starting task: %w", err)
	}

	logger.Debug().Str("container_id", containerID).Msg("task started")

	select {
	case status := <-exitCh:
		return int(status.ExitCode()), nil

	case <-ctx.Done():
		logger.Warn().Msg("killing task on context cancellation")
		killCtx := b.client.WithNamespace(context.Background())
		if err := task.Kill(killCtx, 9); err != nil {
			logger.Error().Err(err).Msg("failed to kill task")
		}
		<-exitCh
		return -1, ctx.Err()
	}
}

func (b *ContainerdBackend) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	spec RunSpec,
) (containerd.Container, error) {
	nsCtx := b.client.WithNamespace(ctx)
	argv := append([]string{spec.Command}, spec.Args...)

	container, err := b.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(argv...),
			oci.WithProcessCwd("/workspace"),
			oci.WithHostname("gatekeeper"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				harden(s)
				applyLimits(s, b.limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      spec.Dir,
					Options:     []string{"rbind", "rw"},
				})

				s.Process.Env = []string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
					"SANDBOX=true",
				}

				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

func (b *ContainerdBackend) Close() error {
	return b.client.Close()
}
