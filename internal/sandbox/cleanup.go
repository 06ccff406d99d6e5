package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Container teardown. Every execution deletes its container on the way
// out; the startup sweep catches whatever a crashed process left behind.

const containerPrefix = "gatekeeper-"

// teardownTimeout bounds one container's cleanup so a wedged shim
// cannot stall shutdown.
const teardownTimeout = 30 * time.Second

func (b *ContainerdBackend) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(b.client.WithNamespace(ctx), teardownTimeout)
	defer cancel()

	logger := log.With().Str("container_id", container.ID()).Logger()

	if task, err := container.Task(ctx, nil); err == nil {
		stopTask(ctx, task, logger)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		logger.Error().Err(err).Msg("failed to delete container")
		return fmt.Errorf("deleting container %s: %w", container.ID(), err)
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// stopTask kills a still-running task and waits briefly for the exit
// event so the delete does not race the shim.
func stopTask(ctx context.Context, task containerd.Task, logger zerolog.Logger) {
	status, err := task.Status(ctx)
	if err != nil || status.Status == containerd.Stopped {
		return
	}

	logger.Debug().Msg("killing running task")
	_ = task.Kill(ctx, 9)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if exitCh, err := task.Wait(waitCtx); err == nil {
		select {
		case <-exitCh:
		case <-waitCtx.Done():
			logger.Warn().Msg("timed out waiting for task to stop")
		}
	}
}

// CleanupOrphaned deletes gatekeeper containers surviving from an
// earlier process. Runs once when the backend is constructed.
func (b *ContainerdBackend) CleanupOrphaned(ctx context.Context) (int, error) {
	containers, err := b.client.Raw().Containers(b.client.WithNamespace(ctx))
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	cleaned := 0
	for _, c := range containers {
		if !strings.HasPrefix(c.ID(), containerPrefix) {
			continue
		}
		if err := b.cleanupContainer(ctx, c); err != nil {
			log.Error().Err(err).Str("container_id", c.ID()).Msg("failed to clean orphaned container")
			continue
		}
		log.Info().Str("container_id", c.ID()).Msg("removed orphaned container")
		cleaned++
	}
	return cleaned, nil
}
