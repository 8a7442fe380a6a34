package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type containerLister interface {
	ListLabelled(ctx context.Context, label string) ([]string, error)
	Remove(ctx context.Context, name string) error
}

// RemoveStaleContainers force-removes every container labelled for the given
// backend. Run manually after an agent host reboot or crash to clear out
// containers whose jobs have since been rescheduled.
func RemoveStaleContainers(ctx context.Context, containers containerLister, backend string, log *zap.Logger) error {
	names, err := containers.ListLabelled(ctx, backend)
	if err != nil {
		return fmt.Errorf("failed to list containers for backend %s: %w", backend, err)
	}

	for _, name := range names {
		if err := containers.Remove(ctx, name); err != nil {
			return fmt.Errorf("failed to remove container %s: %w", name, err)
		}
		log.Info("removed container", zap.String("container", name))
	}
	log.Info("cleanup complete", zap.Int("removed", len(names)))
	return nil
}
