package traversal

import (
	"context"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
	"github.com/cloudogu/k8s-mount-verifier/controllers/config"
	"github.com/cloudogu/k8s-mount-verifier/controllers/mount"
	"github.com/cloudogu/k8s-mount-verifier/controllers/resolver"
)

// ContainerResolver resolves a single container into its context.
type ContainerResolver interface {
	Resolve(in resolver.Input) (*resolver.ContainerContext, error)
}

// Visitor is called with the context of every container of a workload in start order. Files rendered by the
// container are not yet visible in the context when it is visited.
type Visitor func(containerCtx *resolver.ContainerContext) error

// Traverser walks the containers of a workload and carries the rendered content of empty dirs from one container
// to the next.
type Traverser struct {
	resolver       ContainerResolver
	verifierConfig *config.VerifierConfig
}

// New creates a traverser resolving containers with the given resolver.
func New(containerResolver ContainerResolver, verifierConfig *config.VerifierConfig) *Traverser {
	return &Traverser{resolver: containerResolver, verifierConfig: verifierConfig}
}

// Traverse visits init containers first and regular containers afterwards, each in declaration order. Any error
// stops the traversal of the workload.
func (t *Traverser) Traverse(ctx context.Context, workload *v1.Workload, visit Visitor) error {
	logger := log.FromContext(ctx).WithValues("workload", workload.ID())

	hookWeight, err := workload.HookWeight()
	if err != nil {
		return err
	}

	component := t.verifierConfig.ComponentFor(workload.ComponentName())
	emptyDirs := map[string]*mount.MountedEmptyDir{}

	containers := workload.Containers()
	for i := range containers {
		container := &containers[i]
		containerCtx, err := t.resolver.Resolve(resolver.Input{
			Workload:   workload,
			Container:  container,
			HookWeight: hookWeight,
			EmptyDirs:  emptyDirs,
			Component:  component,
		})
		if err != nil {
			return fmt.Errorf("failed to resolve container %s of %s: %w", container.Name, workload.ID(), err)
		}

		logger.V(1).Info(fmt.Sprintf("Visiting container %s with %d sources and %d consumers",
			container.Name, len(containerCtx.Sources), len(containerCtx.Consumers)))
		err = visit(containerCtx)
		if err != nil {
			return err
		}

		for _, pathConsumer := range containerCtx.Consumers {
			err = pathConsumer.Finalize(container, workload, containerCtx.MutableEmptyDirs)
			if err != nil {
				return fmt.Errorf("failed to record outputs of container %s of %s: %w", container.Name, workload.ID(), err)
			}
		}

		for name, emptyDir := range containerCtx.MutableEmptyDirs {
			emptyDirs[name] = emptyDir.Snapshot()
		}
	}

	return nil
}
