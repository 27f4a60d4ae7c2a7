package resolver

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
	"github.com/cloudogu/k8s-mount-verifier/controllers/config"
	"github.com/cloudogu/k8s-mount-verifier/controllers/consumer"
	"github.com/cloudogu/k8s-mount-verifier/controllers/mount"
	"github.com/cloudogu/k8s-mount-verifier/util"
)

// Input contains everything needed to resolve a single container.
type Input struct {
	Workload  *v1.Workload
	Container *corev1.Container
	// HookWeight is the hook weight of the workload or nil if the workload is not hook ordered.
	HookWeight *int
	// EmptyDirs contains the empty dirs rendered by the containers started before this one. It is not modified.
	EmptyDirs map[string]*mount.MountedEmptyDir
	Component config.ComponentConfig
}

// ContainerContext is a fully resolved container: what is mounted into it and what refers to mounted paths.
type ContainerContext struct {
	WorkloadID string
	Name       string
	Role       Role
	Consumers  []consumer.Consumer
	// Sources contains one source per volume mount in declaration order.
	Sources []mount.Source
	// MutableEmptyDirs contains the empty dirs this container can write to, keyed by volume name.
	MutableEmptyDirs map[string]*mount.MountedEmptyDir
	Component        config.ComponentConfig
}

// ID returns the container identifier in the form "kind/workload/container".
func (c *ContainerContext) ID() string {
	return fmt.Sprintf("%s/%s", c.WorkloadID, c.Name)
}

// Resolver builds container contexts from the resources of a snapshot.
type Resolver struct {
	snapshot        *v1.Snapshot
	renderToolImage string
	renderVerb      string
}

// New creates a resolver looking up secrets and config maps in the given snapshot.
func New(snapshot *v1.Snapshot, verifierConfig *config.VerifierConfig) *Resolver {
	return &Resolver{
		snapshot:        snapshot,
		renderToolImage: verifierConfig.RenderToolImage,
		renderVerb:      verifierConfig.RenderVerb,
	}
}

// Resolve creates the context of a single container. Lookup, ordering and malformed convention errors are returned
// as is so that callers can distinguish them.
func (r *Resolver) Resolve(in Input) (*ContainerContext, error) {
	containerCtx := &ContainerContext{
		WorkloadID:       in.Workload.ID(),
		Name:             in.Container.Name,
		Role:             Classify(in.Container, r.renderToolImage, r.renderVerb),
		MutableEmptyDirs: map[string]*mount.MountedEmptyDir{},
		Component:        in.Component,
	}

	for _, volumeMount := range in.Container.VolumeMounts {
		source, err := r.resolveMount(in, containerCtx, volumeMount)
		if err != nil {
			return nil, err
		}
		if source == nil {
			continue
		}

		if volumeMount.SubPath != "" {
			_, fileName := util.SplitPath(volumeMount.MountPath)
			source = &mount.SubPathMount{SubPathKey: volumeMount.SubPath, FileName: fileName, Wrapped: source}
		}
		containerCtx.Sources = append(containerCtx.Sources, source)
	}

	if containerCtx.Role == RoleRenderConfig {
		renderConsumer, err := r.renderConfigConsumer(in.Container, containerCtx.Sources)
		if err != nil {
			return nil, err
		}
		containerCtx.Consumers = append(containerCtx.Consumers, renderConsumer)
	} else {
		visible, err := visibleEmptyDirs(in)
		if err != nil {
			return nil, err
		}
		containerCtx.Consumers = append(containerCtx.Consumers, consumer.NewGenericContainerConsumer(in.Container, visible))
	}

	return containerCtx, nil
}

func (r *Resolver) resolveMount(in Input, containerCtx *ContainerContext, volumeMount corev1.VolumeMount) (mount.Source, error) {
	volume, err := in.Workload.Volume(volumeMount.Name)
	if err != nil {
		return nil, err
	}

	mountPoint := volumeMount.MountPath
	if volumeMount.SubPath != "" {
		mountPoint, _ = util.SplitPath(volumeMount.MountPath)
	}

	switch {
	case volume.Secret != nil:
		secret, err := r.snapshot.Secret(volume.Secret.SecretName)
		if err != nil {
			return nil, err
		}
		err = checkHookOrdering(secret, v1.KindSecret, in.HookWeight, containerCtx.ID())
		if err != nil {
			return nil, err
		}

		data := v1.SecretData(secret)
		err = checkSubPathKey(volumeMount, data, fmt.Sprintf("%s %s", v1.KindSecret, secret.Name))
		if err != nil {
			return nil, err
		}

		return &mount.MountedSecret{SecretName: secret.Name, MountPoint: mountPoint, Data: data}, nil
	case volume.ConfigMap != nil:
		configMap, err := r.snapshot.ConfigMap(volume.ConfigMap.Name)
		if err != nil {
			return nil, err
		}
		err = checkHookOrdering(configMap, v1.KindConfigMap, in.HookWeight, containerCtx.ID())
		if err != nil {
			return nil, err
		}

		data := v1.ConfigMapData(configMap)
		err = checkSubPathKey(volumeMount, data, fmt.Sprintf("%s %s", v1.KindConfigMap, configMap.Name))
		if err != nil {
			return nil, err
		}

		// render-config containers consume config maps through their input files only
		if containerCtx.Role != RoleRenderConfig {
			containerCtx.Consumers = append(containerCtx.Consumers, consumer.NewConfigMapConsumer(configMap))
		}

		return &mount.MountedConfigMap{ConfigMapName: configMap.Name, MountPoint: mountPoint, Data: data}, nil
	case volume.EmptyDir != nil:
		return resolveEmptyDir(in, containerCtx, volume.Name, mountPoint, volumeMount.MountPath), nil
	case volume.PersistentVolumeClaim != nil:
		return &mount.MountedPersistentVolume{
			ClaimName:        volume.Name,
			MountPoint:       volumeMount.MountPath,
			StaticSubcontent: in.Component.StaticSubcontent(volumeMount.MountPath),
		}, nil
	default:
		// other volume types do not provide files the verifier knows about
		return nil, nil
	}
}

func resolveEmptyDir(in Input, containerCtx *ContainerContext, volumeName, mountPoint, mountPath string) mount.Source {
	if mutable, ok := containerCtx.MutableEmptyDirs[volumeName]; ok {
		return mutable.MountedAt(mountPoint)
	}

	static := in.Component.StaticSubcontent(mountPath)
	var emptyDir *mount.MountedEmptyDir
	if previous, ok := in.EmptyDirs[volumeName]; ok {
		emptyDir = previous.MountedAt(mountPoint)
		emptyDir.StaticSubcontent = union(emptyDir.StaticSubcontent, static)
	} else {
		emptyDir = mount.NewMountedEmptyDir(volumeName, mountPoint, static)
	}

	containerCtx.MutableEmptyDirs[volumeName] = emptyDir
	return emptyDir
}

func (r *Resolver) renderConfigConsumer(container *corev1.Container, sources []mount.Source) (*consumer.RenderConfigConsumer, error) {
	args, err := ParseRenderConfigArgs(container.Name, container.Args)
	if err != nil {
		return nil, err
	}

	mountedFiles := map[string]string{}
	for _, source := range sources {
		for _, mounted := range source.MountedPaths() {
			if mounted.Node != nil {
				mountedFiles[mounted.String()] = mounted.Node.Data
			}
		}
	}

	inputFiles := make([]consumer.InputFile, 0, len(args.InputFiles))
	for _, inputPath := range args.InputFiles {
		content, ok := mountedFiles[inputPath]
		if !ok {
			return nil, &v1.LookupError{Kind: v1.KindFile, Name: inputPath, In: container.Name}
		}
		inputFiles = append(inputFiles, consumer.InputFile{Path: inputPath, Content: content})
	}

	return consumer.NewRenderConfigConsumer(container, args.Output, inputFiles), nil
}

// visibleEmptyDirs returns the already rendered empty dirs the container mounts.
func visibleEmptyDirs(in Input) (map[string]*mount.MountedEmptyDir, error) {
	visible := map[string]*mount.MountedEmptyDir{}
	for _, volumeMount := range in.Container.VolumeMounts {
		volume, err := in.Workload.Volume(volumeMount.Name)
		if err != nil {
			return nil, err
		}

		if previous, ok := in.EmptyDirs[volume.Name]; ok && volume.EmptyDir != nil {
			visible[volume.Name] = previous
		}
	}

	return visible, nil
}

func checkHookOrdering(resource metav1.Object, kind string, workloadWeight *int, usedBy string) error {
	if workloadWeight == nil {
		return nil
	}

	resourceName := fmt.Sprintf("%s %s", kind, resource.GetName())
	weight, found, err := v1.ResourceHookWeight(resource)
	if err != nil {
		return err
	}
	if !found {
		return &v1.OrderingError{Resource: resourceName, UsedBy: usedBy, UsedByWeight: *workloadWeight}
	}
	if weight >= *workloadWeight {
		return &v1.OrderingError{Resource: resourceName, ResourceWeight: &weight, UsedBy: usedBy, UsedByWeight: *workloadWeight}
	}

	return nil
}

func checkSubPathKey(volumeMount corev1.VolumeMount, data map[string]string, in string) error {
	if volumeMount.SubPath == "" {
		return nil
	}
	if _, ok := data[volumeMount.SubPath]; !ok {
		return &v1.LookupError{Kind: v1.KindKey, Name: volumeMount.SubPath, In: in}
	}

	return nil
}

func union(existing, additional []string) []string {
	known := sets.NewString(existing...)
	merged := append([]string{}, existing...)
	for _, entry := range additional {
		if !known.Has(entry) {
			known.Insert(entry)
			merged = append(merged, entry)
		}
	}

	return merged
}
