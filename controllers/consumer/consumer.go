package consumer

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/sets"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
	"github.com/cloudogu/k8s-mount-verifier/controllers/mount"
	"github.com/cloudogu/k8s-mount-verifier/util"
)

// Consumer is a part of a container which refers to file system paths. The set of implementations is closed:
// ConfigMapConsumer, GenericContainerConsumer and RenderConfigConsumer.
type Consumer interface {
	// CandidatePaths returns every string looking like an absolute path in the visible content. Files named in
	// skipFiles are not scanned.
	CandidatePaths(skipFiles sets.String) []string
	// References checks whether the given path is used by the consumer.
	References(path string) bool
	// Finalize records the files produced by the container in the mutable empty dirs it mounts. It must only be
	// called after the container has been checked.
	Finalize(container *corev1.Container, workload *v1.Workload, emptyDirs map[string]*mount.MountedEmptyDir) error

	isConsumer()
}

// ConfigMapConsumer scans the content of a mounted config map, e.g. a configuration file referring to other
// mounted files.
type ConfigMapConsumer struct {
	ConfigMapName string
	Data          map[string]string
}

// NewConfigMapConsumer creates a consumer for the content of the given config map.
func NewConfigMapConsumer(configMap *corev1.ConfigMap) *ConfigMapConsumer {
	return &ConfigMapConsumer{ConfigMapName: configMap.Name, Data: v1.ConfigMapData(configMap)}
}

func (c *ConfigMapConsumer) CandidatePaths(skipFiles sets.String) []string {
	var paths []string
	for _, key := range util.SortedKeys(c.Data) {
		if skipFiles.Has(key) {
			continue
		}
		paths = append(paths, ScanPaths(c.Data[key])...)
	}

	return paths
}

func (c *ConfigMapConsumer) References(path string) bool {
	contents := make([]string, 0, len(c.Data))
	for _, key := range util.SortedKeys(c.Data) {
		contents = append(contents, c.Data[key])
	}

	return IsReferenced(path, contents)
}

func (c *ConfigMapConsumer) Finalize(*corev1.Container, *v1.Workload, map[string]*mount.MountedEmptyDir) error {
	return nil
}

func (c *ConfigMapConsumer) isConsumer() {}

// GenericContainerConsumer refers to paths through the runtime surface of a container: environment variables,
// command or arguments, probe and lifecycle exec commands and the rendered files of earlier containers it can see.
type GenericContainerConsumer struct {
	Env map[string]string
	// ExecCommands maps the probe or lifecycle hook name to its newline-joined exec command.
	ExecCommands map[string]string
	// Args contains the command of the container, or its arguments if no command is set.
	Args []string
	// VisibleEmptyDirs contains the already rendered empty dirs mounted by the container.
	VisibleEmptyDirs map[string]*mount.MountedEmptyDir
}

// NewGenericContainerConsumer creates a consumer for the runtime surface of the given container.
func NewGenericContainerConsumer(container *corev1.Container, visibleEmptyDirs map[string]*mount.MountedEmptyDir) *GenericContainerConsumer {
	args := container.Command
	if len(args) == 0 {
		args = container.Args
	}

	return &GenericContainerConsumer{
		Env:              envValues(container),
		ExecCommands:     execCommands(container),
		Args:             append([]string{}, args...),
		VisibleEmptyDirs: visibleEmptyDirs,
	}
}

func (g *GenericContainerConsumer) content() []string {
	var contents []string
	for _, name := range util.SortedKeys(g.Env) {
		contents = append(contents, g.Env[name])
	}
	for _, name := range util.SortedKeys(g.ExecCommands) {
		contents = append(contents, g.ExecCommands[name])
	}
	contents = append(contents, g.Args...)

	for _, volumeName := range sortedEmptyDirNames(g.VisibleEmptyDirs) {
		outputs := g.VisibleEmptyDirs[volumeName].ProducedOutputs
		for _, output := range util.SortedKeys(outputs) {
			contents = append(contents, outputs[output])
		}
	}

	return contents
}

func (g *GenericContainerConsumer) CandidatePaths(sets.String) []string {
	var paths []string
	for _, content := range g.content() {
		paths = append(paths, ScanPaths(content)...)
	}

	return paths
}

func (g *GenericContainerConsumer) References(path string) bool {
	return IsReferenced(path, g.content())
}

func (g *GenericContainerConsumer) Finalize(*corev1.Container, *v1.Workload, map[string]*mount.MountedEmptyDir) error {
	return nil
}

func (g *GenericContainerConsumer) isConsumer() {}

func envValues(container *corev1.Container) map[string]string {
	env := make(map[string]string, len(container.Env))
	for _, envVar := range container.Env {
		env[envVar.Name] = envVar.Value
	}

	return env
}

func execCommands(container *corev1.Container) map[string]string {
	commands := map[string]string{}
	probes := map[string]*corev1.Probe{
		"startupProbe":   container.StartupProbe,
		"livenessProbe":  container.LivenessProbe,
		"readinessProbe": container.ReadinessProbe,
	}
	for name, probe := range probes {
		if probe != nil && probe.Exec != nil {
			commands[name] = joinLines(probe.Exec.Command)
		}
	}

	if container.Lifecycle == nil {
		return commands
	}

	handlers := map[string]*corev1.LifecycleHandler{
		"postStart": container.Lifecycle.PostStart,
		"preStop":   container.Lifecycle.PreStop,
	}
	for name, handler := range handlers {
		if handler != nil && handler.Exec != nil {
			commands[name] = joinLines(handler.Exec.Command)
		}
	}

	return commands
}

func sortedEmptyDirNames(emptyDirs map[string]*mount.MountedEmptyDir) []string {
	names := make(map[string]string, len(emptyDirs))
	for name := range emptyDirs {
		names[name] = name
	}

	return util.SortedKeys(names)
}
