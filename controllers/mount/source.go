package mount

import (
	"fmt"

	"github.com/cloudogu/k8s-mount-verifier/util"
)

// Source is anything mounted into a container which makes paths available. The set of implementations is closed:
// MountedSecret, MountedConfigMap, MountedEmptyDir, MountedPersistentVolume and SubPathMount.
type Source interface {
	// MountedPaths returns every path this source makes available.
	MountedPaths() []MountPath
	// DisplayName returns a human-readable name used in failure messages.
	DisplayName() string

	isSource()
}

// MountedSecret makes each key of a secret available as a file below the mount point.
type MountedSecret struct {
	SecretName string
	MountPoint string
	// Data maps the secret keys to their decoded values.
	Data map[string]string
}

func (s *MountedSecret) MountedPaths() []MountPath {
	paths := make([]MountPath, 0, len(s.Data))
	for _, key := range util.SortedKeys(s.Data) {
		paths = append(paths, file(s.MountPoint, key, s.Data[key]))
	}
	return paths
}

func (s *MountedSecret) DisplayName() string {
	return fmt.Sprintf("Secret %s", s.SecretName)
}

func (s *MountedSecret) isSource() {}

// MountedConfigMap makes each key of a config map available as a file below the mount point.
type MountedConfigMap struct {
	ConfigMapName string
	MountPoint    string
	Data          map[string]string
}

func (c *MountedConfigMap) MountedPaths() []MountPath {
	paths := make([]MountPath, 0, len(c.Data))
	for _, key := range util.SortedKeys(c.Data) {
		paths = append(paths, file(c.MountPoint, key, c.Data[key]))
	}
	return paths
}

func (c *MountedConfigMap) DisplayName() string {
	return fmt.Sprintf("ConfigMap %s", c.ConfigMapName)
}

func (c *MountedConfigMap) isSource() {}

// MountedEmptyDir is a pod scoped scratch directory. It is the only mutable source: files rendered by a container
// are recorded in ProducedOutputs and become visible to the containers started after it.
type MountedEmptyDir struct {
	Name       string
	MountPoint string
	// StaticSubcontent lists files known to be created in the directory by other means than rendering.
	StaticSubcontent []string
	// ProducedOutputs maps the name of each rendered file to its content.
	ProducedOutputs map[string]string
}

// NewMountedEmptyDir creates an empty dir that has not been written to yet.
func NewMountedEmptyDir(name, mountPoint string, staticSubcontent []string) *MountedEmptyDir {
	return &MountedEmptyDir{
		Name:             name,
		MountPoint:       mountPoint,
		StaticSubcontent: append([]string{}, staticSubcontent...),
		ProducedOutputs:  map[string]string{},
	}
}

func (e *MountedEmptyDir) MountedPaths() []MountPath {
	paths := []MountPath{directory(e.MountPoint)}
	for _, output := range util.SortedKeys(e.ProducedOutputs) {
		paths = append(paths, file(e.MountPoint, output, e.ProducedOutputs[output]))
	}
	for _, nodeName := range e.StaticSubcontent {
		paths = append(paths, file(e.MountPoint, nodeName, ""))
	}
	return paths
}

func (e *MountedEmptyDir) DisplayName() string {
	return fmt.Sprintf("EmptyDir %s", e.Name)
}

func (e *MountedEmptyDir) isSource() {}

// Record stores the content of a rendered file.
func (e *MountedEmptyDir) Record(nodeName, content string) {
	if e.ProducedOutputs == nil {
		e.ProducedOutputs = map[string]string{}
	}
	e.ProducedOutputs[nodeName] = content
}

// MountedAt returns a copy of the empty dir mounted at another mount point. The copy does not share any state
// with the receiver.
func (e *MountedEmptyDir) MountedAt(mountPoint string) *MountedEmptyDir {
	mounted := e.Snapshot()
	mounted.MountPoint = mountPoint
	return mounted
}

// Snapshot returns a detached copy of the empty dir without mount point. Produced outputs and static subcontent
// are carried forward.
func (e *MountedEmptyDir) Snapshot() *MountedEmptyDir {
	outputs := make(map[string]string, len(e.ProducedOutputs))
	for name, content := range e.ProducedOutputs {
		outputs[name] = content
	}

	return &MountedEmptyDir{
		Name:             e.Name,
		StaticSubcontent: append([]string{}, e.StaticSubcontent...),
		ProducedOutputs:  outputs,
	}
}

// MountedPersistentVolume makes the mount point of a persistent volume claim available, as well as the files known
// to be stored in it.
type MountedPersistentVolume struct {
	ClaimName        string
	MountPoint       string
	StaticSubcontent []string
}

func (p *MountedPersistentVolume) MountedPaths() []MountPath {
	paths := []MountPath{directory(p.MountPoint)}
	for _, nodeName := range p.StaticSubcontent {
		paths = append(paths, file(p.MountPoint, nodeName, ""))
	}
	return paths
}

func (p *MountedPersistentVolume) DisplayName() string {
	return fmt.Sprintf("PersistentVolume %s", p.ClaimName)
}

func (p *MountedPersistentVolume) isSource() {}

// SubPathMount restricts another source to the single file selected by a volume mount sub-path.
type SubPathMount struct {
	// SubPathKey is the name of the file inside the wrapped source.
	SubPathKey string
	// FileName is the name the file is visible as in the container. Defaults to SubPathKey.
	FileName string
	Wrapped  Source
}

func (s *SubPathMount) MountedPaths() []MountPath {
	var filtered []MountPath
	for _, mounted := range s.Wrapped.MountedPaths() {
		if mounted.Node == nil || mounted.Node.Name != s.SubPathKey {
			continue
		}

		if s.FileName != "" && s.FileName != s.SubPathKey {
			mounted = file(mounted.Parent.Path, s.FileName, mounted.Node.Data)
		}
		filtered = append(filtered, mounted)
	}
	return filtered
}

func (s *SubPathMount) DisplayName() string {
	return fmt.Sprintf("SubPathMount(%s)", s.Wrapped.DisplayName())
}

func (s *SubPathMount) isSource() {}
