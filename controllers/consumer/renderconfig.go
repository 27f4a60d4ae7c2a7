package consumer

import (
	"fmt"
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/sets"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
	"github.com/cloudogu/k8s-mount-verifier/controllers/mount"
	"github.com/cloudogu/k8s-mount-verifier/util"
)

// readFileMarker marks template lines which include the content of another mounted file.
const readFileMarker = "readfile"

// alwaysMountedPrefix holds the template directories render-config containers get mounted in full.
const alwaysMountedPrefix = "/conf"

var readFileDirective = regexp.MustCompile(`\{\{\s+readfile\s+(?:^|\s|".+)\s*\}\}`)

// InputFile is a template read by a render-config container.
type InputFile struct {
	Path    string
	Content string
}

// RenderConfigConsumer represents a container which renders its input files into a single output file.
// Only template lines including other files count as path references.
type RenderConfigConsumer struct {
	ContainerName string
	InputFiles    []InputFile
	Env           map[string]string
	Output        mount.MountPath
}

// NewRenderConfigConsumer creates the consumer for a render-config container writing to the given output path.
// The input files must be given in argument order.
func NewRenderConfigConsumer(container *corev1.Container, output string, inputFiles []InputFile) *RenderConfigConsumer {
	parent, name := util.SplitPath(output)
	return &RenderConfigConsumer{
		ContainerName: container.Name,
		InputFiles:    append([]InputFile{}, inputFiles...),
		Env:           envValues(container),
		Output: mount.MountPath{
			Parent: mount.ParentMount{Path: parent},
			Node:   &mount.MountNode{Name: name},
		},
	}
}

func (r *RenderConfigConsumer) CandidatePaths(skipFiles sets.String) []string {
	var paths []string
	for _, input := range r.InputFiles {
		_, fileName := util.SplitPath(input.Path)
		if skipFiles.Has(input.Path) || skipFiles.Has(fileName) {
			continue
		}

		var readFileLines []string
		for _, line := range strings.Split(input.Content, "\n") {
			if strings.Contains(line, readFileMarker) {
				readFileLines = append(readFileLines, line)
			}
		}
		paths = append(paths, ScanPaths(strings.Join(readFileLines, "\n"))...)
	}

	for _, name := range util.SortedKeys(r.Env) {
		paths = append(paths, ScanPaths(r.Env[name])...)
	}

	return paths
}

func (r *RenderConfigConsumer) References(path string) bool {
	contents := []string{r.Output.String()}
	for _, name := range util.SortedKeys(r.Env) {
		contents = append(contents, r.Env[name])
	}
	for _, input := range r.InputFiles {
		contents = append(contents, input.Path, input.Content)
	}

	if IsReferenced(path, contents) {
		return true
	}

	// Templates get mounted in full and outputs get accumulated next to each other. Both are accepted.
	return strings.HasPrefix(path, alwaysMountedPrefix) || strings.HasPrefix(path, r.Output.Parent.Path)
}

// Finalize writes the rendered output into the empty dir mounted at the output directory.
func (r *RenderConfigConsumer) Finalize(container *corev1.Container, workload *v1.Workload, emptyDirs map[string]*mount.MountedEmptyDir) error {
	for _, volumeMount := range container.VolumeMounts {
		volume, err := workload.Volume(volumeMount.Name)
		if err != nil {
			return err
		}

		if volume.EmptyDir == nil || volumeMount.MountPath != r.Output.Parent.Path {
			continue
		}

		if volumeMount.SubPath != "" {
			return &v1.MalformedConventionError{
				Container: r.ContainerName,
				Reason:    fmt.Sprintf("output %s must not target a file mounted using subPath", r.Output.String()),
			}
		}

		emptyDir, ok := emptyDirs[volume.Name]
		if !ok {
			return &v1.LookupError{Kind: v1.KindVolume, Name: volume.Name, In: r.ContainerName}
		}
		emptyDir.Record(r.Output.Node.Name, r.RenderedContent())
	}

	return nil
}

// RenderedContent returns the input files joined by newlines with every readfile directive removed.
func (r *RenderConfigConsumer) RenderedContent() string {
	rendered := make([]string, 0, len(r.InputFiles))
	for _, input := range r.InputFiles {
		rendered = append(rendered, readFileDirective.ReplaceAllString(input.Content, ""))
	}

	return strings.Join(rendered, "\n")
}

func (r *RenderConfigConsumer) isConsumer() {}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
