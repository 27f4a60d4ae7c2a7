// Package checks contains the consistency checks run against a resolved container. All checks are read-only and
// report every offending item they find.
package checks

import (
	"fmt"
	"strings"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
	"github.com/cloudogu/k8s-mount-verifier/controllers/config"
	"github.com/cloudogu/k8s-mount-verifier/controllers/mount"
	"github.com/cloudogu/k8s-mount-verifier/controllers/resolver"
)

// overMountedPrefix contains secrets which are deliberately mounted in full even if only some keys get used.
const overMountedPrefix = "/secrets"

// CheckMountedFilesUnique fails if two sources of the container provide the same path.
func CheckMountedFilesUnique(containerCtx *resolver.ContainerContext) *v1.ConsistencyError {
	counts := map[string]int{}
	var order []string
	for _, source := range containerCtx.Sources {
		for _, mounted := range source.MountedPaths() {
			path := mounted.String()
			if counts[path] == 0 {
				order = append(order, path)
			}
			counts[path]++
		}
	}

	var duplicates []string
	for _, path := range order {
		if counts[path] > 1 {
			duplicates = append(duplicates, path)
		}
	}
	if len(duplicates) == 0 {
		return nil
	}

	return &v1.ConsistencyError{
		Check:     config.CheckMountedFilesUnique,
		Container: containerCtx.ID(),
		Summary:   "Mounted files are not unique",
		Offenders: duplicates,
		Details:   []string{fmt.Sprintf("From mounted sources: %s", sourceNames(containerCtx.Sources))},
	}
}

// CheckMountsAreConsumed fails if a mounted path is referenced by no consumer of the container.
func CheckMountsAreConsumed(containerCtx *resolver.ContainerContext) *v1.ConsistencyError {
	allowed := containerCtx.Component.UnreferencedMountsAllowed(containerCtx.Name)
	skipFiles := containerCtx.Component.SkipFiles()

	var notFound, skipped []string
	for _, source := range containerCtx.Sources {
		for _, mounted := range source.MountedPaths() {
			path := mounted.String()
			if allowed.Has(path) || strings.HasPrefix(mounted.Parent.Path, overMountedPrefix) ||
				(mounted.Node != nil && skipFiles.Has(mounted.Node.Name)) {
				skipped = append(skipped, path)
				continue
			}

			if !isReferenced(containerCtx, path) {
				notFound = append(notFound, fmt.Sprintf("%s (%s)", path, source.DisplayName()))
			}
		}
	}
	if len(notFound) == 0 {
		return nil
	}

	return &v1.ConsistencyError{
		Check:     config.CheckMountsAreConsumed,
		Container: containerCtx.ID(),
		Summary:   "No consumer found for paths",
		Offenders: notFound,
		Details:   []string{fmt.Sprintf("Skipped paths: [%s]", strings.Join(skipped, ", "))},
	}
}

// CheckReferencesMatchMounts fails if a path found in the content of a consumer does not start with a mounted path.
func CheckReferencesMatchMounts(containerCtx *resolver.ContainerContext) *v1.ConsistencyError {
	skipFiles := containerCtx.Component.SkipFiles()
	allowed := containerCtx.Component.PathMismatchesAllowed(containerCtx.Name)
	mounted := mountedPaths(containerCtx.Sources)

	var mismatches []string
	for _, pathConsumer := range containerCtx.Consumers {
		for _, candidate := range pathConsumer.CandidatePaths(skipFiles) {
			if matchesAnyMount(candidate, mounted) || allowed.Has(candidate) {
				continue
			}
			mismatches = append(mismatches, candidate)
		}
	}
	if len(mismatches) == 0 {
		return nil
	}

	return &v1.ConsistencyError{
		Check:     config.CheckReferencesMatchMounts,
		Container: containerCtx.ID(),
		Summary:   "Paths which do not match an actual mounted file",
		Offenders: mismatches,
		Details: []string{
			fmt.Sprintf("Skipped files: [%s]", strings.Join(skipFiles.List(), ", ")),
			fmt.Sprintf("Looked in: %s", sourceNames(containerCtx.Sources)),
		},
	}
}

func isReferenced(containerCtx *resolver.ContainerContext, path string) bool {
	for _, pathConsumer := range containerCtx.Consumers {
		if pathConsumer.References(path) {
			return true
		}
	}

	return false
}

func mountedPaths(sources []mount.Source) []string {
	var paths []string
	for _, source := range sources {
		for _, mounted := range source.MountedPaths() {
			paths = append(paths, mounted.String())
		}
	}
	return paths
}

func matchesAnyMount(candidate string, mounted []string) bool {
	for _, path := range mounted {
		if strings.HasPrefix(candidate, path) {
			return true
		}
	}

	return false
}

func sourceNames(sources []mount.Source) string {
	names := make([]string, 0, len(sources))
	for _, source := range sources {
		names = append(names, source.DisplayName())
	}

	return "[" + strings.Join(names, ", ") + "]"
}
