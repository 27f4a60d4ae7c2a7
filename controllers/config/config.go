package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/yaml"
)

var (
	envVarReleaseName = "RELEASE_NAME"
	envVarWorkers     = "VERIFIER_WORKERS"
	log               = ctrl.Log.WithName("config")
)

const (
	// DefaultReleaseName is used for "{{ $.Release.Name }}" references if no release name is configured.
	DefaultReleaseName = "ess"
	// DefaultRenderToolImage is the image name of the tool rendering configuration files in init containers.
	DefaultRenderToolImage = "matrix-tools"
	// DefaultRenderVerb is the first argument of a container rendering configuration files.
	DefaultRenderVerb = "render-config"
	// DefaultWorkers is the number of workloads verified in parallel.
	DefaultWorkers = 4
)

// Names of the checks which can be enabled.
const (
	CheckMountedFilesUnique    = "mounted-files-unique"
	CheckMountsAreConsumed     = "mounts-are-consumed"
	CheckReferencesMatchMounts = "references-match-mounts"
	CheckVolumeDeclarations    = "volume-declarations"
)

// AllChecks contains every check in the order they get executed.
var AllChecks = []string{CheckVolumeDeclarations, CheckMountedFilesUnique, CheckMountsAreConsumed, CheckReferencesMatchMounts}

// ComponentConfig contains the exemptions of one chart component. A component owns every workload whose
// app.kubernetes.io/name label equals its name or starts with its name followed by a dash.
type ComponentConfig struct {
	Name string `json:"name"`
	// SkipPathConsistencyForFiles contains file names which are neither scanned for paths nor need to be referenced.
	SkipPathConsistencyForFiles []string `json:"skipPathConsistencyForFiles,omitempty"`
	// IgnoreUnreferencedMounts maps a container name to mounted paths which may stay unreferenced.
	IgnoreUnreferencedMounts map[string][]string `json:"ignoreUnreferencedMounts,omitempty"`
	// IgnorePathsMismatches maps a container name to referenced paths which may have no matching mount.
	IgnorePathsMismatches map[string][]string `json:"ignorePathsMismatches,omitempty"`
	// ContentVolumesMapping maps a mount point to the files known to exist in the mounted volume.
	ContentVolumesMapping map[string][]string `json:"contentVolumesMapping,omitempty"`
}

// SkipFiles returns the files excluded from path scanning.
func (c *ComponentConfig) SkipFiles() sets.String {
	return sets.NewString(c.SkipPathConsistencyForFiles...)
}

// UnreferencedMountsAllowed returns the mounted paths the given container does not need to reference.
func (c *ComponentConfig) UnreferencedMountsAllowed(containerName string) sets.String {
	return sets.NewString(c.IgnoreUnreferencedMounts[containerName]...)
}

// PathMismatchesAllowed returns the referenced paths of the given container which need no matching mount.
func (c *ComponentConfig) PathMismatchesAllowed(containerName string) sets.String {
	return sets.NewString(c.IgnorePathsMismatches[containerName]...)
}

// StaticSubcontent returns the files known to exist in a volume mounted at the given mount point.
func (c *ComponentConfig) StaticSubcontent(mountPoint string) []string {
	return c.ContentVolumesMapping[mountPoint]
}

// VerifierConfig contains all configurable values of the verifier.
type VerifierConfig struct {
	// ReleaseName is the name of the verified helm release.
	ReleaseName string `json:"releaseName"`
	// RenderToolImage is the last path element of the image repository of render-config containers.
	RenderToolImage string `json:"renderToolImage"`
	// RenderVerb is the first argument of render-config containers.
	RenderVerb string `json:"renderVerb"`
	// Workers limits the number of workloads verified in parallel.
	Workers int `json:"workers"`
	// Checks contains the enabled checks. All checks are enabled if empty.
	Checks     []string          `json:"checks,omitempty"`
	Components []ComponentConfig `json:"components,omitempty"`
}

// NewVerifierConfig reads the configuration file at the given path, if any, and applies the environment overrides.
func NewVerifierConfig(path string) (*VerifierConfig, error) {
	verifierConfig := &VerifierConfig{
		ReleaseName:     DefaultReleaseName,
		RenderToolImage: DefaultRenderToolImage,
		RenderVerb:      DefaultRenderVerb,
		Workers:         DefaultWorkers,
	}

	if path != "" {
		err := readConfigFile(path, verifierConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		log.V(1).Info(fmt.Sprintf("Read configuration with %d components from %s", len(verifierConfig.Components), path))
	}

	err := readEnvOverrides(verifierConfig)
	if err != nil {
		return nil, err
	}

	err = verifierConfig.validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return verifierConfig, nil
}

func readConfigFile(path string, verifierConfig *VerifierConfig) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.UnmarshalStrict(content, verifierConfig)
}

func readEnvOverrides(verifierConfig *VerifierConfig) error {
	releaseName, err := getEnvVar(envVarReleaseName)
	if err == nil {
		verifierConfig.ReleaseName = releaseName
	}

	workersEnv, err := getEnvVar(envVarWorkers)
	if err == nil {
		verifierConfig.Workers, err = strconv.Atoi(workersEnv)
		if err != nil {
			return fmt.Errorf("failed to parse env var [%s]; must be a number: %w", envVarWorkers, err)
		}
	}

	return nil
}

func (vc *VerifierConfig) validate() error {
	if vc.Workers < 1 {
		return fmt.Errorf("workers must be at least 1 but is %d", vc.Workers)
	}

	known := sets.NewString(AllChecks...)
	for _, check := range vc.Checks {
		if !known.Has(check) {
			return fmt.Errorf("unknown check %s; valid checks are %s", check, strings.Join(AllChecks, ", "))
		}
	}

	return nil
}

// CheckEnabled returns true if the check with the given name should run.
func (vc *VerifierConfig) CheckEnabled(name string) bool {
	return len(vc.Checks) == 0 || sets.NewString(vc.Checks...).Has(name)
}

// ComponentFor returns the configuration of the component owning a workload with the given component label.
// The most specific component wins. Workloads without matching component get empty defaults.
func (vc *VerifierConfig) ComponentFor(componentLabel string) ComponentConfig {
	match := ComponentConfig{}
	for _, component := range vc.Components {
		owns := componentLabel == component.Name || strings.HasPrefix(componentLabel, component.Name+"-")
		if owns && len(component.Name) > len(match.Name) {
			match = component
		}
	}

	return match
}

func getEnvVar(name string) (string, error) {
	value, found := os.LookupEnv(name)
	if !found {
		return "", fmt.Errorf("environment variable %s must be set", name)
	}
	return value, nil
}
