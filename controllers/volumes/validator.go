package volumes

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/validation"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
)

// Validator checks the volume declarations of workloads against a snapshot.
type Validator struct {
	snapshot    *v1.Snapshot
	releaseName string
}

// NewValidator creates a validator resolving secret and config map volumes in the given snapshot.
func NewValidator(snapshot *v1.Snapshot, releaseName string) *Validator {
	return &Validator{snapshot: snapshot, releaseName: releaseName}
}

// ValidateWorkload validates the volumes and volume mounts of the workload and returns every violation found.
func (v *Validator) ValidateWorkload(workload *v1.Workload) error {
	var result *multierror.Error
	declared := map[string]struct{}{}

	for _, volume := range workload.PodSpec().Volumes {
		if _, ok := declared[volume.Name]; ok {
			result = multierror.Append(result, fmt.Errorf("volume name %s is listed multiple times in %s", volume.Name, workload.ID()))
			continue
		}
		declared[volume.Name] = struct{}{}

		result = multierror.Append(result, v.validateVolume(workload, volume)...)
	}

	for _, container := range workload.Containers() {
		for _, volumeMount := range container.VolumeMounts {
			if _, ok := declared[volumeMount.Name]; !ok {
				result = multierror.Append(result, fmt.Errorf("volume mount %s not found in volume names for %s/%s",
					volumeMount.Name, workload.ID(), container.Name))
			}
		}
	}

	return result.ErrorOrNil()
}

func (v *Validator) validateVolume(workload *v1.Workload, volume corev1.Volume) []error {
	var errs []error
	for _, msg := range validation.IsDNS1123Label(volume.Name) {
		errs = append(errs, fmt.Errorf("volume name %s in %s is invalid: %s", volume.Name, workload.ID(), msg))
	}
	if v.releaseName != "" && strings.HasPrefix(volume.Name, v.releaseName+"-") {
		errs = append(errs, fmt.Errorf("volume name %s in %s is prefixed with the release name", volume.Name, workload.ID()))
	}

	switch {
	case volume.EmptyDir != nil:
		if volume.EmptyDir.Medium != corev1.StorageMediumMemory {
			errs = append(errs, fmt.Errorf("%s has emptyDir %s that isn't Memory backed", workload.ID(), volume.Name))
		}
	case volume.Secret != nil:
		if _, err := v.snapshot.Secret(volume.Secret.SecretName); err != nil {
			errs = append(errs, fmt.Errorf("volume %s of %s: %w", volume.Name, workload.ID(), err))
		}
	case volume.ConfigMap != nil:
		if _, err := v.snapshot.ConfigMap(volume.ConfigMap.Name); err != nil {
			errs = append(errs, fmt.Errorf("volume %s of %s: %w", volume.Name, workload.ID(), err))
		}
	}

	return errs
}
