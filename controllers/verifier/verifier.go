// Package verifier runs all enabled checks against every workload of a snapshot.
package verifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
	"github.com/cloudogu/k8s-mount-verifier/controllers/checks"
	"github.com/cloudogu/k8s-mount-verifier/controllers/config"
	"github.com/cloudogu/k8s-mount-verifier/controllers/resolver"
	"github.com/cloudogu/k8s-mount-verifier/controllers/traversal"
	"github.com/cloudogu/k8s-mount-verifier/controllers/volumes"
)

// Names of results which are not produced by a consistency check.
const (
	ResultLookup     = "lookup"
	ResultOrdering   = "hook-ordering"
	ResultConvention = "render-config-convention"
	ResultResolution = "resolution"
)

type containerCheck func(containerCtx *resolver.ContainerContext) *v1.ConsistencyError

// WorkloadTraverser walks the containers of a workload in start order.
type WorkloadTraverser interface {
	Traverse(ctx context.Context, workload *v1.Workload, visit traversal.Visitor) error
}

// WorkloadValidator validates the volume declarations of a workload.
type WorkloadValidator interface {
	ValidateWorkload(workload *v1.Workload) error
}

// Verifier verifies the mount consistency of all workloads of a snapshot.
type Verifier struct {
	snapshot       *v1.Snapshot
	verifierConfig *config.VerifierConfig
	traverser      WorkloadTraverser
	validator      WorkloadValidator
	checks         map[string]containerCheck
}

// New creates a verifier for the given snapshot. The snapshot must already contain the external resources.
func New(snapshot *v1.Snapshot, verifierConfig *config.VerifierConfig) *Verifier {
	containerResolver := resolver.New(snapshot, verifierConfig)
	return NewWithCollaborators(snapshot, verifierConfig,
		traversal.New(containerResolver, verifierConfig),
		volumes.NewValidator(snapshot, verifierConfig.ReleaseName))
}

// NewWithCollaborators creates a verifier using the given traverser and volume validator.
func NewWithCollaborators(snapshot *v1.Snapshot, verifierConfig *config.VerifierConfig, traverser WorkloadTraverser, validator WorkloadValidator) *Verifier {
	return &Verifier{
		snapshot:       snapshot,
		verifierConfig: verifierConfig,
		traverser:      traverser,
		validator:      validator,
		checks: map[string]containerCheck{
			config.CheckMountedFilesUnique:    checks.CheckMountedFilesUnique,
			config.CheckMountsAreConsumed:     checks.CheckMountsAreConsumed,
			config.CheckReferencesMatchMounts: checks.CheckReferencesMatchMounts,
		},
	}
}

// Verify verifies all workloads with at most the configured number of workloads in parallel. The containers of a
// single workload are always verified in order. Failures are collected in the report; an error is only returned
// if the verification itself could not run.
func (v *Verifier) Verify(ctx context.Context) (*Report, error) {
	logger := log.FromContext(ctx)
	logger.Info(fmt.Sprintf("Verifying %d workloads with %d workers", len(v.snapshot.Workloads), v.verifierConfig.Workers))

	workloadReports := make([]workloadReport, len(v.snapshot.Workloads))

	group := errgroup.Group{}
	group.SetLimit(v.verifierConfig.Workers)
	for i, workload := range v.snapshot.Workloads {
		i, workload := i, workload
		group.Go(func() error {
			workloadReports[i] = v.verifyWorkload(ctx, workload)
			return nil
		})
	}
	err := group.Wait()
	if err != nil {
		return nil, err
	}

	report := &Report{Workloads: len(workloadReports)}
	for _, workloadReport := range workloadReports {
		report.Containers += workloadReport.containers
		report.Failures = append(report.Failures, workloadReport.failures...)
	}

	logger.Info(fmt.Sprintf("Verified %d containers of %d workloads with %d failures",
		report.Containers, report.Workloads, len(report.Failures)))

	return report, nil
}

type workloadReport struct {
	containers int
	failures   []Result
}

func (v *Verifier) verifyWorkload(ctx context.Context, workload *v1.Workload) workloadReport {
	logger := log.FromContext(ctx).WithValues("workload", workload.ID())
	result := workloadReport{}

	if v.verifierConfig.CheckEnabled(config.CheckVolumeDeclarations) {
		err := v.validator.ValidateWorkload(workload)
		var multiErr *multierror.Error
		if errors.As(err, &multiErr) {
			for _, volumeErr := range multiErr.Errors {
				result.failures = append(result.failures, newResult(workload.ID(), "", config.CheckVolumeDeclarations, volumeErr))
			}
		} else if err != nil {
			result.failures = append(result.failures, newResult(workload.ID(), "", config.CheckVolumeDeclarations, err))
		}
	}

	err := v.traverser.Traverse(ctx, workload, func(containerCtx *resolver.ContainerContext) error {
		result.containers++
		for _, name := range config.AllChecks {
			check, ok := v.checks[name]
			if !ok || !v.verifierConfig.CheckEnabled(name) {
				continue
			}

			consistencyErr := check(containerCtx)
			if consistencyErr != nil {
				logger.V(1).Info(fmt.Sprintf("Check %s failed for container %s", name, containerCtx.Name))
				result.failures = append(result.failures, newResult(workload.ID(), containerCtx.Name, name, consistencyErr))
			}
		}
		return nil
	})
	if err != nil {
		logger.Error(err, "Failed to traverse workload")
		result.failures = append(result.failures, newResult(workload.ID(), "", resultName(err), err))
	}

	return result
}

func resultName(err error) string {
	switch {
	case v1.IsLookupError(err):
		return ResultLookup
	case v1.IsOrderingError(err):
		return ResultOrdering
	case v1.IsMalformedConventionError(err):
		return ResultConvention
	default:
		return ResultResolution
	}
}
