package verifier_test

import (
	"context"
	_ "embed"

	"github.com/cloudogu/k8s-mount-verifier/controllers/config"
	"github.com/cloudogu/k8s-mount-verifier/controllers/external"
	"github.com/cloudogu/k8s-mount-verifier/controllers/manifest"
	"github.com/cloudogu/k8s-mount-verifier/controllers/verifier"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

//go:embed testdata/consistent.yaml
var consistentManifests string

//go:embed testdata/inconsistent.yaml
var inconsistentManifests string

func verify(manifests, releaseName string) *verifier.Report {
	ctx := context.TODO()
	snapshot, err := manifest.Parse(ctx, manifests)
	Expect(err).NotTo(HaveOccurred())

	resources, err := external.Collect(ctx, snapshot, external.Options{ReleaseName: releaseName})
	Expect(err).NotTo(HaveOccurred())

	verifierConfig := &config.VerifierConfig{
		ReleaseName:     releaseName,
		RenderToolImage: config.DefaultRenderToolImage,
		RenderVerb:      config.DefaultRenderVerb,
		Workers:         2,
	}
	report, err := verifier.New(snapshot.WithExternals(resources.Secrets, resources.ConfigMaps), verifierConfig).Verify(ctx)
	Expect(err).NotTo(HaveOccurred())

	return report
}

var _ = Describe("Verifying rendered manifests", func() {
	Context("with consistent mounts", func() {
		It("should find no failures", func() {
			report := verify(consistentManifests, "ess")

			Expect(report.Failures).To(BeEmpty())
			Expect(report.HasFailures()).To(BeFalse())
			Expect(report.Workloads).To(Equal(3))
			Expect(report.Containers).To(Equal(4))
		})

		It("should fail if the generated secrets belong to another release", func() {
			report := verify(consistentManifests, "other")

			Expect(report.HasFailures()).To(BeTrue())
			Expect(report.Failures).To(ContainElement(verifier.Result{
				Workload: "StatefulSet/ess-synapse-main",
				Check:    config.CheckVolumeDeclarations,
				Message:  "volume secret-generated of StatefulSet/ess-synapse-main: Secret ess-generated not found",
			}))
			Expect(report.Failures).To(ContainElement(SatisfyAll(
				HaveField("Workload", "StatefulSet/ess-synapse-main"),
				HaveField("Check", verifier.ResultLookup),
			)))
		})
	})

	Context("with inconsistent mounts", func() {
		It("should report every failure in workload order", func() {
			report := verify(inconsistentManifests, "ess")

			Expect(report.Workloads).To(Equal(2))
			Expect(report.Containers).To(Equal(1))
			Expect(report.Failures).To(HaveLen(4))

			Expect(report.Failures[0].Check).To(Equal(config.CheckVolumeDeclarations))
			Expect(report.Failures[0].Message).To(Equal("Deployment/ess-element-web has emptyDir tmp that isn't Memory backed"))

			Expect(report.Failures[1].Check).To(Equal(config.CheckMountsAreConsumed))
			Expect(report.Failures[1].Container).To(Equal("element-web"))
			Expect(report.Failures[1].Message).To(ContainSubstring("- /etc/element-web/config.json (ConfigMap ess-element-web)"))

			Expect(report.Failures[2].Check).To(Equal(config.CheckReferencesMatchMounts))
			Expect(report.Failures[2].Message).To(ContainSubstring("- /etc/app.json"))

			Expect(report.Failures[3].Workload).To(Equal("Job/ess-synapse-migrate"))
			Expect(report.Failures[3].Check).To(Equal(verifier.ResultOrdering))
			Expect(report.Failures[3].Message).To(ContainSubstring("Secret ess-postgres used by Job/ess-synapse-migrate/migrate has no hook weight"))
		})

		It("should skip disabled checks", func() {
			ctx := context.TODO()
			snapshot, err := manifest.Parse(ctx, inconsistentManifests)
			Expect(err).NotTo(HaveOccurred())

			verifierConfig := &config.VerifierConfig{
				ReleaseName:     "ess",
				RenderToolImage: config.DefaultRenderToolImage,
				RenderVerb:      config.DefaultRenderVerb,
				Workers:         1,
				Checks:          []string{config.CheckReferencesMatchMounts},
			}
			report, err := verifier.New(snapshot, verifierConfig).Verify(ctx)
			Expect(err).NotTo(HaveOccurred())

			var checks []string
			for _, failure := range report.Failures {
				checks = append(checks, failure.Check)
			}
			Expect(checks).To(Equal([]string{config.CheckReferencesMatchMounts, verifier.ResultOrdering}))
		})

		It("should accept exempted paths", func() {
			ctx := context.TODO()
			snapshot, err := manifest.Parse(ctx, inconsistentManifests)
			Expect(err).NotTo(HaveOccurred())

			verifierConfig := &config.VerifierConfig{
				ReleaseName:     "ess",
				RenderToolImage: config.DefaultRenderToolImage,
				RenderVerb:      config.DefaultRenderVerb,
				Workers:         1,
				Checks:          []string{config.CheckMountsAreConsumed, config.CheckReferencesMatchMounts},
				Components: []config.ComponentConfig{{
					Name:                     "element-web",
					IgnoreUnreferencedMounts: map[string][]string{"element-web": {"/etc/element-web/config.json"}},
					IgnorePathsMismatches:    map[string][]string{"element-web": {"/etc/app.json"}},
				}},
			}
			report, err := verifier.New(snapshot, verifierConfig).Verify(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(report.Failures).To(HaveLen(1))
			Expect(report.Failures[0].Workload).To(Equal("Job/ess-synapse-migrate"))
		})
	})
})
