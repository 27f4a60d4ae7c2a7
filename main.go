package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/cli-runtime/pkg/genericclioptions"
	cmdutil "k8s.io/kubectl/pkg/cmd/util"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/cloudogu/k8s-mount-verifier/controllers/config"
	"github.com/cloudogu/k8s-mount-verifier/controllers/external"
	"github.com/cloudogu/k8s-mount-verifier/controllers/logging"
	"github.com/cloudogu/k8s-mount-verifier/controllers/manifest"
	"github.com/cloudogu/k8s-mount-verifier/controllers/verifier"
)

var (
	// Version of the application
	Version = "0.0.0"
)

// errVerificationFailed is returned if the verification ran but found failures. The report has already been
// printed in this case.
var errVerificationFailed = errors.New("verification failed")

type verifyOptions struct {
	configPath    string
	releaseName   string
	valuesFiles   []string
	externalFiles []string
	output        string

	genericclioptions.IOStreams
}

func main() {
	streams := genericclioptions.IOStreams{In: os.Stdin, Out: os.Stdout, ErrOut: os.Stderr}

	err := newRootCommand(streams).Execute()
	if errors.Is(err, errVerificationFailed) {
		os.Exit(1)
	}
	cmdutil.CheckErr(err)
}

func newRootCommand(streams genericclioptions.IOStreams) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "k8s-mount-verifier",
		Short:         "Verifies that rendered workloads mount what they use and use what they mount",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(streams.In)
	rootCmd.SetOut(streams.Out)
	rootCmd.SetErr(streams.ErrOut)
	rootCmd.AddCommand(newVerifyCommand(streams))

	return rootCmd
}

func newVerifyCommand(streams genericclioptions.IOStreams) *cobra.Command {
	opts := &verifyOptions{IOStreams: streams}

	verifyCmd := &cobra.Command{
		Use:   "verify MANIFESTS",
		Short: "Verify the mount consistency of a rendered manifest stream",
		Long: `Verify reads the output of "helm template" from a file, or from stdin if MANIFESTS is "-", and checks
every container of every Deployment, StatefulSet and Job for mounted files nobody uses and used paths nothing mounts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := opts.validate()
			if err != nil {
				return err
			}
			return opts.run(cmd.Context(), args[0])
		},
	}

	flags := verifyCmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path of the verifier configuration file")
	flags.StringVar(&opts.releaseName, "release-name", "", "name of the rendered release; overrides the configuration")
	flags.StringArrayVarP(&opts.valuesFiles, "values", "f", nil, "values file the manifests were rendered with; can be repeated")
	flags.StringArrayVar(&opts.externalFiles, "external", nil, "manifest file with secrets and config maps provided outside the release; can be repeated")
	flags.StringVarP(&opts.output, "output", "o", verifier.FormatText, fmt.Sprintf("report format; one of %s, %s", verifier.FormatText, verifier.FormatYAML))

	return verifyCmd
}

func (o *verifyOptions) validate() error {
	if o.output != verifier.FormatText && o.output != verifier.FormatYAML {
		return fmt.Errorf("unknown output format %s; valid formats are %s, %s", o.output, verifier.FormatText, verifier.FormatYAML)
	}

	return nil
}

func (o *verifyOptions) run(ctx context.Context, manifestsPath string) error {
	logger, err := logging.ConfigureLogger(o.ErrOut)
	if err != nil {
		return err
	}
	ctx = log.IntoContext(ctx, logger)

	verifierConfig, err := config.NewVerifierConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.releaseName != "" {
		verifierConfig.ReleaseName = o.releaseName
	}

	snapshot, err := manifest.LoadFile(ctx, manifestsPath, o.In)
	if err != nil {
		return err
	}

	resources, err := external.Collect(ctx, snapshot, external.Options{
		ReleaseName:   verifierConfig.ReleaseName,
		ValuesFiles:   o.valuesFiles,
		ManifestFiles: o.externalFiles,
	})
	if err != nil {
		return err
	}

	report, err := verifier.New(snapshot.WithExternals(resources.Secrets, resources.ConfigMaps), verifierConfig).Verify(ctx)
	if err != nil {
		return err
	}

	err = report.Write(o.Out, o.output)
	if err != nil {
		return err
	}

	if report.HasFailures() {
		return errVerificationFailed
	}

	return nil
}
