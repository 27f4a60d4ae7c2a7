// Package external creates the secrets and config maps a release expects to exist without rendering them itself.
package external

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"helm.sh/helm/v3/pkg/cli/values"
	"helm.sh/helm/v3/pkg/release"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
	"github.com/cloudogu/k8s-mount-verifier/controllers/manifest"
	"github.com/cloudogu/k8s-mount-verifier/util"
)

const (
	// releaseNamePlaceholder gets replaced with the release name in resource names taken from values.
	releaseNamePlaceholder = "{{ $.Release.Name }}"

	// initSecretsSuffix is appended to the release name to get the name of the job generating secrets.
	initSecretsSuffix = "-init-secrets"

	// managedByLabel is set on every generated secret.
	managedByLabel    = "app.kubernetes.io/managed-by"
	generatorIdentity = "matrix-tools-init-secrets"

	// generatedHookWeight orders generated secrets directly after the job creating them.
	generatedHookWeight = "-9"

	// externalHookWeight orders external resources before everything of the release.
	externalHookWeight = "-100"
)

// Options define where external resources are taken from.
type Options struct {
	ReleaseName string
	// ValuesFiles are merged the way helm merges multiple values files.
	ValuesFiles []string
	// ManifestFiles contain additional secrets and config maps which exist outside the release.
	ManifestFiles []string
}

// Resources are the secrets and config maps which exist outside the rendered release.
type Resources struct {
	Secrets    []*corev1.Secret
	ConfigMaps []*corev1.ConfigMap
}

// Collect gathers all external resources: secrets generated by the init-secrets job, secrets and config maps
// referenced by values and resources from additional manifest files.
func Collect(ctx context.Context, snapshot *v1.Snapshot, opts Options) (*Resources, error) {
	logger := log.FromContext(ctx)
	resources := &Resources{}

	generated, err := GeneratedSecrets(snapshot, opts.ReleaseName)
	if err != nil {
		return nil, err
	}
	resources.Secrets = append(resources.Secrets, generated...)

	if len(opts.ValuesFiles) > 0 {
		valuesOpts := &values.Options{ValueFiles: opts.ValuesFiles}
		mergedValues, err := valuesOpts.MergeValues(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read values files: %w", err)
		}
		resources.Secrets = append(resources.Secrets, SecretsFromValues(mergedValues, opts.ReleaseName)...)
		resources.ConfigMaps = append(resources.ConfigMaps, ConfigMapsFromValues(mergedValues, opts.ReleaseName)...)
	}

	for _, path := range opts.ManifestFiles {
		additional, err := manifest.LoadFile(ctx, path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load external resources: %w", err)
		}
		resources.Secrets = append(resources.Secrets, additional.Secrets...)
		resources.ConfigMaps = append(resources.ConfigMaps, additional.ConfigMaps...)
	}

	logger.V(1).Info(fmt.Sprintf("Collected %d external secrets and %d external config maps",
		len(resources.Secrets), len(resources.ConfigMaps)))

	return resources, nil
}

// GeneratedSecrets returns the secrets created by the init-secrets job of the release. The job is called with
// "<verb> -secrets name:key:type,... -labels key=value,...".
func GeneratedSecrets(snapshot *v1.Snapshot, releaseName string) ([]*corev1.Secret, error) {
	job := findJob(snapshot, releaseName+initSecretsSuffix)
	if job == nil {
		return nil, nil
	}

	containers := job.PodSpec().Containers
	if len(containers) == 0 {
		return nil, fmt.Errorf("%s has no containers", job.ID())
	}
	args := containers[0].Args
	if len(args) == 0 && len(containers[0].Command) > 0 {
		args = containers[0].Command[1:]
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s has no arguments", job.ID())
	}

	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	requestedSecrets := flags.String("secrets", "", "secrets to generate")
	requestedLabels := flags.String("labels", "", "labels of the generated secrets")
	err := flags.Parse(args[1:])
	if err != nil {
		return nil, fmt.Errorf("unexpected arguments of %s: %w", job.ID(), err)
	}
	if *requestedSecrets == "" {
		return nil, fmt.Errorf("can't find the secrets argument of %s", job.ID())
	}

	labels, err := parseLabels(*requestedLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid labels argument of %s: %w", job.ID(), err)
	}

	keysBySecret := map[string][]string{}
	var order []string
	for _, requested := range strings.Split(*requestedSecrets, ",") {
		parts := strings.Split(requested, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid secret %q requested by %s; expected name:key:type", requested, job.ID())
		}
		if _, ok := keysBySecret[parts[0]]; !ok {
			order = append(order, parts[0])
		}
		keysBySecret[parts[0]] = append(keysBySecret[parts[0]], parts[1])
	}

	secrets := make([]*corev1.Secret, 0, len(order))
	for _, name := range order {
		secret := newSecret(name, generatedHookWeight, keysBySecret[name], "generated")
		secret.Labels = map[string]string{}
		for key, value := range labels {
			secret.Labels[key] = value
		}
		secrets = append(secrets, secret)
	}

	return secrets, nil
}

// SecretsFromValues returns the secrets referenced by values: credentials given as secret/secretKey or
// configSecret/configSecretKey pairs and TLS secrets given as tlsSecret.
func SecretsFromValues(releaseValues map[string]interface{}, releaseName string) []*corev1.Secret {
	keysBySecret := map[string][]string{}
	var order []string
	add := func(name, key string) {
		name = strings.ReplaceAll(name, releaseNamePlaceholder, releaseName)
		if _, ok := keysBySecret[name]; !ok {
			order = append(order, name)
		}
		keysBySecret[name] = append(keysBySecret[name], key)
	}

	walk(releaseValues, func(fragment map[string]interface{}) bool {
		if name, key, ok := credentialReference(fragment); ok {
			add(name, key)
			return false
		}
		if tlsSecret, ok := fragment["tlsSecret"].(string); ok {
			add(tlsSecret, corev1.TLSCertKey)
			add(tlsSecret, corev1.TLSPrivateKeyKey)
		}
		return true
	})

	secrets := make([]*corev1.Secret, 0, len(order))
	for _, name := range order {
		secrets = append(secrets, newSecret(name, externalHookWeight, keysBySecret[name], "external"))
	}

	return secrets
}

// ConfigMapsFromValues returns the config maps referenced by extraVolumes entries of values.
func ConfigMapsFromValues(releaseValues map[string]interface{}, releaseName string) []*corev1.ConfigMap {
	var configMaps []*corev1.ConfigMap
	known := map[string]struct{}{}

	walk(releaseValues, func(fragment map[string]interface{}) bool {
		extraVolumes, ok := fragment["extraVolumes"].([]interface{})
		if !ok {
			return true
		}

		for _, extraVolume := range extraVolumes {
			volume, ok := extraVolume.(map[string]interface{})
			if !ok {
				continue
			}
			configMap, ok := volume["configMap"].(map[string]interface{})
			if !ok {
				continue
			}
			name, ok := configMap["name"].(string)
			if !ok {
				continue
			}

			name = strings.ReplaceAll(name, releaseNamePlaceholder, releaseName)
			if _, exists := known[name]; exists {
				continue
			}
			known[name] = struct{}{}
			configMaps = append(configMaps, &corev1.ConfigMap{
				TypeMeta: metav1.TypeMeta{Kind: v1.KindConfigMap, APIVersion: "v1"},
				ObjectMeta: metav1.ObjectMeta{
					Name:        name,
					Annotations: map[string]string{release.HookWeightAnnotation: externalHookWeight},
				},
				Data: map[string]string{},
			})
		}
		return true
	})

	return configMaps
}

func credentialReference(fragment map[string]interface{}) (string, string, bool) {
	if len(fragment) != 2 {
		return "", "", false
	}

	for _, keys := range [][2]string{{"secret", "secretKey"}, {"configSecret", "configSecretKey"}} {
		name, nameOk := fragment[keys[0]].(string)
		key, keyOk := fragment[keys[1]].(string)
		if nameOk && keyOk {
			return name, key, true
		}
	}

	return "", "", false
}

// walk calls visit for every map inside the values in a stable order. Children of a map are only walked if
// visit returns true.
func walk(fragment interface{}, visit func(map[string]interface{}) bool) {
	switch typed := fragment.(type) {
	case map[string]interface{}:
		if !visit(typed) {
			return
		}
		keys := make(map[string]string, len(typed))
		for key := range typed {
			keys[key] = key
		}
		for _, key := range util.SortedKeys(keys) {
			walk(typed[key], visit)
		}
	case []interface{}:
		for _, item := range typed {
			walk(item, visit)
		}
	}
}

func findJob(snapshot *v1.Snapshot, name string) *v1.Workload {
	for _, workload := range snapshot.Workloads {
		if workload.Kind == v1.KindJob && workload.Name == name {
			return workload
		}
	}

	return nil
}

func parseLabels(raw string) (map[string]string, error) {
	labels := map[string]string{managedByLabel: generatorIdentity}
	if raw == "" {
		return labels, nil
	}

	for _, label := range strings.Split(raw, ",") {
		parts := strings.SplitN(label, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("label %q is not of the form key=value", label)
		}
		labels[parts[0]] = parts[1]
	}

	return labels, nil
}

func newSecret(name, hookWeight string, keys []string, placeholder string) *corev1.Secret {
	data := make(map[string][]byte, len(keys))
	for _, key := range keys {
		data[key] = []byte(placeholder)
	}

	return &corev1.Secret{
		TypeMeta: metav1.TypeMeta{Kind: v1.KindSecret, APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Annotations: map[string]string{release.HookWeightAnnotation: hookWeight},
		},
		Data: data,
	}
}
