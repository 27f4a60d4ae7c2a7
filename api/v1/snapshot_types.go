package v1

import (
	"fmt"
	"strconv"
	"strings"

	"helm.sh/helm/v3/pkg/release"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	KindDeployment  = "Deployment"
	KindStatefulSet = "StatefulSet"
	KindJob         = "Job"
	KindSecret      = "Secret"
	KindConfigMap   = "ConfigMap"
	KindCertificate = "Certificate"
	KindVolume      = "Volume"

	// KindKey names a single entry of a secret or config map.
	KindKey = "Key"

	// KindFile names a file inside a container.
	KindFile = "File"
)

// ComponentLabel holds the name of the component a rendered manifest belongs to.
const ComponentLabel = "app.kubernetes.io/name"

// OrderedHookPhase marks workloads which run before the release is installed or upgraded. Every
// resource such a workload consumes must have a lower hook weight than the workload itself.
const OrderedHookPhase = string(release.HookPreInstall) + "," + string(release.HookPreUpgrade)

// Workload is a pod owning resource (Deployment, StatefulSet or Job) of the rendered release.
type Workload struct {
	Kind string `json:"kind"`
	metav1.ObjectMeta
	// Template is the pod template of the workload.
	Template corev1.PodTemplateSpec `json:"template"`
}

// ID returns the workload identifier in the form "kind/name".
func (w *Workload) ID() string {
	return fmt.Sprintf("%s/%s", w.Kind, w.Name)
}

// PodSpec returns the pod spec of the workload template.
func (w *Workload) PodSpec() *corev1.PodSpec {
	return &w.Template.Spec
}

// Containers returns all containers of the workload in their start order: init containers first.
func (w *Workload) Containers() []corev1.Container {
	spec := w.PodSpec()
	containers := make([]corev1.Container, 0, len(spec.InitContainers)+len(spec.Containers))
	containers = append(containers, spec.InitContainers...)
	return append(containers, spec.Containers...)
}

// Volume returns the pod volume with the given name.
func (w *Workload) Volume(name string) (*corev1.Volume, error) {
	for i := range w.PodSpec().Volumes {
		if w.PodSpec().Volumes[i].Name == name {
			return &w.PodSpec().Volumes[i], nil
		}
	}

	return nil, &LookupError{Kind: KindVolume, Name: name, In: w.ID()}
}

// ComponentName returns the value of the component label.
func (w *Workload) ComponentName() string {
	return w.Labels[ComponentLabel]
}

// HookWeight returns the hook weight of the workload if it is a pre-install/pre-upgrade hook and nil otherwise.
// A hook without weight annotation has the weight 0.
func (w *Workload) HookWeight() (*int, error) {
	if !strings.Contains(w.Annotations[release.HookAnnotation], OrderedHookPhase) {
		return nil, nil
	}

	weight := 0
	rawWeight, ok := w.Annotations[release.HookWeightAnnotation]
	if !ok {
		return &weight, nil
	}

	weight, err := strconv.Atoi(rawWeight)
	if err != nil {
		return nil, fmt.Errorf("invalid hook weight %q on %s: %w", rawWeight, w.ID(), err)
	}

	return &weight, nil
}

// ResourceHookWeight returns the hook weight annotated on the given resource. The boolean is false if the resource
// carries no hook weight annotation.
func ResourceHookWeight(meta metav1.Object) (int, bool, error) {
	rawWeight, ok := meta.GetAnnotations()[release.HookWeightAnnotation]
	if !ok {
		return 0, false, nil
	}

	weight, err := strconv.Atoi(rawWeight)
	if err != nil {
		return 0, true, fmt.Errorf("invalid hook weight %q on %s: %w", rawWeight, meta.GetName(), err)
	}

	return weight, true, nil
}

// Certificate is the subset of a cert-manager certificate this module cares about.
type Certificate struct {
	metav1.ObjectMeta
	// SecretName is the name of the TLS secret the certificate gets stored in.
	SecretName string `json:"secretName"`
}

// ToSecret returns the secret the certificate will produce. The content is a placeholder as only the keys matter.
func (c *Certificate) ToSecret() *corev1.Secret {
	return &corev1.Secret{
		TypeMeta: metav1.TypeMeta{Kind: KindSecret, APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      c.SecretName,
			Namespace: c.Namespace,
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{
			corev1.TLSCertKey:       []byte("some-certificate"),
			corev1.TLSPrivateKeyKey: []byte("some-key"),
		},
	}
}

// SecretData returns the decoded content of a secret. Values from stringData win over data as the api server does.
func SecretData(secret *corev1.Secret) map[string]string {
	data := make(map[string]string, len(secret.Data)+len(secret.StringData))
	for key, value := range secret.Data {
		data[key] = string(value)
	}
	for key, value := range secret.StringData {
		data[key] = value
	}

	return data
}

// ConfigMapData returns the textual content of a config map. Binary entries are exposed as strings as well.
func ConfigMapData(configMap *corev1.ConfigMap) map[string]string {
	data := make(map[string]string, len(configMap.Data)+len(configMap.BinaryData))
	for key, value := range configMap.BinaryData {
		data[key] = string(value)
	}
	for key, value := range configMap.Data {
		data[key] = value
	}

	return data
}
