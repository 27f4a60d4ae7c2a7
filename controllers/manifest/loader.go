package manifest

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"helm.sh/helm/v3/pkg/releaseutil"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
)

// LoadFile reads a rendered manifest stream from a file. "-" reads from the given fallback reader.
func LoadFile(ctx context.Context, path string, stdin io.Reader) (*v1.Snapshot, error) {
	if path == "-" {
		return Load(ctx, stdin)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifests %s", path)
	}
	defer func() {
		_ = file.Close()
	}()

	return Load(ctx, file)
}

// Load reads a rendered manifest stream, e.g. the output of helm template.
func Load(ctx context.Context, reader io.Reader) (*v1.Snapshot, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifests")
	}

	return Parse(ctx, string(content))
}

// Parse decodes every document of a manifest stream. Documents of kinds not relevant for the verification are
// skipped. Workloads keep the order of the stream.
func Parse(ctx context.Context, manifests string) (*v1.Snapshot, error) {
	logger := log.FromContext(ctx)

	documents := releaseutil.SplitManifests(manifests)
	keys := make([]string, 0, len(documents))
	for key := range documents {
		keys = append(keys, key)
	}
	sort.Sort(releaseutil.BySplitManifestsOrder(keys))

	snapshot := &v1.Snapshot{}
	for _, key := range keys {
		err := addDocument(snapshot, []byte(documents[key]))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s", key)
		}
	}

	logger.V(1).Info(fmt.Sprintf("Loaded %d workloads, %d secrets, %d config maps and %d certificates from %d documents",
		len(snapshot.Workloads), len(snapshot.Secrets), len(snapshot.ConfigMaps), len(snapshot.Certificates), len(keys)))

	return snapshot, nil
}

func addDocument(snapshot *v1.Snapshot, document []byte) error {
	typeMeta := metav1.TypeMeta{}
	err := yaml.Unmarshal(document, &typeMeta)
	if err != nil {
		return err
	}

	switch typeMeta.Kind {
	case v1.KindDeployment, v1.KindStatefulSet, v1.KindJob, v1.KindSecret, v1.KindConfigMap:
		return addTypedObject(snapshot, document)
	case v1.KindCertificate:
		certificate, err := decodeCertificate(document)
		if err != nil {
			return err
		}
		snapshot.Certificates = append(snapshot.Certificates, certificate)
	}

	return nil
}

func addTypedObject(snapshot *v1.Snapshot, document []byte) error {
	decode := scheme.Codecs.UniversalDeserializer().Decode
	object, _, err := decode(document, nil, nil)
	if err != nil {
		return err
	}

	switch typed := object.(type) {
	case *appsv1.Deployment:
		snapshot.Workloads = append(snapshot.Workloads, &v1.Workload{Kind: v1.KindDeployment, ObjectMeta: typed.ObjectMeta, Template: typed.Spec.Template})
	case *appsv1.StatefulSet:
		snapshot.Workloads = append(snapshot.Workloads, &v1.Workload{Kind: v1.KindStatefulSet, ObjectMeta: typed.ObjectMeta, Template: typed.Spec.Template})
	case *batchv1.Job:
		snapshot.Workloads = append(snapshot.Workloads, &v1.Workload{Kind: v1.KindJob, ObjectMeta: typed.ObjectMeta, Template: typed.Spec.Template})
	case *corev1.Secret:
		snapshot.Secrets = append(snapshot.Secrets, typed)
	case *corev1.ConfigMap:
		snapshot.ConfigMaps = append(snapshot.ConfigMaps, typed)
	default:
		return fmt.Errorf("unsupported object %T", object)
	}

	return nil
}

func decodeCertificate(document []byte) (*v1.Certificate, error) {
	object := &unstructured.Unstructured{}
	err := yaml.Unmarshal(document, &object.Object)
	if err != nil {
		return nil, err
	}

	secretName, found, err := unstructured.NestedString(object.Object, "spec", "secretName")
	if err != nil {
		return nil, err
	}
	if !found || secretName == "" {
		return nil, fmt.Errorf("certificate %s has no spec.secretName", object.GetName())
	}

	return &v1.Certificate{
		ObjectMeta: metav1.ObjectMeta{
			Name:        object.GetName(),
			Namespace:   object.GetNamespace(),
			Labels:      object.GetLabels(),
			Annotations: object.GetAnnotations(),
		},
		SecretName: secretName,
	}, nil
}
