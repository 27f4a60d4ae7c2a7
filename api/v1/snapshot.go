package v1

import (
	corev1 "k8s.io/api/core/v1"
)

// Snapshot is a fixed set of rendered resources together with the resources which are expected to exist outside
// the release. A snapshot is never modified by the verification.
type Snapshot struct {
	// Workloads contains all rendered Deployments, StatefulSets and Jobs in render order.
	Workloads []*Workload
	// Secrets contains the rendered secrets.
	Secrets []*corev1.Secret
	// ConfigMaps contains the rendered config maps.
	ConfigMaps []*corev1.ConfigMap
	// Certificates contains the rendered certificates. Each of them results in a TLS secret.
	Certificates []*Certificate
	// ExternalSecrets contains secrets which are provided by something else than the release.
	ExternalSecrets []*corev1.Secret
	// ExternalConfigMaps contains config maps which are provided by something else than the release.
	ExternalConfigMaps []*corev1.ConfigMap
}

// Secret searches a secret by name in the rendered secrets, the secrets produced by certificates and the
// external secrets.
func (s *Snapshot) Secret(name string) (*corev1.Secret, error) {
	for _, secret := range s.Secrets {
		if secret.Name == name {
			return secret, nil
		}
	}
	for _, certificate := range s.Certificates {
		if certificate.SecretName == name {
			return certificate.ToSecret(), nil
		}
	}
	for _, secret := range s.ExternalSecrets {
		if secret.Name == name {
			return secret, nil
		}
	}

	return nil, &LookupError{Kind: KindSecret, Name: name}
}

// ConfigMap searches a config map by name in the rendered and the external config maps.
func (s *Snapshot) ConfigMap(name string) (*corev1.ConfigMap, error) {
	for _, configMap := range s.ConfigMaps {
		if configMap.Name == name {
			return configMap, nil
		}
	}
	for _, configMap := range s.ExternalConfigMaps {
		if configMap.Name == name {
			return configMap, nil
		}
	}

	return nil, &LookupError{Kind: KindConfigMap, Name: name}
}

// WithExternals returns a shallow copy of the snapshot with the given external resources appended.
func (s *Snapshot) WithExternals(secrets []*corev1.Secret, configMaps []*corev1.ConfigMap) *Snapshot {
	extended := *s
	extended.ExternalSecrets = append(append([]*corev1.Secret{}, s.ExternalSecrets...), secrets...)
	extended.ExternalConfigMaps = append(append([]*corev1.ConfigMap{}, s.ExternalConfigMaps...), configMaps...)
	return &extended
}
