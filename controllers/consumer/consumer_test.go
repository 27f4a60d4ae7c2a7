package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
	"github.com/cloudogu/k8s-mount-verifier/controllers/mount"
)

func workloadWithVolumes(volumes ...corev1.Volume) *v1.Workload {
	return &v1.Workload{
		Kind:       v1.KindDeployment,
		ObjectMeta: metav1.ObjectMeta{Name: "app"},
		Template:   corev1.PodTemplateSpec{Spec: corev1.PodSpec{Volumes: volumes}},
	}
}

func emptyDirVolume(name string) corev1.Volume {
	return corev1.Volume{Name: name, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory}}}
}

func TestConfigMapConsumer(t *testing.T) {
	configMap := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "config"},
		Data: map[string]string{
			"app.yaml":  "tls: /secrets/tls/tls.crt",
			"readme.md": "see /usr/share/doc",
		},
	}
	sut := NewConfigMapConsumer(configMap)

	t.Run("should scan all keys", func(t *testing.T) {
		assert.Equal(t, []string{"/secrets/tls/tls.crt", "/usr/share/doc"}, sut.CandidatePaths(sets.NewString()))
	})
	t.Run("should skip ignored keys", func(t *testing.T) {
		assert.Equal(t, []string{"/secrets/tls/tls.crt"}, sut.CandidatePaths(sets.NewString("readme.md")))
	})
	t.Run("should reference path in content", func(t *testing.T) {
		assert.True(t, sut.References("/secrets/tls/tls.crt"))
		assert.False(t, sut.References("/secrets/tls/tls.key"))
	})
	t.Run("should not finalize anything", func(t *testing.T) {
		assert.NoError(t, sut.Finalize(&corev1.Container{}, workloadWithVolumes(), nil))
	})
}

func TestNewGenericContainerConsumer(t *testing.T) {
	t.Run("should collect runtime surface", func(t *testing.T) {
		// given
		container := &corev1.Container{
			Name:    "app",
			Command: []string{"/app/run", "--config", "/conf/app.yaml"},
			Args:    []string{"/ignored/arg"},
			Env:     []corev1.EnvVar{{Name: "KEY_FILE", Value: "/secrets/key/key.pem"}},
			LivenessProbe: &corev1.Probe{ProbeHandler: corev1.ProbeHandler{
				Exec: &corev1.ExecAction{Command: []string{"test", "-f", "/tmp/healthy"}},
			}},
			Lifecycle: &corev1.Lifecycle{PreStop: &corev1.LifecycleHandler{
				Exec: &corev1.ExecAction{Command: []string{"rm", "/tmp/lock"}},
			}},
		}

		// when
		sut := NewGenericContainerConsumer(container, nil)

		// then
		assert.Equal(t, []string{"/app/run", "--config", "/conf/app.yaml"}, sut.Args)
		assert.Equal(t, "test\n-f\n/tmp/healthy", sut.ExecCommands["livenessProbe"])
		assert.Equal(t, "rm\n/tmp/lock", sut.ExecCommands["preStop"])
		assert.Equal(t, []string{"/secrets/key/key.pem", "/tmp/healthy", "/tmp/lock", "/app/run", "/conf/app.yaml"},
			sut.CandidatePaths(sets.NewString()))
		assert.True(t, sut.References("/conf/app.yaml"))
		assert.False(t, sut.References("/ignored/arg"))
	})

	t.Run("should use args without command", func(t *testing.T) {
		container := &corev1.Container{Name: "app", Args: []string{"serve", "/conf/app.yaml"}}

		sut := NewGenericContainerConsumer(container, nil)

		assert.Equal(t, []string{"serve", "/conf/app.yaml"}, sut.Args)
	})

	t.Run("should see rendered outputs of visible empty dirs", func(t *testing.T) {
		// given
		rendered := mount.NewMountedEmptyDir("rendered", "/conf", nil)
		rendered.Record("app.conf", "key: /secrets/key/key.pem")
		sut := NewGenericContainerConsumer(&corev1.Container{Name: "app"}, map[string]*mount.MountedEmptyDir{"rendered": rendered})

		// when
		paths := sut.CandidatePaths(sets.NewString())

		// then
		assert.Equal(t, []string{"/secrets/key/key.pem"}, paths)
		assert.True(t, sut.References("/secrets/key/key.pem"))
	})

	t.Run("should not finalize anything", func(t *testing.T) {
		sut := NewGenericContainerConsumer(&corev1.Container{Name: "app"}, nil)

		assert.NoError(t, sut.Finalize(&corev1.Container{}, workloadWithVolumes(), nil))
	})
}

func TestRenderConfigConsumer_CandidatePaths(t *testing.T) {
	// given
	container := &corev1.Container{Name: "render", Env: []corev1.EnvVar{{Name: "OUT", Value: "/out/app.conf"}}}
	sut := NewRenderConfigConsumer(container, "/out/app.conf", []InputFile{
		{Path: "/in/a.conf", Content: "plain: /not/scanned\nkey: {{ readfile \"/secrets/key/key.pem\" }}"},
		{Path: "/in/skipped.conf", Content: "key: {{ readfile \"/secrets/other\" }}"},
	})

	// when
	paths := sut.CandidatePaths(sets.NewString("skipped.conf"))

	// then
	assert.Equal(t, []string{"/secrets/key/key.pem", "/out/app.conf"}, paths)
}

func TestRenderConfigConsumer_References(t *testing.T) {
	sut := NewRenderConfigConsumer(&corev1.Container{Name: "render"}, "/out/app.conf", []InputFile{
		{Path: "/in/a.conf", Content: "key: {{ readfile \"/secrets/key/key.pem\" }}"},
	})

	t.Run("should reference output", func(t *testing.T) {
		assert.True(t, sut.References("/out/app.conf"))
	})
	t.Run("should reference input path", func(t *testing.T) {
		assert.True(t, sut.References("/in/a.conf"))
	})
	t.Run("should reference path in input content", func(t *testing.T) {
		assert.True(t, sut.References("/secrets/key/key.pem"))
	})
	t.Run("should reference template directory", func(t *testing.T) {
		assert.True(t, sut.References("/conf/unused.yaml"))
	})
	t.Run("should reference files next to output", func(t *testing.T) {
		assert.True(t, sut.References("/out/other.conf"))
	})
	t.Run("should not reference unrelated path", func(t *testing.T) {
		assert.False(t, sut.References("/data/unrelated"))
	})
}

func TestRenderConfigConsumer_Finalize(t *testing.T) {
	newSut := func() *RenderConfigConsumer {
		return NewRenderConfigConsumer(&corev1.Container{Name: "render"}, "/out/app.conf", []InputFile{
			{Path: "/in/a.conf", Content: "value: {{ readfile \"/in/a.conf\" }}\n"},
		})
	}

	t.Run("should write rendered content into empty dir at output directory", func(t *testing.T) {
		// given
		sut := newSut()
		container := &corev1.Container{Name: "render", VolumeMounts: []corev1.VolumeMount{{Name: "scratch", MountPath: "/out"}}}
		emptyDirs := map[string]*mount.MountedEmptyDir{"scratch": mount.NewMountedEmptyDir("scratch", "/out", nil)}

		// when
		err := sut.Finalize(container, workloadWithVolumes(emptyDirVolume("scratch")), emptyDirs)

		// then
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"app.conf": "value: \n"}, emptyDirs["scratch"].ProducedOutputs)
	})

	t.Run("should ignore empty dirs at other mount points", func(t *testing.T) {
		sut := newSut()
		container := &corev1.Container{Name: "render", VolumeMounts: []corev1.VolumeMount{{Name: "scratch", MountPath: "/tmp"}}}
		emptyDirs := map[string]*mount.MountedEmptyDir{"scratch": mount.NewMountedEmptyDir("scratch", "/tmp", nil)}

		err := sut.Finalize(container, workloadWithVolumes(emptyDirVolume("scratch")), emptyDirs)

		require.NoError(t, err)
		assert.Empty(t, emptyDirs["scratch"].ProducedOutputs)
	})

	t.Run("should fail for sub-path output target", func(t *testing.T) {
		sut := newSut()
		container := &corev1.Container{Name: "render", VolumeMounts: []corev1.VolumeMount{{Name: "scratch", MountPath: "/out", SubPath: "app.conf"}}}
		emptyDirs := map[string]*mount.MountedEmptyDir{"scratch": mount.NewMountedEmptyDir("scratch", "/", nil)}

		err := sut.Finalize(container, workloadWithVolumes(emptyDirVolume("scratch")), emptyDirs)

		require.Error(t, err)
		assert.True(t, v1.IsMalformedConventionError(err))
		assert.ErrorContains(t, err, "must not target a file mounted using subPath")
	})

	t.Run("should fail for undeclared volume", func(t *testing.T) {
		sut := newSut()
		container := &corev1.Container{Name: "render", VolumeMounts: []corev1.VolumeMount{{Name: "missing", MountPath: "/out"}}}

		err := sut.Finalize(container, workloadWithVolumes(), nil)

		require.Error(t, err)
		assert.True(t, v1.IsLookupError(err))
	})
}

func TestRenderConfigConsumer_RenderedContent(t *testing.T) {
	sut := NewRenderConfigConsumer(&corev1.Container{Name: "render"}, "/out/app.conf", []InputFile{
		{Path: "/in/a.conf", Content: "a: {{ readfile \"/secrets/a\" }}"},
		{Path: "/in/b.conf", Content: "b: {{ .Values.b }}"},
	})

	assert.Equal(t, "a: \nb: {{ .Values.b }}", sut.RenderedContent())
}
