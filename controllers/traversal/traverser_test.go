package traversal

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"helm.sh/helm/v3/pkg/release"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/cloudogu/k8s-mount-verifier/api/v1"
	"github.com/cloudogu/k8s-mount-verifier/controllers/config"
	"github.com/cloudogu/k8s-mount-verifier/controllers/consumer"
	"github.com/cloudogu/k8s-mount-verifier/controllers/mount"
	"github.com/cloudogu/k8s-mount-verifier/controllers/resolver"
)

type resolverMock struct {
	mock.Mock
}

func (r *resolverMock) Resolve(in resolver.Input) (*resolver.ContainerContext, error) {
	args := r.Called(in)
	containerCtx, _ := args.Get(0).(*resolver.ContainerContext)
	return containerCtx, args.Error(1)
}

type visitorMock struct {
	mock.Mock
}

func (v *visitorMock) Visit(containerCtx *resolver.ContainerContext) error {
	args := v.Called(containerCtx)
	return args.Error(0)
}

func testConfig() *config.VerifierConfig {
	return &config.VerifierConfig{
		RenderToolImage: config.DefaultRenderToolImage,
		RenderVerb:      config.DefaultRenderVerb,
		Workers:         1,
		Components: []config.ComponentConfig{{
			Name:                  "app",
			ContentVolumesMapping: map[string][]string{"/data": {"store"}},
		}},
	}
}

func inputForContainer(name string) interface{} {
	return mock.MatchedBy(func(in resolver.Input) bool { return in.Container.Name == name })
}

func simpleWorkload() *v1.Workload {
	return &v1.Workload{
		Kind: v1.KindJob,
		ObjectMeta: metav1.ObjectMeta{
			Name:   "app-init",
			Labels: map[string]string{v1.ComponentLabel: "app-init"},
			Annotations: map[string]string{
				release.HookAnnotation:       "pre-install,pre-upgrade",
				release.HookWeightAnnotation: "3",
			},
		},
		Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{
			InitContainers: []corev1.Container{{Name: "first"}},
			Containers:     []corev1.Container{{Name: "second"}, {Name: "third"}},
		}},
	}
}

func TestTraverser_Traverse(t *testing.T) {
	t.Run("should visit init containers before containers", func(t *testing.T) {
		// given
		resolverMock := &resolverMock{}
		visitorMock := &visitorMock{}
		var visited []string
		for _, name := range []string{"first", "second", "third"} {
			containerCtx := &resolver.ContainerContext{WorkloadID: "Job/app-init", Name: name}
			resolverMock.On("Resolve", inputForContainer(name)).Return(containerCtx, nil)
			visitorMock.On("Visit", containerCtx).Run(func(args mock.Arguments) {
				visited = append(visited, args.Get(0).(*resolver.ContainerContext).Name)
			}).Return(nil)
		}
		sut := New(resolverMock, testConfig())

		// when
		err := sut.Traverse(context.TODO(), simpleWorkload(), visitorMock.Visit)

		// then
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second", "third"}, visited)
		mock.AssertExpectationsForObjects(t, resolverMock, visitorMock)
	})

	t.Run("should pass hook weight and component to resolver", func(t *testing.T) {
		// given
		resolverMock := &resolverMock{}
		resolverMock.On("Resolve", mock.MatchedBy(func(in resolver.Input) bool {
			return in.HookWeight != nil && *in.HookWeight == 3 && in.Component.Name == "app"
		})).Return(&resolver.ContainerContext{}, nil).Times(3)
		sut := New(resolverMock, testConfig())

		// when
		err := sut.Traverse(context.TODO(), simpleWorkload(), func(*resolver.ContainerContext) error { return nil })

		// then
		require.NoError(t, err)
		resolverMock.AssertExpectations(t)
	})

	t.Run("should stop on resolution error", func(t *testing.T) {
		// given
		resolverMock := &resolverMock{}
		visitorMock := &visitorMock{}
		firstCtx := &resolver.ContainerContext{Name: "first"}
		resolverMock.On("Resolve", inputForContainer("first")).Return(firstCtx, nil)
		resolverMock.On("Resolve", inputForContainer("second")).Return(nil, &v1.LookupError{Kind: v1.KindSecret, Name: "missing"})
		visitorMock.On("Visit", firstCtx).Return(nil)
		sut := New(resolverMock, testConfig())

		// when
		err := sut.Traverse(context.TODO(), simpleWorkload(), visitorMock.Visit)

		// then
		require.Error(t, err)
		assert.True(t, v1.IsLookupError(err))
		assert.ErrorContains(t, err, "failed to resolve container second of Job/app-init: Secret missing not found")
		mock.AssertExpectationsForObjects(t, resolverMock, visitorMock)
	})

	t.Run("should stop on visitor error", func(t *testing.T) {
		// given
		resolverMock := &resolverMock{}
		firstCtx := &resolver.ContainerContext{Name: "first"}
		resolverMock.On("Resolve", inputForContainer("first")).Return(firstCtx, nil)
		sut := New(resolverMock, testConfig())

		// when
		err := sut.Traverse(context.TODO(), simpleWorkload(), func(*resolver.ContainerContext) error {
			return errors.New("visit failed")
		})

		// then
		require.Error(t, err)
		assert.ErrorContains(t, err, "visit failed")
		resolverMock.AssertNumberOfCalls(t, "Resolve", 1)
	})

	t.Run("should fail on invalid hook weight", func(t *testing.T) {
		workload := simpleWorkload()
		workload.Annotations[release.HookWeightAnnotation] = "heavy"

		err := New(&resolverMock{}, testConfig()).Traverse(context.TODO(), workload, nil)

		require.Error(t, err)
		assert.ErrorContains(t, err, "invalid hook weight \"heavy\" on Job/app-init")
	})

	t.Run("should snapshot mutable empty dirs for following containers", func(t *testing.T) {
		// given
		resolverMock := &resolverMock{}
		scratch := mount.NewMountedEmptyDir("scratch", "/out", nil)
		scratch.Record("app.conf", "rendered")
		resolverMock.On("Resolve", inputForContainer("first")).Return(&resolver.ContainerContext{
			MutableEmptyDirs: map[string]*mount.MountedEmptyDir{"scratch": scratch},
		}, nil)
		resolverMock.On("Resolve", mock.MatchedBy(func(in resolver.Input) bool {
			state, ok := in.EmptyDirs["scratch"]
			return in.Container.Name != "first" && ok && state != scratch &&
				state.MountPoint == "" && state.ProducedOutputs["app.conf"] == "rendered"
		})).Return(&resolver.ContainerContext{}, nil).Twice()
		sut := New(resolverMock, testConfig())

		// when
		err := sut.Traverse(context.TODO(), simpleWorkload(), func(*resolver.ContainerContext) error { return nil })

		// then
		require.NoError(t, err)
		resolverMock.AssertExpectations(t)
	})
}

func TestTraverser_Traverse_RenderConfigPropagation(t *testing.T) {
	// given
	snapshot := &v1.Snapshot{ConfigMaps: []*corev1.ConfigMap{{
		ObjectMeta: metav1.ObjectMeta{Name: "templates"},
		Data:       map[string]string{"a.conf": "value: {{ readfile \"/in/a.conf\" }}\n"},
	}}}
	workload := &v1.Workload{
		Kind:       v1.KindDeployment,
		ObjectMeta: metav1.ObjectMeta{Name: "app", Labels: map[string]string{v1.ComponentLabel: "app"}},
		Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{
			Volumes: []corev1.Volume{
				{Name: "templates", VolumeSource: corev1.VolumeSource{ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: "templates"},
				}}},
				{Name: "scratch", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory}}},
			},
			InitContainers: []corev1.Container{{
				Name:  "render-config",
				Image: "ghcr.io/element-hq/ess-helm/matrix-tools:0.3.4",
				Args:  []string{"render-config", "-output", "/out/app.conf", "/in/a.conf"},
				VolumeMounts: []corev1.VolumeMount{
					{Name: "templates", MountPath: "/in"},
					{Name: "scratch", MountPath: "/out"},
				},
			}},
			Containers: []corev1.Container{{
				Name:         "app",
				Args:         []string{"-c", "/out/app.conf"},
				VolumeMounts: []corev1.VolumeMount{{Name: "scratch", MountPath: "/out"}},
			}},
		}},
	}
	verifierConfig := testConfig()
	sut := New(resolver.New(snapshot, verifierConfig), verifierConfig)

	var visited []*resolver.ContainerContext
	visit := func(containerCtx *resolver.ContainerContext) error {
		visited = append(visited, containerCtx)
		return nil
	}

	// when
	err := sut.Traverse(context.TODO(), workload, visit)

	// then
	require.NoError(t, err)
	require.Len(t, visited, 2)
	assert.Equal(t, resolver.RoleRenderConfig, visited[0].Role)

	appCtx := visited[1]
	var appPaths []string
	for _, source := range appCtx.Sources {
		for _, mounted := range source.MountedPaths() {
			appPaths = append(appPaths, mounted.String())
		}
	}
	assert.Equal(t, []string{"/out", "/out/app.conf"}, appPaths)

	generic, ok := appCtx.Consumers[0].(*consumer.GenericContainerConsumer)
	require.True(t, ok)
	require.Contains(t, generic.VisibleEmptyDirs, "scratch")
	assert.Equal(t, map[string]string{"app.conf": "value: \n"}, generic.VisibleEmptyDirs["scratch"].ProducedOutputs)
}
