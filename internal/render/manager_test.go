package render

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahonda/manzaistage/internal/script"
)

// fakeMesh records calls instead of touching a GPU.
type fakeMesh struct {
	weights   []float64
	draws     int
	transform mgl32.Mat4
	released  int
}

func (m *fakeMesh) ApplyMorphWeights(weights []float64) {
	m.weights = append([]float64(nil), weights...)
}
func (m *fakeMesh) SetTransform(model mgl32.Mat4) { m.transform = model }
func (m *fakeMesh) Draw()                         { m.draws++ }
func (m *fakeMesh) Release()                      { m.released++ }

// fakeBackend hands out fakeMeshes and can simulate device loss.
type fakeBackend struct {
	available bool
	meshes    []*fakeMesh
	uploads   int
	failNext  error
}

func (b *fakeBackend) Available() bool { return b.available }

func (b *fakeBackend) Upload(data *ModelData) (Mesh, error) {
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return nil, err
	}
	b.uploads++
	mesh := &fakeMesh{}
	b.meshes = append(b.meshes, mesh)
	return mesh, nil
}

func testModelData() *ModelData {
	return &ModelData{
		Positions: []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Normals:   []mgl32.Vec3{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}},
		MorphTargets: []MorphTarget{
			{Name: "mouthOpen", PositionDeltas: []mgl32.Vec3{{0, -0.1, 0}, {0, 0, 0}, {0, 0, 0}}},
			{Name: "eyeBlink"},
		},
	}
}

func newTestManager(backend *fakeBackend) *Manager {
	m := NewManager(backend, nil, false, zerolog.Nop())
	m.loadData = func(path string) (*ModelData, error) {
		return testModelData(), nil
	}
	return m
}

func TestLoadModelReplacesPrior(t *testing.T) {
	backend := &fakeBackend{available: true}
	m := newTestManager(backend)

	require.NoError(t, m.LoadModel(script.RoleTsukkomi, "a.glb"))
	require.NoError(t, m.LoadModel(script.RoleTsukkomi, "b.glb"))

	assert.Equal(t, 2, backend.uploads)
	assert.Equal(t, 1, backend.meshes[0].released, "prior handle must be released on replace")
	assert.Equal(t, 0, backend.meshes[1].released)
}

func TestLoadModelDeviceUnavailable(t *testing.T) {
	backend := &fakeBackend{available: false}
	m := newTestManager(backend)

	err := m.LoadModel(script.RoleTsukkomi, "a.glb")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestSetParameterDrivesMouthMorph(t *testing.T) {
	backend := &fakeBackend{available: true}
	m := newTestManager(backend)
	require.NoError(t, m.LoadModel(script.RoleBoke, "boke.glb"))

	m.SetParameter(script.RoleBoke, ParamMouthOpen, 1.0)
	for i := 0; i < 120; i++ {
		m.Tick(1.0 / 60)
	}

	mesh := backend.meshes[0]
	require.NotEmpty(t, mesh.weights)
	assert.InDelta(t, 1.0, mesh.weights[0], 0.01, "mouthOpen morph should converge to target")
	assert.InDelta(t, 1.0, m.Parameter(script.RoleBoke, ParamMouthOpen), 0.01)
}

func TestSetParameterNoHandleIsNoop(t *testing.T) {
	backend := &fakeBackend{available: true}
	m := newTestManager(backend)

	// Must not panic and must read back as zero.
	m.SetParameter(script.RoleBoke, ParamMouthOpen, 1.0)
	assert.Zero(t, m.Parameter(script.RoleBoke, ParamMouthOpen))
}

func TestContextLossSuspendsMutation(t *testing.T) {
	backend := &fakeBackend{available: true}
	m := newTestManager(backend)
	require.NoError(t, m.LoadModel(script.RoleTsukkomi, "a.glb"))

	m.NotifyContextLost()
	assert.Equal(t, StateContextLost, m.State())

	mesh := backend.meshes[0]
	drawsBefore := mesh.draws

	m.SetParameter(script.RoleTsukkomi, ParamMouthOpen, 1.0)
	m.Tick(1.0 / 60)
	m.Draw()

	assert.Equal(t, drawsBefore, mesh.draws, "draw must be skipped while context lost")
	assert.Empty(t, mesh.weights, "tick must not touch the mesh while context lost")
}

func TestContextRestoreReloadsCachedModels(t *testing.T) {
	backend := &fakeBackend{available: true}
	m := newTestManager(backend)
	require.NoError(t, m.LoadModel(script.RoleTsukkomi, "a.glb"))
	require.NoError(t, m.LoadModel(script.RoleBoke, "b.glb"))

	m.NotifyContextLost()
	m.NotifyContextRestored()

	assert.Equal(t, StateReady, m.State())
	assert.Equal(t, 4, backend.uploads, "restore must re-upload both cached models")

	// The restored handles must accept parameters again.
	m.SetParameter(script.RoleTsukkomi, ParamMouthOpen, 0.7)
	m.Tick(1.0 / 60)
	assert.Greater(t, m.Parameter(script.RoleTsukkomi, ParamMouthOpen), 0.0)
}

func TestContextRestoreDegradesFailedRole(t *testing.T) {
	backend := &fakeBackend{available: true}
	m := newTestManager(backend)
	require.NoError(t, m.LoadModel(script.RoleTsukkomi, "a.glb"))

	m.NotifyContextLost()
	backend.failNext = ErrModelLoad
	m.NotifyContextRestored()

	// The role is degraded to audio-only: parameters are silently dropped.
	assert.Equal(t, StateReady, m.State())
	m.SetParameter(script.RoleTsukkomi, ParamMouthOpen, 1.0)
	assert.Zero(t, m.Parameter(script.RoleTsukkomi, ParamMouthOpen))
}

func TestReleaseIdempotent(t *testing.T) {
	backend := &fakeBackend{available: true}
	m := newTestManager(backend)
	require.NoError(t, m.LoadModel(script.RoleBoke, "b.glb"))

	m.Release(script.RoleBoke)
	m.Release(script.RoleBoke)
	m.ReleaseAll()

	assert.Equal(t, 1, backend.meshes[0].released)
}

func TestIdleMotionNeverTouchesMouth(t *testing.T) {
	idle := NewIdleAnimator()
	params := map[string]float64{ParamMouthOpen: 0.42}

	for i := 0; i < 600; i++ {
		idle.Apply(1.0/60, params)
	}

	assert.Equal(t, 0.42, params[ParamMouthOpen])
	assert.Contains(t, params, ParamBodySway)
}

func TestFindMorphTarget(t *testing.T) {
	data := testModelData()

	assert.Equal(t, 0, data.FindMorphTarget("MOUTHOPEN"))
	assert.Equal(t, 1, data.FindMorphTarget("jawOpen", "eyeBlink"))
	assert.Equal(t, -1, data.FindMorphTarget("missing"))
}
