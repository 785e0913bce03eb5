package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/ahonda/manzaistage/internal/script"
)

// PlacementFor returns the stage position matrix for a performer. The two
// characters stand either side of an imaginary center mic.
func PlacementFor(role script.Role) mgl32.Mat4 {
	x := float32(-0.8)
	if role == script.RoleBoke {
		x = 0.8
	}
	return mgl32.Translate3D(x, 0, 0)
}

const vertexShaderSrc = `#version 410 core
layout (location = 0) in vec3 aPos;
layout (location = 1) in vec3 aNormal;

uniform mat4 uModel;
uniform mat4 uView;
uniform mat4 uProjection;

out vec3 vNormal;

void main() {
    vNormal = mat3(uModel) * aNormal;
    gl_Position = uProjection * uView * uModel * vec4(aPos, 1.0);
}
` + "\x00"

const fragmentShaderSrc = `#version 410 core
in vec3 vNormal;
out vec4 FragColor;

uniform vec3 uBaseColor;

void main() {
    vec3 lightDir = normalize(vec3(0.4, 0.6, 1.0));
    float diffuse = max(dot(normalize(vNormal), lightDir), 0.0);
    vec3 color = uBaseColor * (0.35 + 0.65 * diffuse);
    FragColor = vec4(color, 1.0);
}
` + "\x00"

// GLBackend renders through an OpenGL 4.1 context. The context must be
// current on the calling thread before New is invoked and for every Upload
// and Draw afterwards.
type GLBackend struct {
	program    uint32
	view       mgl32.Mat4
	projection mgl32.Mat4
	ready      bool
}

// NewGLBackend compiles the stage shader against the current GL context.
func NewGLBackend(width, height int) (*GLBackend, error) {
	if err := gl.Init(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	program, err := linkProgram(vertexShaderSrc, fragmentShaderSrc)
	if err != nil {
		return nil, err
	}

	aspect := float32(width) / float32(height)
	b := &GLBackend{
		program:    program,
		view:       mgl32.LookAtV(mgl32.Vec3{0, 0.2, 3}, mgl32.Vec3{0, 0.2, 0}, mgl32.Vec3{0, 1, 0}),
		projection: mgl32.Perspective(mgl32.DegToRad(40), aspect, 0.1, 100),
		ready:      true,
	}

	gl.Enable(gl.DEPTH_TEST)
	return b, nil
}

// Available reports whether the backend initialized a usable context.
func (b *GLBackend) Available() bool { return b != nil && b.ready }

// Invalidate marks the context unusable, for loss handling.
func (b *GLBackend) Invalidate() { b.ready = false }

// Revalidate marks the context usable again after recreation.
func (b *GLBackend) Revalidate() { b.ready = true }

// BeginFrame clears the stage.
func (b *GLBackend) BeginFrame(r, g, bl, a float32) {
	gl.ClearColor(r, g, bl, a)
	gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)
}

// Upload creates a GL mesh from parsed model data.
func (b *GLBackend) Upload(data *ModelData) (Mesh, error) {
	if !b.ready {
		return nil, ErrDeviceUnavailable
	}
	return newGLMesh(b, data), nil
}

// glMesh is a morphable mesh with CPU-side morphing and a dynamic VBO,
// re-uploaded only when weights change.
type glMesh struct {
	backend *GLBackend

	mu        sync.Mutex
	vao, vbo  uint32
	ebo       uint32
	hasEBO    bool
	count     int32
	base      []mgl32.Vec3
	normals   []mgl32.Vec3
	targets   []MorphTarget
	transform mgl32.Mat4
	released  bool
}

func newGLMesh(backend *GLBackend, data *ModelData) *glMesh {
	m := &glMesh{
		backend:   backend,
		base:      data.Positions,
		normals:   data.Normals,
		targets:   data.MorphTargets,
		transform: mgl32.Ident4(),
	}

	gl.GenVertexArrays(1, &m.vao)
	gl.GenBuffers(1, &m.vbo)
	gl.BindVertexArray(m.vao)
	gl.BindBuffer(gl.ARRAY_BUFFER, m.vbo)

	vertexData := m.interleave(nil)
	gl.BufferData(gl.ARRAY_BUFFER, len(vertexData)*4, gl.Ptr(vertexData), gl.DYNAMIC_DRAW)

	stride := int32(6 * 4)
	gl.VertexAttribPointerWithOffset(0, 3, gl.FLOAT, false, stride, 0)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointerWithOffset(1, 3, gl.FLOAT, false, stride, 3*4)
	gl.EnableVertexAttribArray(1)

	if len(data.Indices) > 0 {
		gl.GenBuffers(1, &m.ebo)
		gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, m.ebo)
		gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(data.Indices)*4, gl.Ptr(data.Indices), gl.STATIC_DRAW)
		m.hasEBO = true
		m.count = int32(len(data.Indices))
	} else {
		m.count = int32(len(data.Positions))
	}

	gl.BindVertexArray(0)
	return m
}

// interleave builds pos+normal vertex data with morph deltas applied.
func (m *glMesh) interleave(weights []float64) []float32 {
	out := make([]float32, 0, len(m.base)*6)
	for i, pos := range m.base {
		p := pos
		for ti, w := range weights {
			if w < 0.001 || ti >= len(m.targets) {
				continue
			}
			deltas := m.targets[ti].PositionDeltas
			if i < len(deltas) {
				p = p.Add(deltas[i].Mul(float32(w)))
			}
		}
		n := mgl32.Vec3{}
		if i < len(m.normals) {
			n = m.normals[i]
		}
		out = append(out, p[0], p[1], p[2], n[0], n[1], n[2])
	}
	return out
}

func (m *glMesh) ApplyMorphWeights(weights []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released || !m.backend.Available() {
		return
	}
	vertexData := m.interleave(weights)
	gl.BindBuffer(gl.ARRAY_BUFFER, m.vbo)
	gl.BufferSubData(gl.ARRAY_BUFFER, 0, len(vertexData)*4, gl.Ptr(vertexData))
}

func (m *glMesh) SetTransform(model mgl32.Mat4) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transform = model
}

func (m *glMesh) Draw() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released || !m.backend.Available() {
		return
	}

	gl.UseProgram(m.backend.program)
	setMat4(m.backend.program, "uModel", m.transform)
	setMat4(m.backend.program, "uView", m.backend.view)
	setMat4(m.backend.program, "uProjection", m.backend.projection)
	setVec3(m.backend.program, "uBaseColor", mgl32.Vec3{0.9, 0.82, 0.75})

	gl.BindVertexArray(m.vao)
	if m.hasEBO {
		gl.DrawElements(gl.TRIANGLES, m.count, gl.UNSIGNED_INT, nil)
	} else {
		gl.DrawArrays(gl.TRIANGLES, 0, m.count)
	}
	gl.BindVertexArray(0)
}

func (m *glMesh) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	m.released = true
	gl.DeleteVertexArrays(1, &m.vao)
	gl.DeleteBuffers(1, &m.vbo)
	if m.hasEBO {
		gl.DeleteBuffers(1, &m.ebo)
	}
}

func setMat4(program uint32, name string, mat mgl32.Mat4) {
	loc := gl.GetUniformLocation(program, gl.Str(name+"\x00"))
	gl.UniformMatrix4fv(loc, 1, false, &mat[0])
}

func setVec3(program uint32, name string, v mgl32.Vec3) {
	loc := gl.GetUniformLocation(program, gl.Str(name+"\x00"))
	gl.Uniform3f(loc, v[0], v[1], v[2])
}

func linkProgram(vertexSrc, fragmentSrc string) (uint32, error) {
	vs, err := compileShader(vertexSrc, gl.VERTEX_SHADER)
	if err != nil {
		return 0, err
	}
	fs, err := compileShader(fragmentSrc, gl.FRAGMENT_SHADER)
	if err != nil {
		gl.DeleteShader(vs)
		return 0, err
	}

	program := gl.CreateProgram()
	gl.AttachShader(program, vs)
	gl.AttachShader(program, fs)
	gl.LinkProgram(program)
	gl.DeleteShader(vs)
	gl.DeleteShader(fs)

	var status int32
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(program, logLength, nil, gl.Str(log))
		return 0, fmt.Errorf("link program: %s", log)
	}
	return program, nil
}

func compileShader(source string, shaderType uint32) (uint32, error) {
	shader := gl.CreateShader(shaderType)
	csources, free := gl.Strs(source)
	gl.ShaderSource(shader, 1, csources, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)
		log := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(log))
		return 0, fmt.Errorf("compile shader: %s", log)
	}
	return shader, nil
}
