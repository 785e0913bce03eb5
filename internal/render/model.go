package render

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
)

// ModelData is the parsed, GPU-agnostic form of a character model.
type ModelData struct {
	Positions    []mgl32.Vec3
	Normals      []mgl32.Vec3
	Indices      []uint32
	MorphTargets []MorphTarget
}

// MorphTarget is one named morph target with per-vertex position deltas.
type MorphTarget struct {
	Name           string
	PositionDeltas []mgl32.Vec3
}

// LoadModelData parses a glTF character model from disk.
func LoadModelData(path string) (*ModelData, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open gltf: %v", ErrModelLoad, err)
	}

	if len(doc.Meshes) == 0 {
		return nil, fmt.Errorf("%w: no meshes in %s", ErrModelLoad, path)
	}
	gltfMesh := doc.Meshes[0]
	if len(gltfMesh.Primitives) == 0 {
		return nil, fmt.Errorf("%w: no primitives in %s", ErrModelLoad, path)
	}
	prim := gltfMesh.Primitives[0]

	data := &ModelData{}

	posIdx, ok := prim.Attributes[gltf.POSITION]
	if !ok {
		return nil, fmt.Errorf("%w: mesh has no positions", ErrModelLoad)
	}
	data.Positions, err = readAccessorVec3(doc, uint32(posIdx))
	if err != nil {
		return nil, fmt.Errorf("%w: read positions: %v", ErrModelLoad, err)
	}

	if normIdx, ok := prim.Attributes[gltf.NORMAL]; ok {
		data.Normals, err = readAccessorVec3(doc, uint32(normIdx))
		if err != nil {
			data.Normals = make([]mgl32.Vec3, len(data.Positions))
		}
	} else {
		data.Normals = make([]mgl32.Vec3, len(data.Positions))
	}

	for i, target := range prim.Targets {
		mt := MorphTarget{Name: fmt.Sprintf("target_%d", i)}
		if tIdx, ok := target[gltf.POSITION]; ok {
			mt.PositionDeltas, _ = readAccessorVec3(doc, uint32(tIdx))
		}
		data.MorphTargets = append(data.MorphTargets, mt)
	}

	// Morph target names live in mesh extras per the glTF convention.
	if extras, ok := gltfMesh.Extras.(map[string]interface{}); ok {
		if targetNames, ok := extras["targetNames"].([]interface{}); ok {
			for i, name := range targetNames {
				if i < len(data.MorphTargets) {
					if strName, ok := name.(string); ok {
						data.MorphTargets[i].Name = strName
					}
				}
			}
		}
	}

	if prim.Indices != nil {
		data.Indices, err = readAccessorIndices(doc, uint32(*prim.Indices))
		if err != nil {
			return nil, fmt.Errorf("%w: read indices: %v", ErrModelLoad, err)
		}
	}

	return data, nil
}

// FindMorphTarget returns the index of the first morph target whose name
// matches any of the candidates, case-insensitively. Returns -1 if none.
func (d *ModelData) FindMorphTarget(candidates ...string) int {
	for _, want := range candidates {
		for i, mt := range d.MorphTargets {
			if strings.EqualFold(mt.Name, want) {
				return i
			}
		}
	}
	return -1
}

func readAccessorVec3(doc *gltf.Document, accessorIdx uint32) ([]mgl32.Vec3, error) {
	accessor := doc.Accessors[accessorIdx]
	if accessor.BufferView == nil {
		return nil, fmt.Errorf("accessor %d has no buffer view", accessorIdx)
	}
	bufferView := doc.BufferViews[*accessor.BufferView]
	buffer := doc.Buffers[bufferView.Buffer]

	if accessor.ComponentType != gltf.ComponentFloat || accessor.Type != gltf.AccessorVec3 {
		return nil, fmt.Errorf("accessor %d is not vec3 float", accessorIdx)
	}

	data := buffer.Data
	offset := int(bufferView.ByteOffset) + int(accessor.ByteOffset)
	count := int(accessor.Count)

	stride := 12
	if bufferView.ByteStride > 0 {
		stride = int(bufferView.ByteStride)
	}

	out := make([]mgl32.Vec3, count)
	for i := 0; i < count; i++ {
		base := offset + i*stride
		if base+12 > len(data) {
			return nil, fmt.Errorf("accessor %d overruns buffer", accessorIdx)
		}
		out[i] = mgl32.Vec3{
			math.Float32frombits(binary.LittleEndian.Uint32(data[base:])),
			math.Float32frombits(binary.LittleEndian.Uint32(data[base+4:])),
			math.Float32frombits(binary.LittleEndian.Uint32(data[base+8:])),
		}
	}
	return out, nil
}

func readAccessorIndices(doc *gltf.Document, accessorIdx uint32) ([]uint32, error) {
	accessor := doc.Accessors[accessorIdx]
	if accessor.BufferView == nil {
		return nil, fmt.Errorf("accessor %d has no buffer view", accessorIdx)
	}
	bufferView := doc.BufferViews[*accessor.BufferView]
	buffer := doc.Buffers[bufferView.Buffer]

	data := buffer.Data
	offset := int(bufferView.ByteOffset) + int(accessor.ByteOffset)
	count := int(accessor.Count)

	out := make([]uint32, count)
	switch accessor.ComponentType {
	case gltf.ComponentUbyte:
		for i := 0; i < count; i++ {
			out[i] = uint32(data[offset+i])
		}
	case gltf.ComponentUshort:
		for i := 0; i < count; i++ {
			out[i] = uint32(binary.LittleEndian.Uint16(data[offset+i*2:]))
		}
	case gltf.ComponentUint:
		for i := 0; i < count; i++ {
			out[i] = binary.LittleEndian.Uint32(data[offset+i*4:])
		}
	default:
		return nil, fmt.Errorf("unsupported index component type %d", accessor.ComponentType)
	}
	return out, nil
}
