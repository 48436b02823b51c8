// Package priors - grid prior points for multi-level, anchor-free detection heads.
package priors

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/tensor/native"
	"gopkg.in/yaml.v3"
)

// ErrLevelMismatch is returned when the number of feature maps does not match
// the number of configured strides.
var ErrLevelMismatch = errors.New("feature map count does not match stride count")

// Stride is the receptive-field step of one feature level, in pixels.
type Stride struct {
	X float32 `json:"x" yaml:"x"`
	Y float32 `json:"y" yaml:"y"`
}

// Square returns a stride with equal x and y steps.
func Square(s float32) Stride {
	return Stride{X: s, Y: s}
}

// UnmarshalYAML accepts either a scalar (square stride) or an {x, y} mapping.
func (s *Stride) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var v float32
		if err := value.Decode(&v); err != nil {
			return errors.Wrap(err, "invalid stride")
		}
		*s = Square(v)
		return nil
	}
	type plain Stride
	var p plain
	if err := value.Decode(&p); err != nil {
		return errors.Wrap(err, "invalid stride")
	}
	*s = Stride(p)
	return nil
}

// FeatureShape is the (height, width) of one feature map.
type FeatureShape struct {
	Height int
	Width  int
}

// Prior is a detection site on a feature-map grid.
type Prior struct {
	X, Y             float32
	StrideX, StrideY float32
}

// Centered shifts the prior by half a stride, moving a top-left prior to the
// center of its grid cell.
func (p Prior) Centered() Prior {
	return Prior{
		X:       p.X + p.StrideX*0.5,
		Y:       p.Y + p.StrideY*0.5,
		StrideX: p.StrideX,
		StrideY: p.StrideY,
	}
}

// Generator produces grid priors for every feature level.
//
// Priors depend on the feature-map shapes, so they must be regenerated when
// the input resolution changes.
type Generator struct {
	strides []Stride
	offset  float32
}

// NewGenerator creates a generator.
//
// Arguments:
//   - strides: One stride per feature level, ordered like the feature maps.
//   - offset: Fraction of a stride cell added to the grid index (0 places a
//     prior at the cell's top-left corner, 0.5 at its center).
//
// Returns:
//   - The generator.
func NewGenerator(strides []Stride, offset float32) *Generator {
	return &Generator{
		strides: append([]Stride(nil), strides...),
		offset:  offset,
	}
}

// NumLevels is the number of feature levels the generator is configured for.
func (g *Generator) NumLevels() int {
	return len(g.strides)
}

// GridPriors generates the priors of every feature level.
//
// Arguments:
//   - shapes: Feature map shapes, one per level.
//
// Returns:
//   - One slice of priors per level.
//   - ErrLevelMismatch if len(shapes) differs from the number of strides.
func (g *Generator) GridPriors(shapes []FeatureShape) ([][]Prior, error) {
	if len(shapes) != g.NumLevels() {
		return nil, errors.Wrapf(ErrLevelMismatch, "got %d feature maps, %d strides", len(shapes), g.NumLevels())
	}
	levels := make([][]Prior, len(shapes))
	for i, shape := range shapes {
		level, err := g.SingleLevel(shape, i)
		if err != nil {
			return nil, err
		}
		levels[i] = level
	}
	return levels, nil
}

// SingleLevel generates the priors of one feature level in row-major order:
// index = row*width + column, matching a flattened (H, W) feature map.
//
// Arguments:
//   - shape: The feature map shape.
//   - level: Index of the level, selecting the stride.
//
// Returns:
//   - height*width priors.
func (g *Generator) SingleLevel(shape FeatureShape, level int) ([]Prior, error) {
	if level < 0 || level >= g.NumLevels() {
		return nil, errors.Errorf("level %d out of range for %d strides", level, g.NumLevels())
	}
	if shape.Height < 0 || shape.Width < 0 {
		return nil, errors.Errorf("invalid feature map shape %dx%d", shape.Height, shape.Width)
	}
	stride := g.strides[level]
	out := make([]Prior, 0, shape.Height*shape.Width)
	for row := 0; row < shape.Height; row++ {
		y := (float32(row) + g.offset) * stride.Y
		for col := 0; col < shape.Width; col++ {
			out = append(out, Prior{
				X:       (float32(col) + g.offset) * stride.X,
				Y:       y,
				StrideX: stride.X,
				StrideY: stride.Y,
			})
		}
	}
	return out, nil
}

// Flatten concatenates per-level priors into one slice.
func Flatten(levels [][]Prior) []Prior {
	n := 0
	for _, l := range levels {
		n += len(l)
	}
	out := make([]Prior, 0, n)
	for _, l := range levels {
		out = append(out, l...)
	}
	return out
}

// Dense packs priors into an (n, 2) tensor of (x, y), or an (n, 4) tensor of
// (x, y, stride_x, stride_y) when withStride is set. Returns nil for an empty
// slice.
func Dense(priors []Prior, withStride bool) *tensor.Dense {
	if len(priors) == 0 {
		return nil
	}
	cols := 2
	if withStride {
		cols = 4
	}
	backing := make([]float32, 0, len(priors)*cols)
	for _, p := range priors {
		backing = append(backing, p.X, p.Y)
		if withStride {
			backing = append(backing, p.StrideX, p.StrideY)
		}
	}
	return tensor.New(tensor.WithShape(len(priors), cols), tensor.WithBacking(backing))
}

// FromDense is the inverse of Dense for (n, 4) float32 tensors.
func FromDense(t *tensor.Dense) ([]Prior, error) {
	if t.Dims() != 2 || t.Shape()[1] != 4 {
		return nil, errors.Errorf("expected an (n, 4) tensor, got %v", t.Shape())
	}
	rows, err := native.MatrixF32(t)
	if err != nil {
		return nil, errors.Wrap(err, "can't view priors as float32 matrix")
	}
	out := make([]Prior, len(rows))
	for i, r := range rows {
		out[i] = Prior{X: r[0], Y: r[1], StrideX: r[2], StrideY: r[3]}
	}
	return out, nil
}
