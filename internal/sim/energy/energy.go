// Package energy holds the intensity and interaction kernels that define the
// Gibbs field over world items. Each kernel is a kind tag plus an argument
// vector; evaluation switches on the tag.
package energy

import (
	"fmt"
	"math"

	"github.com/ojrac/opensimplex-go"

	"gridworld.ai/internal/sim/geom"
	"gridworld.ai/internal/sim/mathx"
)

type IntensityKind uint64

const (
	IntensityZero IntensityKind = iota
	IntensityConstant
	IntensityRadialHash
	IntensityNoise
)

type InteractionKind uint64

const (
	InteractionZero InteractionKind = iota
	InteractionPiecewiseBox
	InteractionCross
	InteractionCrossHash
)

var intensityNames = map[IntensityKind]string{
	IntensityZero:       "zero",
	IntensityConstant:   "constant",
	IntensityRadialHash: "radial_hash",
	IntensityNoise:      "noise",
}

var interactionNames = map[InteractionKind]string{
	InteractionZero:         "zero",
	InteractionPiecewiseBox: "piecewise_box",
	InteractionCross:        "cross",
	InteractionCrossHash:    "cross_hash",
}

func (k IntensityKind) String() string {
	if s, ok := intensityNames[k]; ok {
		return s
	}
	return fmt.Sprintf("intensity(%d)", uint64(k))
}

func (k InteractionKind) String() string {
	if s, ok := interactionNames[k]; ok {
		return s
	}
	return fmt.Sprintf("interaction(%d)", uint64(k))
}

func ParseIntensityKind(s string) (IntensityKind, error) {
	for k, name := range intensityNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown intensity function %q", s)
}

func ParseInteractionKind(s string) (InteractionKind, error) {
	for k, name := range interactionNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown interaction function %q", s)
}

// Intensity scores the base log-rate of an item type at a cell.
type Intensity struct {
	Kind IntensityKind
	Args []float32

	noise opensimplex.Noise
}

// Interaction scores the log-affinity between an item at a cell and another
// item at a second cell.
type Interaction struct {
	Kind InteractionKind
	Args []float32
}

// NewIntensity checks the argument count for kind.
func NewIntensity(kind IntensityKind, args []float32) (Intensity, error) {
	fn := Intensity{Kind: kind, Args: append([]float32(nil), args...)}
	switch kind {
	case IntensityZero:
		if len(args) != 0 {
			return fn, fmt.Errorf("zero intensity takes no arguments, got %d", len(args))
		}
	case IntensityConstant:
		if len(args) == 0 {
			return fn, fmt.Errorf("constant intensity needs an argument")
		}
	case IntensityRadialHash:
		if len(args) != 4 {
			return fn, fmt.Errorf("radial_hash intensity needs 4 arguments, got %d", len(args))
		}
		if uint32(args[1]) == 0 {
			return fn, fmt.Errorf("radial_hash intensity scale must be positive")
		}
	case IntensityNoise:
		if len(args) != 4 {
			return fn, fmt.Errorf("noise intensity needs 4 arguments, got %d", len(args))
		}
		if args[1] <= 0 {
			return fn, fmt.Errorf("noise intensity scale must be positive")
		}
		fn.noise = opensimplex.New(int64(args[0]))
	default:
		return fn, fmt.Errorf("unknown intensity kind %d", uint64(kind))
	}
	return fn, nil
}

// NewInteraction checks the argument count for kind.
func NewInteraction(kind InteractionKind, args []float32) (Interaction, error) {
	fn := Interaction{Kind: kind, Args: append([]float32(nil), args...)}
	want := -1
	switch kind {
	case InteractionZero:
		want = 0
	case InteractionPiecewiseBox:
		want = 4
	case InteractionCross:
		want = 6
	case InteractionCrossHash:
		want = 8
		if len(args) == 8 && uint32(args[0]) == 0 {
			return fn, fmt.Errorf("cross_hash interaction scale must be positive")
		}
	default:
		return fn, fmt.Errorf("unknown interaction kind %d", uint64(kind))
	}
	if len(args) != want {
		return fn, fmt.Errorf("%s interaction needs %d arguments, got %d", kind, want, len(args))
	}
	return fn, nil
}

// Eval returns the intensity at pos.
func (f Intensity) Eval(pos geom.Position) float32 {
	switch f.Kind {
	case IntensityConstant:
		return f.Args[0]
	case IntensityRadialHash:
		return radialHash(pos, f.Args)
	case IntensityNoise:
		noise := f.noise
		if noise == nil {
			noise = opensimplex.New(int64(f.Args[0]))
		}
		scale := float64(f.Args[1])
		v := noise.Eval2(float64(pos.X)/scale, float64(pos.Y)/scale)
		return f.Args[3] + f.Args[2]*float32(v)
	}
	return 0
}

// Stationary reports whether Eval ignores position.
func (f Intensity) Stationary() bool {
	return f.Kind == IntensityZero || f.Kind == IntensityConstant
}

// Eval returns the interaction between an item at cell and one at other.
func (f Interaction) Eval(cell, other geom.Position) float32 {
	switch f.Kind {
	case InteractionPiecewiseBox:
		sq := float32(cell.Sub(other).SquaredLength())
		if sq < f.Args[0] {
			return f.Args[2]
		} else if sq < f.Args[1] {
			return f.Args[3]
		}
		return 0
	case InteractionCross:
		return cross(cell.Sub(other), f.Args[0], f.Args[1], f.Args[2:6])
	case InteractionCrossHash:
		scale := uint32(f.Args[0])
		ux := uint32(cell.X)
		x := hashUnit(ux, 0, scale)
		xNext := hashUnit(ux+scale, 0, scale)
		tx := float32(ux%scale) / float32(scale)
		d := f.Args[2]*(x*(1-tx)+xNext*tx) + f.Args[1]
		return cross(cell.Sub(other), d, d+f.Args[3], f.Args[4:8])
	}
	return 0
}

// Stationary reports whether Eval depends only on the offset between cells.
func (f Interaction) Stationary() bool {
	return f.Kind != InteractionCrossHash
}

func cross(diff geom.Position, near, far float32, v []float32) float32 {
	dist := float32(max(mathx.Abs64(diff.X), mathx.Abs64(diff.Y)))
	axis := diff.X == 0 || diff.Y == 0
	switch {
	case dist <= near:
		if axis {
			return v[0]
		}
		return v[2]
	case dist <= far:
		if axis {
			return v[1]
		}
		return v[3]
	}
	return 0
}

func hashUnit(x, shift, scale uint32) float32 {
	return float32(mathx.UnitHash((x + shift) / scale))
}

func radialHash(pos geom.Position, args []float32) float32 {
	shift := uint32(args[0])
	scale := uint32(args[1])
	s := uint32(math.Sqrt(float64(pos.SquaredLength()))) + shift
	x := hashUnit(s, shift, scale)
	xNext := hashUnit(s+scale, shift, scale)
	tx := float32(s%scale) / float32(scale)
	return args[2] - (x*(1-tx)+xNext*tx)*args[3]
}
