package sim

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gridworld.ai/internal/sim/diffusion"
	"gridworld.ai/internal/sim/energy"
	"gridworld.ai/internal/sim/geom"
	"gridworld.ai/internal/sim/world"
)

// ErrConfigMismatch is returned when a saved state was produced under a
// different configuration than the one it is restored with.
var ErrConfigMismatch = errors.New("sim: config does not match saved state")

type ActionPolicy uint8

const (
	Allowed ActionPolicy = iota
	Disallowed
	Ignored
)

var actionPolicyNames = [...]string{"ALLOWED", "DISALLOWED", "IGNORED"}

func (p ActionPolicy) String() string {
	if int(p) < len(actionPolicyNames) {
		return actionPolicyNames[p]
	}
	return fmt.Sprintf("ActionPolicy(%d)", uint8(p))
}

func ParseActionPolicy(s string) (ActionPolicy, error) {
	for i, name := range actionPolicyNames {
		if name == s {
			return ActionPolicy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown action policy %q", s)
}

type CollisionPolicy uint8

const (
	NoCollisions CollisionPolicy = iota
	FirstComeFirstServed
	RandomCollisions
)

var collisionPolicyNames = [...]string{"NO_COLLISIONS", "FIRST_COME_FIRST_SERVED", "RANDOM"}

func (p CollisionPolicy) String() string {
	if int(p) < len(collisionPolicyNames) {
		return collisionPolicyNames[p]
	}
	return fmt.Sprintf("CollisionPolicy(%d)", uint8(p))
}

func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	for i, name := range collisionPolicyNames {
		if name == s {
			return CollisionPolicy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown collision policy %q", s)
}

// ItemType is immutable once the simulator is built. Interactions is indexed
// by the other item's type.
type ItemType struct {
	Name               string               `json:"name"`
	Scent              []float32            `json:"scent"`
	Color              []float32            `json:"color"`
	RequiredItemCounts []uint32             `json:"required_item_counts"`
	RequiredItemCosts  []uint32             `json:"required_item_costs"`
	BlocksMovement     bool                 `json:"blocks_movement"`
	VisualOcclusion    float32              `json:"visual_occlusion"`
	Intensity          energy.Intensity     `json:"intensity"`
	Interactions       []energy.Interaction `json:"interactions"`
}

type Config struct {
	MaxStepsPerMovement       uint32                            `json:"max_steps_per_movement"`
	ScentDimension            uint32                            `json:"scent_dimension"`
	ColorDimension            uint32                            `json:"color_dimension"`
	VisionRange               uint32                            `json:"vision_range"`
	AllowedMovementDirections [geom.DirectionCount]ActionPolicy `json:"allowed_movement_directions"`
	AllowedRotations          [geom.DirectionCount]ActionPolicy `json:"allowed_rotations"`
	NoOpAllowed               bool                              `json:"no_op_allowed"`
	PatchSize                 uint32                            `json:"patch_size"`
	MCMCIterations            uint32                            `json:"mcmc_iterations"`
	ItemTypes                 []ItemType                        `json:"item_types"`
	AgentColor                []float32                         `json:"agent_color"`
	AgentFieldOfView          float32                           `json:"agent_field_of_view"`
	CollisionPolicy           CollisionPolicy                   `json:"collision_policy"`
	DecayParam                float32                           `json:"decay_param"`
	DiffusionParam            float32                           `json:"diffusion_param"`
	DeletedItemLifetime       uint32                            `json:"deleted_item_lifetime"`
}

// Validate checks the constraints that tie the vectors of a config together.
func (c Config) Validate() error {
	if c.PatchSize == 0 {
		return errors.New("patch_size must be positive")
	}
	if c.DeletedItemLifetime == 0 {
		return errors.New("deleted_item_lifetime must be positive")
	}
	if uint32(len(c.AgentColor)) != c.ColorDimension {
		return fmt.Errorf("agent_color has %d entries, want color_dimension=%d", len(c.AgentColor), c.ColorDimension)
	}
	if c.AgentFieldOfView <= 0 || math.IsNaN(float64(c.AgentFieldOfView)) {
		return fmt.Errorf("agent_field_of_view must be positive, got %g", c.AgentFieldOfView)
	}
	if int(c.CollisionPolicy) >= len(collisionPolicyNames) {
		return fmt.Errorf("collision_policy: %v", c.CollisionPolicy)
	}
	for d := range geom.DirectionCount {
		if int(c.AllowedMovementDirections[d]) >= len(actionPolicyNames) {
			return fmt.Errorf("allowed_movement_directions[%v]: %v", d, c.AllowedMovementDirections[d])
		}
		if int(c.AllowedRotations[d]) >= len(actionPolicyNames) {
			return fmt.Errorf("allowed_rotations[%v]: %v", d, c.AllowedRotations[d])
		}
	}
	if a, l := float64(c.DiffusionParam), float64(c.DecayParam); math.Abs(l)+4*math.Abs(a) >= 1 {
		return fmt.Errorf("%w (diffusion_param=%g decay_param=%g)", diffusion.ErrDivergent, a, l)
	}
	n := len(c.ItemTypes)
	for i, it := range c.ItemTypes {
		switch {
		case uint32(len(it.Scent)) != c.ScentDimension:
			return fmt.Errorf("item type %d (%s): scent has %d entries, want %d", i, it.Name, len(it.Scent), c.ScentDimension)
		case uint32(len(it.Color)) != c.ColorDimension:
			return fmt.Errorf("item type %d (%s): color has %d entries, want %d", i, it.Name, len(it.Color), c.ColorDimension)
		case len(it.RequiredItemCounts) != n:
			return fmt.Errorf("item type %d (%s): required_item_counts has %d entries, want %d", i, it.Name, len(it.RequiredItemCounts), n)
		case len(it.RequiredItemCosts) != n:
			return fmt.Errorf("item type %d (%s): required_item_costs has %d entries, want %d", i, it.Name, len(it.RequiredItemCosts), n)
		case len(it.Interactions) != n:
			return fmt.Errorf("item type %d (%s): %d interaction functions, want %d", i, it.Name, len(it.Interactions), n)
		case it.VisualOcclusion < 0 || it.VisualOcclusion > 1:
			return fmt.Errorf("item type %d (%s): visual_occlusion %g outside [0, 1]", i, it.Name, it.VisualOcclusion)
		}
	}
	return nil
}

// worldConfig rebuilds the energy functions so decoded configs regain their
// noise sources.
func (c Config) worldConfig() (world.Config, error) {
	wc := world.Config{
		PatchSize:      int(c.PatchSize),
		MCMCIterations: int(c.MCMCIterations),
		Intensities:    make([]energy.Intensity, len(c.ItemTypes)),
		Interactions:   make([][]energy.Interaction, len(c.ItemTypes)),
	}
	for i, it := range c.ItemTypes {
		fn, err := energy.NewIntensity(it.Intensity.Kind, it.Intensity.Args)
		if err != nil {
			return world.Config{}, fmt.Errorf("item type %d (%s) intensity: %w", i, it.Name, err)
		}
		wc.Intensities[i] = fn
		wc.Interactions[i] = make([]energy.Interaction, len(it.Interactions))
		for j, in := range it.Interactions {
			f, err := energy.NewInteraction(in.Kind, in.Args)
			if err != nil {
				return world.Config{}, fmt.Errorf("item type %d (%s) interaction %d: %w", i, it.Name, j, err)
			}
			wc.Interactions[i][j] = f
		}
	}
	return wc, nil
}

// SameParameters reports whether two configs agree on every numeric
// parameter. Item type names and energy arguments are compared too, since a
// restored world must be sampled by the same field.
func (c Config) SameParameters(o Config) bool {
	if c.MaxStepsPerMovement != o.MaxStepsPerMovement ||
		c.ScentDimension != o.ScentDimension ||
		c.ColorDimension != o.ColorDimension ||
		c.VisionRange != o.VisionRange ||
		c.AllowedMovementDirections != o.AllowedMovementDirections ||
		c.AllowedRotations != o.AllowedRotations ||
		c.NoOpAllowed != o.NoOpAllowed ||
		c.PatchSize != o.PatchSize ||
		c.MCMCIterations != o.MCMCIterations ||
		c.AgentFieldOfView != o.AgentFieldOfView ||
		c.CollisionPolicy != o.CollisionPolicy ||
		c.DecayParam != o.DecayParam ||
		c.DiffusionParam != o.DiffusionParam ||
		c.DeletedItemLifetime != o.DeletedItemLifetime ||
		!slices.Equal(c.AgentColor, o.AgentColor) ||
		len(c.ItemTypes) != len(o.ItemTypes) {
		return false
	}
	for i := range c.ItemTypes {
		a, b := &c.ItemTypes[i], &o.ItemTypes[i]
		if a.Name != b.Name ||
			a.BlocksMovement != b.BlocksMovement ||
			a.VisualOcclusion != b.VisualOcclusion ||
			!slices.Equal(a.Scent, b.Scent) ||
			!slices.Equal(a.Color, b.Color) ||
			!slices.Equal(a.RequiredItemCounts, b.RequiredItemCounts) ||
			!slices.Equal(a.RequiredItemCosts, b.RequiredItemCosts) ||
			a.Intensity.Kind != b.Intensity.Kind ||
			!slices.Equal(a.Intensity.Args, b.Intensity.Args) ||
			len(a.Interactions) != len(b.Interactions) {
			return false
		}
		for j := range a.Interactions {
			if a.Interactions[j].Kind != b.Interactions[j].Kind ||
				!slices.Equal(a.Interactions[j].Args, b.Interactions[j].Args) {
				return false
			}
		}
	}
	return true
}

func (c Config) visionSize() int {
	side := int(2*c.VisionRange + 1)
	return side * side * int(c.ColorDimension)
}
