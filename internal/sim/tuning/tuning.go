package tuning

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim"
	"gridworld.ai/internal/sim/energy"
	"gridworld.ai/internal/sim/geom"
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("tuning.schema.json", schemaJSON)

type Tuning struct {
	Seed        uint64      `yaml:"seed"`
	Simulator   Simulator   `yaml:"simulator"`
	Server      Server      `yaml:"server"`
	Persistence Persistence `yaml:"persistence"`
}

type Simulator struct {
	MaxStepsPerMovement       uint32     `yaml:"max_steps_per_movement"`
	ScentDimension            uint32     `yaml:"scent_dimension"`
	ColorDimension            uint32     `yaml:"color_dimension"`
	VisionRange               uint32     `yaml:"vision_range"`
	AgentFieldOfView          float32    `yaml:"agent_field_of_view"`
	AllowedMovementDirections []string   `yaml:"allowed_movement_directions"`
	AllowedRotations          []string   `yaml:"allowed_rotations"`
	NoOpAllowed               bool       `yaml:"no_op_allowed"`
	PatchSize                 uint32     `yaml:"patch_size"`
	MCMCIterations            uint32     `yaml:"mcmc_iterations"`
	AgentColor                []float32  `yaml:"agent_color"`
	CollisionPolicy           string     `yaml:"collision_policy"`
	DecayParam                float32    `yaml:"decay_param"`
	DiffusionParam            float32    `yaml:"diffusion_param"`
	DeletedItemLifetime       uint32     `yaml:"deleted_item_lifetime"`
	ItemTypes                 []ItemType `yaml:"item_types"`
}

type ItemType struct {
	Name               string     `yaml:"name"`
	Scent              []float32  `yaml:"scent"`
	Color              []float32  `yaml:"color"`
	RequiredItemCounts []uint32   `yaml:"required_item_counts"`
	RequiredItemCosts  []uint32   `yaml:"required_item_costs"`
	BlocksMovement     bool       `yaml:"blocks_movement"`
	VisualOcclusion    float32    `yaml:"visual_occlusion"`
	Intensity          EnergyFn   `yaml:"intensity"`
	Interactions       []EnergyFn `yaml:"interactions"`
}

type EnergyFn struct {
	Kind string    `yaml:"kind"`
	Args []float32 `yaml:"args"`
}

type Server struct {
	Listen             string               `yaml:"listen"`
	HTTPListen         string               `yaml:"http_listen"`
	Workers            int                  `yaml:"workers"`
	ReadTimeoutMs      int                  `yaml:"read_timeout_ms"`
	ObserverBuffer     int                  `yaml:"observer_buffer"`
	ClientOutbox       int                  `yaml:"client_outbox"`
	DefaultPermissions protocol.Permissions `yaml:"default_permissions"`
}

type Persistence struct {
	DataDir            string `yaml:"data_dir"`
	SnapshotEveryTicks int    `yaml:"snapshot_every_ticks"`
	LogSteps           bool   `yaml:"log_steps"`
	Index              Index  `yaml:"index"`
	S3                 S3     `yaml:"s3"`
}

type Index struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// S3 configures the snapshot mirror. Empty credentials fall back to the
// default AWS credential chain.
type S3 struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Load reads a tuning file. An empty path yields the built-in defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	return Parse(raw)
}

// Parse validates raw YAML against the embedded schema and decodes it over
// the defaults.
func Parse(raw []byte) (Tuning, error) {
	t := Defaults()
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if doc != nil {
		if err := validateSchema(doc); err != nil {
			return t, fmt.Errorf("tuning.yaml: %w", err)
		}
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// validateSchema round-trips the YAML tree through JSON so the validator sees
// the same value types encoding/json would produce.
func validateSchema(doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func (t *Tuning) Normalize() {
	t.Server.Listen = strings.TrimSpace(t.Server.Listen)
	t.Server.HTTPListen = strings.TrimSpace(t.Server.HTTPListen)
	if t.Server.Workers <= 0 {
		t.Server.Workers = 8
	}
	if t.Server.ObserverBuffer <= 0 {
		t.Server.ObserverBuffer = 64
	}
	if t.Server.ClientOutbox <= 0 {
		t.Server.ClientOutbox = 256
	}
	t.Persistence.Index.Backend = strings.ToLower(strings.TrimSpace(t.Persistence.Index.Backend))
	if t.Persistence.Index.Backend == "" {
		t.Persistence.Index.Backend = "none"
	}
	t.Persistence.S3.Prefix = strings.Trim(t.Persistence.S3.Prefix, "/")
}

func (t Tuning) Validate() error {
	if _, err := t.SimConfig(); err != nil {
		return err
	}
	switch t.Persistence.Index.Backend {
	case "none", "sqlite":
	case "postgres":
		if t.Persistence.Index.DSN == "" {
			return errors.New("persistence.index: postgres backend needs a dsn")
		}
	default:
		return fmt.Errorf("persistence.index: unknown backend %q", t.Persistence.Index.Backend)
	}
	if s3 := t.Persistence.S3; s3.Enabled && (s3.Bucket == "" || s3.Region == "") {
		return errors.New("persistence.s3: bucket and region are required when enabled")
	}
	if (t.Persistence.S3.AccessKeyID == "") != (t.Persistence.S3.SecretAccessKey == "") {
		return errors.New("persistence.s3: access_key_id and secret_access_key go together")
	}
	return nil
}

// SimConfig converts the simulator section into a validated sim.Config.
func (t Tuning) SimConfig() (sim.Config, error) {
	s := t.Simulator
	cfg := sim.Config{
		MaxStepsPerMovement: s.MaxStepsPerMovement,
		ScentDimension:      s.ScentDimension,
		ColorDimension:      s.ColorDimension,
		VisionRange:         s.VisionRange,
		AgentFieldOfView:    s.AgentFieldOfView,
		NoOpAllowed:         s.NoOpAllowed,
		PatchSize:           s.PatchSize,
		MCMCIterations:      s.MCMCIterations,
		AgentColor:          s.AgentColor,
		DecayParam:          s.DecayParam,
		DiffusionParam:      s.DiffusionParam,
		DeletedItemLifetime: s.DeletedItemLifetime,
	}
	var err error
	if cfg.AllowedMovementDirections, err = policies("allowed_movement_directions", s.AllowedMovementDirections); err != nil {
		return cfg, err
	}
	if cfg.AllowedRotations, err = policies("allowed_rotations", s.AllowedRotations); err != nil {
		return cfg, err
	}
	if cfg.CollisionPolicy, err = sim.ParseCollisionPolicy(s.CollisionPolicy); err != nil {
		return cfg, err
	}
	for i, it := range s.ItemTypes {
		out := sim.ItemType{
			Name:               it.Name,
			Scent:              it.Scent,
			Color:              it.Color,
			RequiredItemCounts: it.RequiredItemCounts,
			RequiredItemCosts:  it.RequiredItemCosts,
			BlocksMovement:     it.BlocksMovement,
			VisualOcclusion:    it.VisualOcclusion,
		}
		kind, err := energy.ParseIntensityKind(it.Intensity.Kind)
		if err != nil {
			return cfg, fmt.Errorf("item_types[%d]: %w", i, err)
		}
		if out.Intensity, err = energy.NewIntensity(kind, it.Intensity.Args); err != nil {
			return cfg, fmt.Errorf("item_types[%d]: %w", i, err)
		}
		for j, fn := range it.Interactions {
			kind, err := energy.ParseInteractionKind(fn.Kind)
			if err != nil {
				return cfg, fmt.Errorf("item_types[%d].interactions[%d]: %w", i, j, err)
			}
			in, err := energy.NewInteraction(kind, fn.Args)
			if err != nil {
				return cfg, fmt.Errorf("item_types[%d].interactions[%d]: %w", i, j, err)
			}
			out.Interactions = append(out.Interactions, in)
		}
		cfg.ItemTypes = append(cfg.ItemTypes, out)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func policies(field string, names []string) ([geom.DirectionCount]sim.ActionPolicy, error) {
	var out [geom.DirectionCount]sim.ActionPolicy
	if len(names) != len(out) {
		return out, fmt.Errorf("%s: want %d entries, got %d", field, len(out), len(names))
	}
	for i, name := range names {
		p, err := sim.ParseActionPolicy(name)
		if err != nil {
			return out, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		out[i] = p
	}
	return out, nil
}

func box(c1, c2, v1, v2 float32) EnergyFn {
	return EnergyFn{Kind: "piecewise_box", Args: []float32{c1, c2, v1, v2}}
}

// Defaults mirrors the stock four-item world: bananas, onions, jellybeans and
// walls that form cross-shaped runs.
func Defaults() Tuning {
	zero := EnergyFn{Kind: "zero"}
	return Tuning{
		Seed: 0,
		Simulator: Simulator{
			MaxStepsPerMovement:       1,
			ScentDimension:            3,
			ColorDimension:            3,
			VisionRange:               5,
			AgentFieldOfView:          2 * math.Pi,
			AllowedMovementDirections: []string{"ALLOWED", "DISALLOWED", "DISALLOWED", "DISALLOWED"},
			AllowedRotations:          []string{"DISALLOWED", "DISALLOWED", "ALLOWED", "ALLOWED"},
			PatchSize:                 32,
			MCMCIterations:            4000,
			AgentColor:                []float32{0, 0, 1},
			CollisionPolicy:           "FIRST_COME_FIRST_SERVED",
			DecayParam:                0.4,
			DiffusionParam:            0.14,
			DeletedItemLifetime:       2000,
			ItemTypes: []ItemType{
				{
					Name: "banana", Scent: []float32{0, 1, 0}, Color: []float32{0, 1, 0},
					RequiredItemCounts: []uint32{1, 0, 0, 0}, RequiredItemCosts: []uint32{0, 0, 0, 0},
					Intensity:    EnergyFn{Kind: "constant", Args: []float32{-5.3}},
					Interactions: []EnergyFn{box(10, 200, 0, -6), box(200, 0, -6, -6), box(10, 200, 2, -100), zero},
				},
				{
					Name: "onion", Scent: []float32{1, 0, 0}, Color: []float32{1, 0, 0},
					RequiredItemCounts: []uint32{0, 1, 0, 0}, RequiredItemCosts: []uint32{0, 0, 0, 0},
					Intensity:    EnergyFn{Kind: "constant", Args: []float32{-5}},
					Interactions: []EnergyFn{box(200, 0, -6, -6), zero, box(200, 0, -100, -100), zero},
				},
				{
					Name: "jellybean", Scent: []float32{0, 0, 1}, Color: []float32{0, 0, 1},
					RequiredItemCounts: []uint32{0, 0, 0, 0}, RequiredItemCosts: []uint32{0, 0, 0, 0},
					Intensity:    EnergyFn{Kind: "constant", Args: []float32{-5.3}},
					Interactions: []EnergyFn{box(10, 200, 2, -100), box(200, 0, -100, -100), box(10, 200, 0, -6), zero},
				},
				{
					Name: "wall", Scent: []float32{0, 0, 0}, Color: []float32{0.5, 0.5, 0.5},
					RequiredItemCounts: []uint32{0, 0, 0, 1}, RequiredItemCosts: []uint32{0, 0, 0, 0},
					BlocksMovement: true,
					Intensity:      EnergyFn{Kind: "constant", Args: []float32{0}},
					Interactions: []EnergyFn{zero, zero, zero,
						{Kind: "cross", Args: []float32{10, 15, 20, -200, -20, 1}}},
				},
			},
		},
		Server: Server{
			Listen:             ":54353",
			HTTPListen:         ":8080",
			Workers:            8,
			ReadTimeoutMs:      0,
			ObserverBuffer:     64,
			ClientOutbox:       256,
			DefaultPermissions: protocol.GrantAll(),
		},
		Persistence: Persistence{
			DataDir:            "data",
			SnapshotEveryTicks: 1000,
			LogSteps:           true,
			Index:              Index{Backend: "sqlite"},
		},
	}
}
