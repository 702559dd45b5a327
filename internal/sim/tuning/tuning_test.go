package tuning

import (
	"strings"
	"testing"

	"gridworld.ai/internal/sim"
	"gridworld.ai/internal/sim/energy"
	"gridworld.ai/internal/sim/geom"
)

func TestLoad_TuningYAMLMatchesDefaults(t *testing.T) {
	tun, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	cfg, err := tun.SimConfig()
	if err != nil {
		t.Fatalf("sim config: %v", err)
	}
	def, err := Defaults().SimConfig()
	if err != nil {
		t.Fatalf("default sim config: %v", err)
	}
	if !cfg.SameParameters(def) {
		t.Fatalf("configs/tuning.yaml drifted from Defaults()")
	}
	if len(cfg.ItemTypes) != 4 || cfg.ItemTypes[3].Name != "wall" || !cfg.ItemTypes[3].BlocksMovement {
		t.Fatalf("unexpected item types: %+v", cfg.ItemTypes)
	}
	if cfg.AllowedMovementDirections[geom.Up] != sim.Allowed || cfg.AllowedMovementDirections[geom.Down] != sim.Disallowed {
		t.Fatalf("movement policies: %v", cfg.AllowedMovementDirections)
	}
	if tun.Persistence.Index.Backend != "sqlite" || tun.Persistence.S3.Prefix != "gridworld" {
		t.Fatalf("persistence: %+v", tun.Persistence)
	}
	if !tun.Server.DefaultPermissions.GetMap {
		t.Fatalf("default permissions should grant get_map")
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	tun, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tun.Simulator.PatchSize != 32 || tun.Server.Workers != 8 {
		t.Fatalf("unexpected defaults: %+v", tun)
	}
}

func TestParse_OverlaysDefaults(t *testing.T) {
	tun, err := Parse([]byte(`
seed: 7
simulator:
  collision_policy: RANDOM
  vision_range: 2
persistence:
  index:
    backend: postgres
    dsn: postgres://localhost/grid
  s3:
    prefix: /runs/
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tun.Seed != 7 || tun.Simulator.VisionRange != 2 || tun.Simulator.PatchSize != 32 {
		t.Fatalf("overlay: %+v", tun.Simulator)
	}
	cfg, err := tun.SimConfig()
	if err != nil {
		t.Fatalf("sim config: %v", err)
	}
	if cfg.CollisionPolicy != sim.RandomCollisions {
		t.Fatalf("collision policy = %v", cfg.CollisionPolicy)
	}
	if tun.Persistence.Index.Backend != "postgres" || tun.Persistence.S3.Prefix != "runs" {
		t.Fatalf("normalize: %+v", tun.Persistence)
	}
}

func TestParse_SchemaRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "simulator:\n  patch_sise: 3\n",
		"bad policy":      "simulator:\n  collision_policy: SOMETIMES\n",
		"bad kind":        "simulator:\n  item_types:\n    - name: x\n      intensity: {kind: linear}\n      interactions: []\n",
		"short policies":  "simulator:\n  allowed_rotations: [ALLOWED]\n",
		"zero patch size": "simulator:\n  patch_size: 0\n",
		"negative count":  "simulator:\n  mcmc_iterations: -1\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected schema error", name)
		}
	}
}

func TestParse_ValidateRejects(t *testing.T) {
	cases := map[string]string{
		"divergent diffusion":  "simulator:\n  decay_param: 0.9\n  diffusion_param: 0.2\n",
		"color length":         "simulator:\n  agent_color: [1]\n",
		"postgres without dsn": "persistence:\n  index:\n    backend: postgres\n",
		"s3 without bucket":    "persistence:\n  s3:\n    enabled: true\n",
		"half credentials":     "persistence:\n  s3:\n    access_key_id: abc\n",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if !strings.HasPrefix(err.Error(), "tuning.yaml: ") {
			t.Fatalf("%s: error not wrapped: %v", name, err)
		}
	}
}

func TestSimConfig_BuildsEnergyFunctions(t *testing.T) {
	cfg, err := Defaults().SimConfig()
	if err != nil {
		t.Fatalf("sim config: %v", err)
	}
	wall := cfg.ItemTypes[3]
	if wall.Interactions[3].Kind != energy.InteractionCross || len(wall.Interactions[3].Args) != 6 {
		t.Fatalf("wall self interaction: %+v", wall.Interactions[3])
	}
	if cfg.ItemTypes[0].Intensity.Kind != energy.IntensityConstant {
		t.Fatalf("banana intensity: %+v", cfg.ItemTypes[0].Intensity)
	}

	bad := Defaults()
	bad.Simulator.ItemTypes[0].Interactions[0].Args = []float32{1, 2}
	if _, err := bad.SimConfig(); err == nil {
		t.Fatalf("expected argument count error")
	}
}
