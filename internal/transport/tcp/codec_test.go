package tcp

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim"
	"gridworld.ai/internal/sim/energy"
	"gridworld.ai/internal/sim/geom"
	"gridworld.ai/internal/sim/world"
)

func testConfig() sim.Config {
	sparse := energy.Intensity{Kind: energy.IntensityConstant, Args: []float32{-30}}
	zero := energy.Interaction{Kind: energy.InteractionZero}
	return sim.Config{
		MaxStepsPerMovement: 1,
		ScentDimension:      2,
		ColorDimension:      1,
		VisionRange:         1,
		NoOpAllowed:         true,
		PatchSize:           8,
		MCMCIterations:      2,
		AllowedRotations:    [geom.DirectionCount]sim.ActionPolicy{sim.Disallowed, sim.Disallowed, sim.Allowed, sim.Ignored},
		ItemTypes: []sim.ItemType{
			{
				Name:               "food",
				Scent:              []float32{1, 0},
				Color:              []float32{1},
				RequiredItemCounts: []uint32{0, 0},
				RequiredItemCosts:  []uint32{0, 0},
				Intensity:          sparse,
				Interactions:       []energy.Interaction{zero, {Kind: energy.InteractionPiecewiseBox, Args: []float32{4, 9, 1, -1}}},
			},
			{
				Name:               "wall",
				Scent:              []float32{0, 0},
				Color:              []float32{0.5},
				RequiredItemCounts: []uint32{0, 1},
				RequiredItemCosts:  []uint32{0, 0},
				BlocksMovement:     true,
				VisualOcclusion:    0.5,
				Intensity:          sparse,
				Interactions:       []energy.Interaction{zero, zero},
			},
		},
		AgentColor:          []float32{0.25},
		AgentFieldOfView:    2 * math.Pi,
		CollisionPolicy:     sim.FirstComeFirstServed,
		DecayParam:          0.5,
		DiffusionParam:      0.1,
		DeletedItemLifetime: 20,
	}
}

func TestCodec_ConfigRoundTrip(t *testing.T) {
	cfg := testConfig()
	e := &encoder{}
	e.config(cfg)

	d := newDecoder(bytes.NewReader(e.buf))
	got := d.config()
	if d.err != nil {
		t.Fatalf("decode config: %v", d.err)
	}
	if !got.SameParameters(cfg) {
		t.Fatalf("config changed over the wire:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestCodec_ConfigLayout(t *testing.T) {
	cfg := testConfig()
	e := &encoder{}
	e.config(cfg)
	// Four u32 dimensions, then the two policy arrays as single bytes.
	if got := e.buf[16:24]; !bytes.Equal(got, []byte{0, 0, 0, 0, 1, 1, 0, 2}) {
		t.Fatalf("policy bytes = %v", got)
	}
	if e.buf[24] != 1 {
		t.Fatalf("no_op_allowed byte = %d", e.buf[24])
	}
}

func TestCodec_StatesRoundTrip(t *testing.T) {
	st := sim.AgentState{
		Position:           geom.Pos(-3, 7),
		Direction:          geom.Left,
		Scent:              []float32{0.5, 0.25},
		Vision:             []float32{1, 0, 0, 0, 0.25, 0, 0, 0, 1},
		CollectedItems:     []uint32{2, 0},
		Active:             true,
		Acted:              true,
		RequestedPosition:  geom.Pos(-4, 7),
		RequestedDirection: geom.Left,
	}
	rows := [][]sim.PatchState{{
		{
			Position:        geom.Pos(-1, 0),
			Fixed:           true,
			Items:           []world.Item{{Type: 1, Location: geom.Pos(-2, 3), CreationTime: 4}},
			AgentPositions:  []geom.Position{geom.Pos(-3, 7)},
			AgentDirections: []geom.Direction{geom.Left},
			Scent:           []float32{0.5},
		},
		{
			Position:        geom.Pos(0, 0),
			Items:           []world.Item{},
			AgentPositions:  []geom.Position{},
			AgentDirections: []geom.Direction{},
		},
	}}

	e := &encoder{}
	e.agentStates([]uint64{9}, []sim.AgentState{st})
	e.patchRows(rows)

	d := newDecoder(bytes.NewReader(e.buf))
	ids, states := d.agentStates()
	gotRows := d.patchRows()
	if d.err != nil {
		t.Fatalf("decode: %v", d.err)
	}
	if !reflect.DeepEqual(ids, []uint64{9}) || !reflect.DeepEqual(states, []sim.AgentState{st}) {
		t.Fatalf("agent states: %v %+v", ids, states)
	}
	if !reflect.DeepEqual(gotRows, rows) {
		t.Fatalf("patch rows:\n got %+v\nwant %+v", gotRows, rows)
	}
}

func TestCodec_PermissionsWireOrder(t *testing.T) {
	p := protocol.Permissions{AddAgent: true, GetMap: true, GetSemaphores: true}
	e := &encoder{}
	e.permissions(p)
	if !bytes.Equal(e.buf, []byte{1, 0, 0, 0, 1, 0, 0, 0, 1}) {
		t.Fatalf("permission bytes = %v", e.buf)
	}
	d := newDecoder(bytes.NewReader(e.buf))
	if got := d.permissions(); got != p || d.err != nil {
		t.Fatalf("decoded %+v, err %v", got, d.err)
	}
}

func TestCodec_RejectsBadInput(t *testing.T) {
	e := &encoder{}
	e.u64(maxArrayLen + 1)
	d := newDecoder(bytes.NewReader(e.buf))
	if d.f32s(); !errors.Is(d.err, errArrayTooLong) {
		t.Fatalf("expected array limit error, got %v", d.err)
	}

	// A maximal length prefix with no body must not reserve the whole array.
	e = &encoder{}
	e.u64(maxArrayLen)
	d = newDecoder(bytes.NewReader(e.buf))
	if v := d.u64s(); d.err == nil || cap(v) > arrayChunk {
		t.Fatalf("empty body: err %v, reserved %d elements", d.err, cap(v))
	}
	d = newDecoder(bytes.NewReader(e.buf))
	if ids, states := d.agentStates(); d.err == nil || cap(ids) > arrayChunk || cap(states) > arrayChunk {
		t.Fatalf("empty agent states: err %v, reserved %d/%d", d.err, cap(ids), cap(states))
	}
	d = newDecoder(bytes.NewReader(e.buf))
	if d.str(); d.err == nil {
		t.Fatalf("expected short string error")
	}

	d = newDecoder(bytes.NewReader([]byte{7}))
	if d.direction(); d.err == nil {
		t.Fatalf("expected invalid direction error")
	}

	d = newDecoder(bytes.NewReader([]byte{200}))
	if d.status(); d.err == nil {
		t.Fatalf("expected unknown status error")
	}

	e = &encoder{}
	e.agentState(sim.AgentState{Scent: []float32{1}})
	d = newDecoder(bytes.NewReader(e.buf[:len(e.buf)-3]))
	if d.agentState(); d.err == nil {
		t.Fatalf("expected short read error")
	}
}
