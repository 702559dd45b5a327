package tcp

import (
	"fmt"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim"
	"gridworld.ai/internal/sim/energy"
	"gridworld.ai/internal/sim/geom"
	"gridworld.ai/internal/sim/world"
)

func (e *encoder) config(c sim.Config) {
	e.u32(c.MaxStepsPerMovement)
	e.u32(c.ScentDimension)
	e.u32(c.ColorDimension)
	e.u32(c.VisionRange)
	for _, p := range c.AllowedMovementDirections {
		e.u8(uint8(p))
	}
	for _, p := range c.AllowedRotations {
		e.u8(uint8(p))
	}
	e.boolean(c.NoOpAllowed)
	e.u32(c.PatchSize)
	e.u32(c.MCMCIterations)
	e.u64(uint64(len(c.ItemTypes)))
	for _, it := range c.ItemTypes {
		e.itemType(it)
	}
	e.f32s(c.AgentColor)
	e.f32(c.AgentFieldOfView)
	e.u8(uint8(c.CollisionPolicy))
	e.f32(c.DecayParam)
	e.f32(c.DiffusionParam)
	e.u32(c.DeletedItemLifetime)
}

func (e *encoder) itemType(it sim.ItemType) {
	e.str(it.Name)
	e.f32s(it.Scent)
	e.f32s(it.Color)
	e.u32s(it.RequiredItemCounts)
	e.u32s(it.RequiredItemCosts)
	e.boolean(it.BlocksMovement)
	e.f32(it.VisualOcclusion)
	e.u64(uint64(it.Intensity.Kind))
	e.f32s(it.Intensity.Args)
	e.u64(uint64(len(it.Interactions)))
	for _, fn := range it.Interactions {
		e.u64(uint64(fn.Kind))
		e.f32s(fn.Args)
	}
}

func (d *decoder) config() sim.Config {
	var c sim.Config
	c.MaxStepsPerMovement = d.u32()
	c.ScentDimension = d.u32()
	c.ColorDimension = d.u32()
	c.VisionRange = d.u32()
	for i := range c.AllowedMovementDirections {
		c.AllowedMovementDirections[i] = sim.ActionPolicy(d.u8())
	}
	for i := range c.AllowedRotations {
		c.AllowedRotations[i] = sim.ActionPolicy(d.u8())
	}
	c.NoOpAllowed = d.boolean()
	c.PatchSize = d.u32()
	c.MCMCIterations = d.u32()
	n := d.length()
	for i := 0; i < n && d.err == nil; i++ {
		c.ItemTypes = append(c.ItemTypes, d.itemType())
	}
	c.AgentColor = d.f32s()
	c.AgentFieldOfView = d.f32()
	c.CollisionPolicy = sim.CollisionPolicy(d.u8())
	c.DecayParam = d.f32()
	c.DiffusionParam = d.f32()
	c.DeletedItemLifetime = d.u32()
	if d.err == nil {
		if err := c.Validate(); err != nil {
			d.err = fmt.Errorf("tcp: received config: %w", err)
		}
	}
	return c
}

func (d *decoder) itemType() sim.ItemType {
	var it sim.ItemType
	it.Name = d.str()
	it.Scent = d.f32s()
	it.Color = d.f32s()
	it.RequiredItemCounts = d.u32s()
	it.RequiredItemCosts = d.u32s()
	it.BlocksMovement = d.boolean()
	it.VisualOcclusion = d.f32()
	kind := energy.IntensityKind(d.u64())
	args := d.f32s()
	if d.err != nil {
		return it
	}
	var err error
	if it.Intensity, err = energy.NewIntensity(kind, args); err != nil {
		d.err = err
		return it
	}
	n := d.length()
	for i := 0; i < n && d.err == nil; i++ {
		kind := energy.InteractionKind(d.u64())
		args := d.f32s()
		if d.err != nil {
			break
		}
		fn, err := energy.NewInteraction(kind, args)
		if err != nil {
			d.err = err
			break
		}
		it.Interactions = append(it.Interactions, fn)
	}
	return it
}

func (e *encoder) agentState(st sim.AgentState) {
	e.position(st.Position)
	e.direction(st.Direction)
	e.f32s(st.Scent)
	e.f32s(st.Vision)
	e.boolean(st.Acted)
	e.boolean(st.Active)
	e.position(st.RequestedPosition)
	e.direction(st.RequestedDirection)
	e.u32s(st.CollectedItems)
}

func (d *decoder) agentState() sim.AgentState {
	var st sim.AgentState
	st.Position = d.position()
	st.Direction = d.direction()
	st.Scent = d.f32s()
	st.Vision = d.f32s()
	st.Acted = d.boolean()
	st.Active = d.boolean()
	st.RequestedPosition = d.position()
	st.RequestedDirection = d.direction()
	st.CollectedItems = d.u32s()
	return st
}

// agentStates writes a count, the ids, then one state per id.
func (e *encoder) agentStates(ids []uint64, states []sim.AgentState) {
	e.u64(uint64(len(ids)))
	for _, id := range ids {
		e.u64(id)
	}
	for _, st := range states {
		e.agentState(st)
	}
}

func (d *decoder) agentStates() ([]uint64, []sim.AgentState) {
	n := d.length()
	if d.err != nil {
		return nil, nil
	}
	ids := d.fixedU64s(n)
	states := make([]sim.AgentState, 0, sizeHint(n))
	for i := 0; i < n && d.err == nil; i++ {
		states = append(states, d.agentState())
	}
	return ids, states
}

func (e *encoder) item(it world.Item) {
	e.u32(it.Type)
	e.position(it.Location)
	e.u64(it.CreationTime)
	e.u64(it.DeletionTime)
}

func (d *decoder) item() world.Item {
	var it world.Item
	it.Type = d.u32()
	it.Location = d.position()
	it.CreationTime = d.u64()
	it.DeletionTime = d.u64()
	return it
}

func (e *encoder) patchState(p sim.PatchState) {
	e.position(p.Position)
	e.boolean(p.Fixed)
	e.u64(uint64(len(p.Items)))
	for _, it := range p.Items {
		e.item(it)
	}
	e.u64(uint64(len(p.AgentPositions)))
	for _, pos := range p.AgentPositions {
		e.position(pos)
	}
	e.u64(uint64(len(p.AgentDirections)))
	for _, dir := range p.AgentDirections {
		e.direction(dir)
	}
	e.f32s(p.Scent)
	e.f32s(p.Vision)
}

func (d *decoder) patchState() sim.PatchState {
	var p sim.PatchState
	p.Position = d.position()
	p.Fixed = d.boolean()
	n := d.length()
	p.Items = make([]world.Item, 0, sizeHint(n))
	for i := 0; i < n && d.err == nil; i++ {
		p.Items = append(p.Items, d.item())
	}
	n = d.length()
	p.AgentPositions = make([]geom.Position, 0, sizeHint(n))
	for i := 0; i < n && d.err == nil; i++ {
		p.AgentPositions = append(p.AgentPositions, d.position())
	}
	n = d.length()
	p.AgentDirections = make([]geom.Direction, 0, sizeHint(n))
	for i := 0; i < n && d.err == nil; i++ {
		p.AgentDirections = append(p.AgentDirections, d.direction())
	}
	if v := d.f32s(); len(v) > 0 {
		p.Scent = v
	}
	if v := d.f32s(); len(v) > 0 {
		p.Vision = v
	}
	return p
}

func (e *encoder) patchRows(rows [][]sim.PatchState) {
	e.u64(uint64(len(rows)))
	for _, row := range rows {
		e.u64(uint64(len(row)))
		for _, p := range row {
			e.patchState(p)
		}
	}
}

func (d *decoder) patchRows() [][]sim.PatchState {
	n := d.length()
	rows := make([][]sim.PatchState, 0, sizeHint(n))
	for i := 0; i < n && d.err == nil; i++ {
		m := d.length()
		row := make([]sim.PatchState, 0, sizeHint(m))
		for j := 0; j < m && d.err == nil; j++ {
			row = append(row, d.patchState())
		}
		rows = append(rows, row)
	}
	return rows
}

func (e *encoder) permissions(p protocol.Permissions) {
	for _, b := range p.Bits() {
		e.boolean(b)
	}
}

func (d *decoder) permissions() protocol.Permissions {
	var b [9]bool
	for i := range b {
		b[i] = d.boolean()
	}
	return protocol.PermissionsFromBits(b)
}
