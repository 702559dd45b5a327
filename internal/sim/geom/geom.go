// Package geom holds world-cell coordinates and headings.
package geom

import (
	"fmt"

	"gridworld.ai/internal/sim/mathx"
)

// Position is a world cell. y grows upward.
type Position struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

func Pos(x, y int64) Position { return Position{X: x, Y: y} }

func (p Position) Add(q Position) Position { return Position{X: p.X + q.X, Y: p.Y + q.Y} }
func (p Position) Sub(q Position) Position { return Position{X: p.X - q.X, Y: p.Y - q.Y} }
func (p Position) Scale(n int64) Position { return Position{X: p.X * n, Y: p.Y * n} }

func (p Position) Up() Position { return Position{X: p.X, Y: p.Y + 1} }
func (p Position) Down() Position { return Position{X: p.X, Y: p.Y - 1} }
func (p Position) Left() Position { return Position{X: p.X - 1, Y: p.Y} }
func (p Position) Right() Position { return Position{X: p.X + 1, Y: p.Y} }

func (p Position) SquaredLength() int64 { return p.X*p.X + p.Y*p.Y }

// Less orders by row then column, matching the patch map layout.
func (p Position) Less(q Position) bool {
	if p.Y != q.Y {
		return p.Y < q.Y
	}
	return p.X < q.X
}

func (p Position) String() string { return fmt.Sprintf("(%d, %d)", p.X, p.Y) }

// PatchOf splits a world position into its patch coordinate and the offset
// inside that patch, using floored division so negative cells stay consistent.
func PatchOf(p Position, n int64) (patch Position, offset Position) {
	return Position{X: mathx.FloorDiv(p.X, n), Y: mathx.FloorDiv(p.Y, n)},
		Position{X: mathx.Mod(p.X, n), Y: mathx.Mod(p.Y, n)}
}

// Direction is both an absolute heading and a rotation relative to one.
type Direction uint8

const (
	Up Direction = iota
	Down
	Left
	Right
	DirectionCount
)

func (d Direction) Valid() bool { return d < DirectionCount }

func (d Direction) String() string {
	switch d {
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	case Left:
		return "LEFT"
	case Right:
		return "RIGHT"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "UP", "up", "FORWARD", "forward":
		return Up, nil
	case "DOWN", "down", "BACKWARD", "backward":
		return Down, nil
	case "LEFT", "left":
		return Left, nil
	case "RIGHT", "right":
		return Right, nil
	}
	return DirectionCount, fmt.Errorf("unknown direction %q", s)
}

func (d Direction) Reverse() Direction {
	switch d {
	case Up:
		return Down
	case Down:
		return Up
	case Left:
		return Right
	case Right:
		return Left
	}
	return d
}

// Compose applies the relative turn r to heading d.
func (d Direction) Compose(r Direction) Direction {
	switch r {
	case Up:
		return d
	case Down:
		return d.Reverse()
	case Left:
		switch d {
		case Up:
			return Left
		case Down:
			return Right
		case Left:
			return Down
		case Right:
			return Up
		}
	case Right:
		switch d {
		case Up:
			return Right
		case Down:
			return Left
		case Left:
			return Up
		case Right:
			return Down
		}
	}
	return d
}

// Step is the unit displacement for a relative direction when facing UP.
func (d Direction) Step() Position {
	switch d {
	case Up:
		return Position{Y: 1}
	case Down:
		return Position{Y: -1}
	case Left:
		return Position{X: -1}
	case Right:
		return Position{X: 1}
	}
	return Position{}
}

// ToWorld rotates a displacement expressed in the frame of heading d
// (forward = +y) into world coordinates.
func (d Direction) ToWorld(v Position) Position {
	switch d {
	case Down:
		return Position{X: -v.X, Y: -v.Y}
	case Left:
		return Position{X: -v.Y, Y: v.X}
	case Right:
		return Position{X: v.Y, Y: -v.X}
	}
	return v
}

// ToLocal is the inverse of ToWorld: a world displacement seen from heading d.
func (d Direction) ToLocal(v Position) Position {
	switch d {
	case Down:
		return Position{X: -v.X, Y: -v.Y}
	case Left:
		return Position{X: v.Y, Y: -v.X}
	case Right:
		return Position{X: -v.Y, Y: v.X}
	}
	return v
}
