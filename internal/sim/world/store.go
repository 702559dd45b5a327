package world

import (
	"sort"

	"gridworld.ai/internal/sim/geom"
)

type patchRow struct {
	y       int64
	xs      []int64
	patches []*Patch
}

// Store is a two-level ordered sparse map of patches: rows by y, then
// columns by x. Both levels stay sorted and distinct.
type Store struct {
	rows []patchRow
}

func (s *Store) rowIndex(y int64) (int, bool) {
	i := sort.Search(len(s.rows), func(i int) bool { return s.rows[i].y >= y })
	return i, i < len(s.rows) && s.rows[i].y == y
}

func (r *patchRow) colIndex(x int64) (int, bool) {
	i := sort.Search(len(r.xs), func(i int) bool { return r.xs[i] >= x })
	return i, i < len(r.xs) && r.xs[i] == x
}

// Get returns the patch at patch coordinate p, or nil.
func (s *Store) Get(p geom.Position) *Patch {
	ri, ok := s.rowIndex(p.Y)
	if !ok {
		return nil
	}
	row := &s.rows[ri]
	ci, ok := row.colIndex(p.X)
	if !ok {
		return nil
	}
	return row.patches[ci]
}

// Insert places patch at its coordinate, replacing any patch already there.
func (s *Store) Insert(patch *Patch) {
	p := patch.Pos
	ri, ok := s.rowIndex(p.Y)
	if !ok {
		s.rows = append(s.rows, patchRow{})
		copy(s.rows[ri+1:], s.rows[ri:])
		s.rows[ri] = patchRow{y: p.Y}
	}
	row := &s.rows[ri]
	ci, ok := row.colIndex(p.X)
	if ok {
		row.patches[ci] = patch
		return
	}
	row.xs = append(row.xs, 0)
	copy(row.xs[ci+1:], row.xs[ci:])
	row.xs[ci] = p.X
	row.patches = append(row.patches, nil)
	copy(row.patches[ci+1:], row.patches[ci:])
	row.patches[ci] = patch
}

// Len is the number of patches.
func (s *Store) Len() int {
	n := 0
	for i := range s.rows {
		n += len(s.rows[i].patches)
	}
	return n
}

// RowCount is the number of distinct patch rows.
func (s *Store) RowCount() int { return len(s.rows) }

// Row returns the patches of the i-th row in column order.
func (s *Store) Row(i int) []*Patch { return s.rows[i].patches }

// Each visits patches row by row, ascending y then x.
func (s *Store) Each(fn func(*Patch)) {
	for i := range s.rows {
		for _, p := range s.rows[i].patches {
			fn(p)
		}
	}
}

// Range visits the patches inside the inclusive rectangle of patch
// coordinates, grouped by row. Empty rows are skipped.
func (s *Store) Range(minY, maxY, minX, maxX int64, fn func(y int64, row []*Patch)) {
	ri, _ := s.rowIndex(minY)
	for ; ri < len(s.rows) && s.rows[ri].y <= maxY; ri++ {
		row := &s.rows[ri]
		lo, _ := row.colIndex(minX)
		hi := lo
		for hi < len(row.xs) && row.xs[hi] <= maxX {
			hi++
		}
		if hi > lo {
			fn(row.y, row.patches[lo:hi])
		}
	}
}
