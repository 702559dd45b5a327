package world

import (
	"crypto/sha256"
	"encoding/binary"

	"gridworld.ai/internal/sim/geom"
)

// Item is a single object on the grid. CreationTime 0 means it came from the
// generator; DeletionTime 0 means it has not been picked up.
type Item struct {
	Type         uint32        `json:"type"`
	Location     geom.Position `json:"location"`
	CreationTime uint64        `json:"creation_time"`
	DeletionTime uint64        `json:"deletion_time"`
}

func (it Item) Deleted() bool { return it.DeletionTime > 0 }

// Patch is an n×n block of cells. Agents holds the ids of agents standing in
// the patch; the simulator owns the agents themselves.
type Patch struct {
	Pos    geom.Position
	Fixed  bool
	Items  []Item
	Agents []uint64

	dirty bool
	hash  [32]byte
}

// ItemAt returns the index of the undeleted item at pos, or -1.
func (p *Patch) ItemAt(pos geom.Position) int {
	for i := range p.Items {
		if p.Items[i].Location == pos && !p.Items[i].Deleted() {
			return i
		}
	}
	return -1
}

func (p *Patch) AddItem(it Item) {
	p.Items = append(p.Items, it)
	p.dirty = true
}

// RemoveItem drops the item at index i keeping the order of the rest.
func (p *Patch) RemoveItem(i int) {
	p.Items = append(p.Items[:i], p.Items[i+1:]...)
	p.dirty = true
}

// MarkDeleted stamps the item at index i with the pickup time.
func (p *Patch) MarkDeleted(i int, t uint64) {
	p.Items[i].DeletionTime = t
	p.dirty = true
}

// PruneExpired removes items whose fading scent has run out by time now.
func (p *Patch) PruneExpired(now, lifetime uint64) {
	kept := p.Items[:0]
	for _, it := range p.Items {
		if it.DeletionTime > 0 && now >= it.DeletionTime+lifetime {
			p.dirty = true
			continue
		}
		kept = append(kept, it)
	}
	p.Items = kept
}

func (p *Patch) AddAgent(id uint64) {
	p.Agents = append(p.Agents, id)
}

// RemoveAgent reports whether id was present.
func (p *Patch) RemoveAgent(id uint64) bool {
	for i, a := range p.Agents {
		if a == id {
			p.Agents = append(p.Agents[:i], p.Agents[i+1:]...)
			return true
		}
	}
	return false
}

// Digest hashes the item list. Agent references are excluded.
func (p *Patch) Digest() [32]byte {
	if p.dirty || p.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [8]byte
		for _, it := range p.Items {
			binary.LittleEndian.PutUint32(tmp[:4], it.Type)
			h.Write(tmp[:4])
			for _, v := range []uint64{uint64(it.Location.X), uint64(it.Location.Y), it.CreationTime, it.DeletionTime} {
				binary.LittleEndian.PutUint64(tmp[:], v)
				h.Write(tmp[:])
			}
		}
		copy(p.hash[:], h.Sum(nil))
		p.dirty = false
	}
	return p.hash
}
