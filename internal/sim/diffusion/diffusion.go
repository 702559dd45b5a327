// Package diffusion precomputes the Green's function of a decaying discrete
// diffusion with a constant unit source at the origin. Only one octant is
// stored; queries are folded into it by symmetry.
package diffusion

import (
	"errors"
	"fmt"
	"math"
)

var ErrDivergent = errors.New("diffusion: |lambda| + 4|alpha| must be < 1")

type Cache struct {
	Alpha   float64
	Lambda  float64
	Radius  int
	MaxTime int

	cache [][]float64
}

// New runs the recurrence for t in [0, maxTime) over a disc large enough to
// cover half a patch.
func New(alpha, lambda float64, patchSize, maxTime int) (*Cache, error) {
	if math.Abs(lambda)+4*math.Abs(alpha) >= 1 {
		return nil, fmt.Errorf("%w (alpha=%g lambda=%g)", ErrDivergent, alpha, lambda)
	}
	if maxTime <= 0 {
		return nil, fmt.Errorf("diffusion: max time must be positive, got %d", maxTime)
	}
	radius := max(patchSize/2+1, 1)
	c := &Cache{Alpha: alpha, Lambda: lambda, Radius: radius, MaxTime: maxTime}

	size := radius * (radius + 1) / 2
	c.cache = make([][]float64, maxTime)
	for t := range c.cache {
		c.cache[t] = make([]float64, size)
	}
	c.cache[0][0] = 1
	for t := 1; t < maxTime; t++ {
		prev, cur := c.cache[t-1], c.cache[t]
		for i := range cur {
			cur[i] = lambda * prev[i]
		}
		cur[0] += 1

		// Corner and outer edge see fewer in-disc neighbours. A radius 1
		// disc is the origin alone and has neither.
		if radius > 1 {
			cur[size-1] += 2 * alpha * prev[size-2]
		}
		for y := 0; y+1 < radius; y++ {
			cur[size-radius+y] += alpha * (c.at(t-1, radius-2, y) +
				c.at(t-1, radius-1, y+1) +
				c.at(t-1, radius-1, y-1))
		}
		for x := 0; x+1 < radius; x++ {
			for y := 0; y <= x; y++ {
				cur[x*(x+1)/2+y] += alpha * (c.at(t-1, x+1, y) +
					c.at(t-1, x-1, y) +
					c.at(t-1, x, y+1) +
					c.at(t-1, x, y-1))
			}
		}
	}
	return c, nil
}

func (c *Cache) at(t, x, y int) float64 {
	if x < 0 {
		x = -x
	}
	if y < 0 {
		y = -y
	}
	if y > x {
		x, y = y, x
	}
	return c.cache[t][x*(x+1)/2+y]
}

// Value returns the field at offset (x, y) after t steps. Offsets outside the
// cached disc and times past MaxTime read as zero.
func (c *Cache) Value(t int, x, y int64) float64 {
	if x < 0 {
		x = -x
	}
	if y < 0 {
		y = -y
	}
	if y > x {
		x, y = y, x
	}
	if t < 0 || t >= c.MaxTime || x >= int64(c.Radius) {
		return 0
	}
	return c.cache[t][x*(x+1)/2+y]
}

// InRange reports whether an offset falls inside the cached disc.
func (c *Cache) InRange(dx, dy int64) bool {
	r := int64(c.Radius)
	return dx > -r && dx < r && dy > -r && dy < r
}
