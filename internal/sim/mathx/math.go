package mathx

import "math"

// FloorDiv rounds toward negative infinity. b > 0.
func FloorDiv(a, b int64) int64 {
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

// Mod is always in [0, b). b > 0.
func Mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func Abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// Mix32 is the 32-bit murmur finalizer variant used by the hashed energy kernels.
func Mix32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x45d9f3b
	x ^= x >> 16
	x *= 0x45d9f3b
	x ^= x >> 16
	return x
}

// UnitHash maps v to [0, 1] through Mix32.
func UnitHash(v uint32) float64 {
	return float64(Mix32(v)) / float64(math.MaxUint32)
}

// NormalizeExp turns log-weights into probabilities in place.
func NormalizeExp(logp []float64) {
	max := math.Inf(-1)
	for _, v := range logp {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for i, v := range logp {
		logp[i] = math.Exp(v - max)
		sum += logp[i]
	}
	for i := range logp {
		logp[i] /= sum
	}
}

// SampleCategorical picks an index of p given u uniform in [0, 1).
func SampleCategorical(p []float64, u float64) int {
	acc := 0.0
	for i, v := range p {
		acc += v
		if u < acc {
			return i
		}
	}
	return len(p) - 1
}
