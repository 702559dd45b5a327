// Package tcp carries the simulator over a framed little-endian binary
// protocol. Every message starts with a u64 protocol.MessageType tag; arrays
// are a u64 length followed by their elements.
package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim/geom"
)

// maxArrayLen caps decoded array lengths so a corrupt length prefix cannot
// force a huge allocation.
const maxArrayLen = 1 << 26

var errArrayTooLong = errors.New("tcp: array length exceeds limit")

// arrayChunk bounds the capacity reserved before any element of an array has
// been read. Longer arrays grow as their bytes arrive.
const arrayChunk = 4096

func sizeHint(n int) int { return min(n, arrayChunk) }

// readArray reads n elements, stopping at the first decode error.
func readArray[T any](d *decoder, n int, elem func() T) []T {
	v := make([]T, 0, sizeHint(n))
	for i := 0; i < n && d.err == nil; i++ {
		v = append(v, elem())
	}
	return v
}

// encoder appends fixed-width values to a buffer. A whole message is built
// before it is written, so concurrent senders never interleave.
type encoder struct {
	buf []byte
}

func newMessage(t protocol.MessageType) *encoder {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.u64(uint64(t))
	return e
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }
func (e *encoder) f32(v float32) {
	e.u32(math.Float32bits(v))
}

func (e *encoder) status(s protocol.Status) { e.u8(uint8(s)) }

func (e *encoder) position(p geom.Position) {
	e.i64(p.X)
	e.i64(p.Y)
}

func (e *encoder) direction(d geom.Direction) { e.u8(uint8(d)) }

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) f32s(v []float32) {
	e.u64(uint64(len(v)))
	for _, x := range v {
		e.f32(x)
	}
}

func (e *encoder) u32s(v []uint32) {
	e.u64(uint64(len(v)))
	for _, x := range v {
		e.u32(x)
	}
}

func (e *encoder) u64s(v []uint64) {
	e.u64(uint64(len(v)))
	for _, x := range v {
		e.u64(x)
	}
}

// decoder reads fixed-width values. The first failure sticks; callers check
// err once after reading a whole message.
type decoder struct {
	r       io.Reader
	err     error
	scratch [8]byte
}

func newDecoder(r io.Reader) *decoder { return &decoder{r: r} }

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return d.scratch[:n]
	}
	if _, err := io.ReadFull(d.r, d.scratch[:n]); err != nil {
		d.err = err
	}
	return d.scratch[:n]
}

func (d *decoder) u8() uint8 { return d.read(1)[0] }

func (d *decoder) boolean() bool { return d.u8() != 0 }

func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.read(8)) }
func (d *decoder) i64() int64  { return int64(d.u64()) }
func (d *decoder) f32() float32 {
	return math.Float32frombits(d.u32())
}

func (d *decoder) messageType() protocol.MessageType { return protocol.MessageType(d.u64()) }

func (d *decoder) status() protocol.Status {
	s := protocol.Status(d.u8())
	if d.err == nil && !s.IsKnown() {
		d.err = fmt.Errorf("tcp: unknown status %d", uint8(s))
	}
	return s
}

func (d *decoder) position() geom.Position {
	x := d.i64()
	y := d.i64()
	return geom.Pos(x, y)
}

func (d *decoder) direction() geom.Direction {
	dir := geom.Direction(d.u8())
	if d.err == nil && !dir.Valid() {
		d.err = fmt.Errorf("tcp: invalid direction %d", uint8(dir))
	}
	return dir
}

func (d *decoder) length() int {
	n := d.u64()
	if d.err != nil {
		return 0
	}
	if n > maxArrayLen {
		d.err = errArrayTooLong
		return 0
	}
	return int(n)
}

func (d *decoder) str() string {
	n := d.length()
	if d.err != nil {
		return ""
	}
	var b strings.Builder
	b.Grow(sizeHint(n))
	if _, err := io.CopyN(&b, d.r, int64(n)); err != nil {
		d.err = err
		return ""
	}
	return b.String()
}

func (d *decoder) f32s() []float32 {
	n := d.length()
	if d.err != nil {
		return nil
	}
	return readArray(d, n, d.f32)
}

func (d *decoder) u32s() []uint32 {
	n := d.length()
	if d.err != nil {
		return nil
	}
	return readArray(d, n, d.u32)
}

func (d *decoder) u64s() []uint64 {
	n := d.length()
	if d.err != nil {
		return nil
	}
	return readArray(d, n, d.u64)
}

// fixedU64s reads n u64 values with no length prefix.
func (d *decoder) fixedU64s(n int) []uint64 {
	return readArray(d, n, d.u64)
}
