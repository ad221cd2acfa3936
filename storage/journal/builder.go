package journal

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	// Alignment of the builder's backing storage. Finished buffers are
	// handed straight to unbuffered/aligned device writes, so the start
	// address must stay on a page boundary across every reallocation.
	Alignment = 8192

	// Reset shrinks the allocation back toward this cap so one oversized
	// section does not pin memory forever.
	builderSizeCap = 128 * 1024 * 1024

	// Upper bound for AppendString, matching the maximum permitted
	// document size.
	maxStringSize = 16 * 1024 * 1024
)

var StringTooLarge = errors.New("string exceeds maximum document size")

// Record is a fixed-size format record with a stable little-endian encoding.
type Record interface {
	EncodedSize() int
	EncodeInto(b []byte)
}

// AlignedBuilder is an append-only growable byte buffer whose backing storage
// always starts on a page boundary. An instance is exclusively owned by the
// goroutine assembling a section; it is not safe for concurrent use.
type AlignedBuilder struct {
	raw []byte // allocation the aligned window is carved from
	buf []byte // aligned, len == capacity
	n   int    // bytes in use

	// growth returns the new capacity for a buffer of capacity cur that
	// must hold at least need bytes.
	growth func(cur, need int) int
}

// NewAlignedBuilder allocates a builder with at least initSize bytes of
// page-aligned capacity. Callers on a latency-sensitive path should pre-size
// to avoid grow-and-copy during assembly.
func NewAlignedBuilder(initSize int) *AlignedBuilder {
	b := &AlignedBuilder{growth: doubleUntil}
	b.raw, b.buf = allocAligned(roundUpToAlignment(initSize))
	return b
}

func doubleUntil(cur, need int) int {
	if cur == 0 {
		cur = Alignment
	}
	for cur < need {
		cur *= 2
	}
	return cur
}

// Len returns the in-use length.
func (b *AlignedBuilder) Len() int { return b.n }

// Bytes returns a read view of the in-use bytes. The view is invalidated by
// any later append, reserve or reset, since growth may relocate the backing
// storage.
func (b *AlignedBuilder) Bytes() []byte { return b.buf[:b.n] }

// Reset rewinds the in-use length to zero, keeping the allocation for reuse
// unless it grew past the size cap.
func (b *AlignedBuilder) Reset() {
	b.n = 0
	if len(b.buf) > builderSizeCap {
		b.raw, b.buf = allocAligned(builderSizeCap)
	}
}

// Reserve grows the buffer by n bytes without writing content and returns the
// offset of the reserved region. Offsets stay valid across growth; pointers
// would not.
func (b *AlignedBuilder) Reserve(n int) int {
	return b.advance(n)
}

// At returns a mutable view of the buffer starting at a previously reserved
// offset, valid only until the next growth.
func (b *AlignedBuilder) At(ofs int) []byte {
	return b.buf[ofs:b.n]
}

func (b *AlignedBuilder) AppendByte(v byte) {
	ofs := b.advance(1)
	b.buf[ofs] = v
}

func (b *AlignedBuilder) AppendUint16(v uint16) {
	ofs := b.advance(2)
	binary.LittleEndian.PutUint16(b.buf[ofs:], v)
}

func (b *AlignedBuilder) AppendUint32(v uint32) {
	ofs := b.advance(4)
	binary.LittleEndian.PutUint32(b.buf[ofs:], v)
}

func (b *AlignedBuilder) AppendUint64(v uint64) {
	ofs := b.advance(8)
	binary.LittleEndian.PutUint64(b.buf[ofs:], v)
}

func (b *AlignedBuilder) AppendBytes(src []byte) {
	ofs := b.advance(len(src))
	copy(b.buf[ofs:], src)
}

// AppendRecord appends the fixed-size encoded form of a format record.
func (b *AlignedBuilder) AppendRecord(r Record) {
	ofs := b.advance(r.EncodedSize())
	r.EncodeInto(b.buf[ofs:])
}

// AppendString appends the string bytes plus an optional NUL terminator.
func (b *AlignedBuilder) AppendString(s string, terminate bool) error {
	n := len(s)
	if terminate {
		n++
	}
	if n >= maxStringSize {
		return errors.Wrapf(StringTooLarge, "%d bytes", n)
	}

	ofs := b.advance(n)
	copy(b.buf[ofs:], s)
	if terminate {
		b.buf[ofs+n-1] = 0
	}
	return nil
}

// advance grows the in-use length by n and returns the pre-grow offset,
// reallocating when capacity is exceeded.
func (b *AlignedBuilder) advance(n int) int {
	old := b.n
	b.n += n
	if b.n > len(b.buf) {
		b.reallocate()
	}
	return old
}

func (b *AlignedBuilder) reallocate() {
	raw, buf := allocAligned(b.growth(len(b.buf), b.n))
	copy(buf, b.buf)
	b.raw, b.buf = raw, buf
}

func roundUpToAlignment(n int) int {
	if n < Alignment {
		return Alignment
	}
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// allocAligned carves an Alignment-aligned window of exactly size bytes out
// of an over-allocated block. The block is retained so the window stays live.
func allocAligned(size int) (raw, aligned []byte) {
	raw = make([]byte, size+Alignment)
	ofs := int(-uintptr(unsafe.Pointer(&raw[0])) & (Alignment - 1))
	aligned = raw[ofs : ofs+size : ofs+size]
	return raw, aligned
}
