package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

var be = binary.BigEndian

// errShortBuffer is the internal marker for payload reads past the end
// of the buffer. It is mapped to ErrMalformed at the decode boundary.
var errShortBuffer = errors.New("short buffer")

// reader is a cursor over a payload buffer. All reads are big-endian.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return be.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return be.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return be.Uint64(b)
}

func (r *reader) int32() int32 {
	return int32(r.uint32())
}

func (r *reader) bool() bool {
	return r.uint8() != 0
}

// shortString reads a string with a uint8 length prefix.
func (r *reader) shortString() string {
	n := int(r.uint8())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// longString reads a string with a uint16 length prefix.
func (r *reader) longString() string {
	n := int(r.uint16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// rest returns all remaining bytes. A copy is made so the decoded packet
// does not alias a transport receive buffer that will be reused.
func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	out := make([]byte, len(r.buf)-r.off)
	copy(out, r.buf[r.off:])
	r.off = len(r.buf)
	return out
}

// remaining reports how many unread bytes are left.
func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

// writer builds a payload buffer. All writes are big-endian.
type writer struct {
	buf []byte
}

func (w *writer) uint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) uint16(v uint16) { w.buf = be.AppendUint16(w.buf, v) }
func (w *writer) uint32(v uint32) { w.buf = be.AppendUint32(w.buf, v) }
func (w *writer) uint64(v uint64) { w.buf = be.AppendUint64(w.buf, v) }
func (w *writer) int32(v int32)   { w.buf = be.AppendUint32(w.buf, uint32(v)) }

func (w *writer) bool(v bool) {
	if v {
		w.uint8(1)
	} else {
		w.uint8(0)
	}
}

// shortString writes a string with a uint8 length prefix, truncating at 255 bytes.
func (w *writer) shortString(s string) {
	if len(s) > math.MaxUint8 {
		s = s[:math.MaxUint8]
	}
	w.uint8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

// longString writes a string with a uint16 length prefix, truncating at 65535 bytes.
func (w *writer) longString(s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	w.uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes(b []byte) {
	w.buf = append(w.buf, b...)
}
