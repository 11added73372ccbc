package sim

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PayloadReader decodes little-endian fields from a command payload.
// Each handler receives a fresh reader positioned at offset zero.
type PayloadReader struct {
	data []byte
	off  int
}

func NewPayloadReader(data []byte) *PayloadReader {
	return &PayloadReader{data: data}
}

func (r *PayloadReader) Remaining() int {
	return len(r.data) - r.off
}

func (r *PayloadReader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrPayloadShort, n, r.off, r.Remaining())
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *PayloadReader) Uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *PayloadReader) Bool() (bool, error) {
	v, err := r.Uint8()
	return v != 0, err
}

func (r *PayloadReader) Int32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *PayloadReader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *PayloadReader) Float64() (float64, error) {
	v, err := r.Uint64()
	return math.Float64frombits(v), err
}

// Bytes reads a uint32 length prefix followed by that many bytes.
func (r *PayloadReader) Bytes() ([]byte, error) {
	b, err := r.take(4)
	if err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(b))
	body, err := r.take(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), body...), nil
}

func (r *PayloadReader) Text() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// PayloadWriter builds payloads readable by PayloadReader.
type PayloadWriter struct {
	buf []byte
}

func (w *PayloadWriter) Uint8(v uint8) *PayloadWriter {
	w.buf = append(w.buf, v)
	return w
}

func (w *PayloadWriter) Bool(v bool) *PayloadWriter {
	if v {
		return w.Uint8(1)
	}
	return w.Uint8(0)
}

func (w *PayloadWriter) Int32(v int32) *PayloadWriter {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
	return w
}

func (w *PayloadWriter) Uint64(v uint64) *PayloadWriter {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

func (w *PayloadWriter) Float64(v float64) *PayloadWriter {
	return w.Uint64(math.Float64bits(v))
}

func (w *PayloadWriter) Bytes(v []byte) *PayloadWriter {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(v)))
	w.buf = append(w.buf, v...)
	return w
}

func (w *PayloadWriter) Text(v string) *PayloadWriter {
	return w.Bytes([]byte(v))
}

// Build returns the encoded payload.
func (w *PayloadWriter) Build() []byte {
	return append([]byte(nil), w.buf...)
}
