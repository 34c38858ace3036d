package wire

import (
	"encoding/binary"
	"fmt"
)

// Encoder builds a canonical byte layout: little-endian fixed-width
// integers, varint-length-prefixed variable sequences, fields emitted in
// struct declaration order. There are no padding bytes and no
// self-describing type tags — a reader must already know the shape it
// is decoding, exactly as §6 specifies.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) PutUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// PutVarint writes n as an unsigned LEB128 varint, used as the length
// prefix for every variable-length sequence (byte strings, slices,
// lists of sub-records).
func (e *Encoder) PutVarint(n uint64) {
	var b [binary.MaxVarintLen64]byte
	m := binary.PutUvarint(b[:], n)
	e.buf = append(e.buf, b[:m]...)
}

// PutBytes writes a varint length prefix followed by the raw bytes.
func (e *Encoder) PutBytes(b []byte) {
	e.PutVarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// PutFixed writes raw bytes with no length prefix, for fixed-size
// fields (hashes, public keys) whose length is implied by the type.
func (e *Encoder) PutFixed(b []byte) {
	e.buf = append(e.buf, b...)
}

// Decoder reads the layout Encoder produces, failing closed on any
// truncation or malformed varint rather than panicking.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) require(n int) error {
	if d.Remaining() < n {
		return fmt.Errorf("wire: truncated input: need %d bytes, have %d", n, d.Remaining())
	}
	return nil
}

func (d *Decoder) GetUint8() (uint8, error) {
	if err := d.require(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) GetUint32() (uint32, error) {
	if err := d.require(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) GetUint64() (uint64, error) {
	if err := d.require(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) GetVarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("wire: malformed varint")
	}
	d.pos += n
	return v, nil
}

func (d *Decoder) GetBytes() ([]byte, error) {
	n, err := d.GetVarint()
	if err != nil {
		return nil, err
	}
	if err := d.require(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return out, nil
}

func (d *Decoder) GetFixed(n int) ([]byte, error) {
	if err := d.require(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += n
	return out, nil
}

// Codec is implemented by every canonical wire type.
type Codec interface {
	MarshalCanonical() []byte
	UnmarshalCanonical([]byte) error
}
