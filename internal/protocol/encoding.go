package protocol

import "encoding/binary"

// Encoder accumulates a request/response body using the Kafka primitive
// type encodings named in spec §6: fixed-width ints, nullable strings, and
// compact (varint-length-prefixed) arrays.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) PutInt16(v int16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutUvarint(v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	e.buf = append(e.buf, b[:n]...)
}

// PutNullableString writes -1 for a nil string, else its length then bytes.
func (e *Encoder) PutNullableString(s *string) {
	if s == nil {
		e.PutInt16(-1)
		return
	}
	e.PutInt16(int16(len(*s)))
	e.buf = append(e.buf, *s...)
}

func (e *Encoder) PutString(s string) {
	e.PutInt16(int16(len(s)))
	e.buf = append(e.buf, s...)
}

// PutBytes writes a nullable length-prefixed byte slice (-1 length for nil).
func (e *Encoder) PutBytes(b []byte) {
	if b == nil {
		e.PutInt32(-1)
		return
	}
	e.PutInt32(int32(len(b)))
	e.buf = append(e.buf, b...)
}

// PutCompactArrayLen writes a compact array length: n+1 as an unsigned
// varint, where 0 denotes a null array (spec §6 "compact arrays").
func (e *Encoder) PutCompactArrayLen(n int) {
	e.PutUvarint(uint64(n + 1))
}

// Decoder reads the primitives above off a byte slice in order.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) GetInt16() int16 {
	v := int16(binary.BigEndian.Uint16(d.buf[d.off:]))
	d.off += 2
	return v
}

func (d *Decoder) GetInt32() int32 {
	v := int32(binary.BigEndian.Uint32(d.buf[d.off:]))
	d.off += 4
	return v
}

func (d *Decoder) GetInt64() int64 {
	v := int64(binary.BigEndian.Uint64(d.buf[d.off:]))
	d.off += 8
	return v
}

func (d *Decoder) GetUvarint() uint64 {
	v, n := binary.Uvarint(d.buf[d.off:])
	d.off += n
	return v
}

func (d *Decoder) GetNullableString() *string {
	n := d.GetInt16()
	if n < 0 {
		return nil
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return &s
}

func (d *Decoder) GetString() string {
	n := d.GetInt16()
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s
}

func (d *Decoder) GetBytes() []byte {
	n := d.GetInt32()
	if n < 0 {
		return nil
	}
	b := append([]byte(nil), d.buf[d.off:d.off+int(n)]...)
	d.off += int(n)
	return b
}

func (d *Decoder) GetCompactArrayLen() int {
	v := d.GetUvarint()
	if v == 0 {
		return -1
	}
	return int(v - 1)
}
