package vector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/podcopic-labs/vecdb/internal/vdberr"
)

// Binary layout (spec §4.A), a compatibility contract:
//
//	id (16) | priority (1) | userId (4) | orgId (4) | tag_count (2) | tags (2*tag_count)
//	| text_len (varint) | text_bytes (UTF-8) | dim (4) | floats (4*dim)

// ToBinary serializes r at full precision.
func (r *Record) ToBinary() []byte {
	textBytes := []byte(r.Text)

	varintBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(varintBuf, uint64(len(textBytes)))

	size := 16 + 1 + 4 + 4 + 2 + 2*len(r.Tags) + n + len(textBytes) + 4 + 4*len(r.Values)
	buf := make([]byte, size)
	off := 0

	copy(buf[off:off+16], r.ID[:])
	off += 16

	buf[off] = byte(r.Priority)
	off++

	binary.LittleEndian.PutUint32(buf[off:], r.UserID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.OrgID)
	off += 4

	binary.LittleEndian.PutUint16(buf[off:], uint16(len(r.Tags)))
	off += 2
	for _, t := range r.Tags {
		binary.LittleEndian.PutUint16(buf[off:], t)
		off += 2
	}

	copy(buf[off:off+n], varintBuf[:n])
	off += n
	copy(buf[off:off+len(textBytes)], textBytes)
	off += len(textBytes)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Values)))
	off += 4
	for _, v := range r.Values {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}

	return buf
}

// FromBinary decodes a record previously produced by ToBinary.
func FromBinary(data []byte) (*Record, error) {
	return readRecord(bufio.NewReader(newByteReader(data)))
}

// FromReader decodes a record from a stream, for use in index loaders
// and defrag copies that stream records rather than holding whole files
// in memory.
func FromReader(r io.Reader) (*Record, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return readRecord(br)
}

func readRecord(br *bufio.Reader) (*Record, error) {
	var id ID
	if _, err := io.ReadFull(br, id[:]); err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromBinary", "truncated id", err)
	}

	hdr := make([]byte, 1+4+4+2)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromBinary", "truncated attributes", err)
	}
	priority := int8(hdr[0])
	userID := binary.LittleEndian.Uint32(hdr[1:5])
	orgID := binary.LittleEndian.Uint32(hdr[5:9])
	tagCount := binary.LittleEndian.Uint16(hdr[9:11])

	tags := make([]uint16, tagCount)
	for i := range tags {
		b := make([]byte, 2)
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromBinary", "truncated tags", err)
		}
		tags[i] = binary.LittleEndian.Uint16(b)
	}

	textLen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromBinary", "truncated text length", err)
	}
	textBytes := make([]byte, textLen)
	if _, err := io.ReadFull(br, textBytes); err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromBinary", "truncated text", err)
	}

	dimBuf := make([]byte, 4)
	if _, err := io.ReadFull(br, dimBuf); err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromBinary", "truncated dim", err)
	}
	dim := binary.LittleEndian.Uint32(dimBuf)

	values := make([]float32, dim)
	floatBuf := make([]byte, 4*dim)
	if _, err := io.ReadFull(br, floatBuf); err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromBinary", "truncated floats", err)
	}
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(floatBuf[i*4:]))
	}

	return &Record{
		ID:       id,
		Values:   values,
		Tags:     tags,
		Priority: priority,
		UserID:   userID,
		OrgID:    orgID,
		Text:     string(textBytes),
	}, nil
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (b *byteReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

// Precision selects the encoding used by ToCompressedBinary.
type Precision int

const (
	// Full preserves exact float32 values; round-trip is exact.
	Full Precision = iota
	// Half encodes each component as IEEE 754 binary16; decoding error <= 1e-3.
	Half
	// Quantized8 linearly range-encodes each component to a byte with a
	// per-vector min/scale; decoding error <= 1e-2 of the vector's value
	// range (max - min).
	Quantized8
)

// ToCompressedBinary serializes r with the given precision. The record
// header (id/attributes/tags/text) is unchanged; only the float payload
// is re-encoded, prefixed with a one-byte precision tag.
func (r *Record) ToCompressedBinary(p Precision) []byte {
	head := r.ToBinary()
	// head ends with dim(4) + floats(4*dim); re-encode the float tail.
	headerLen := len(head) - 4*r.Dim()
	header := head[:headerLen]

	switch p {
	case Full:
		return append([]byte{byte(Full)}, head...)
	case Half:
		buf := make([]byte, len(header)+2*r.Dim())
		copy(buf, header)
		off := len(header)
		for _, v := range r.Values {
			binary.LittleEndian.PutUint16(buf[off:], float32ToHalf(v))
			off += 2
		}
		return append([]byte{byte(Half)}, buf...)
	case Quantized8:
		min, scale := quantizeParams(r.Values)
		buf := make([]byte, len(header)+8+r.Dim())
		copy(buf, header)
		off := len(header)
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(min))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(scale))
		off += 4
		for i, v := range r.Values {
			buf[off+i] = quantizeByte(v, min, scale)
		}
		return append([]byte{byte(Quantized8)}, buf...)
	default:
		panic(fmt.Sprintf("vector: unknown precision %d", p))
	}
}

// FromCompressedBinary decodes a record produced by ToCompressedBinary.
func FromCompressedBinary(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, vdberr.New(vdberr.InvalidFormat, "vector.FromCompressedBinary", "empty buffer")
	}
	p := Precision(data[0])
	body := data[1:]
	if p == Full {
		return FromBinary(body)
	}

	br := bufio.NewReader(newByteReader(body))
	var id ID
	if _, err := io.ReadFull(br, id[:]); err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromCompressedBinary", "truncated id", err)
	}
	hdr := make([]byte, 1+4+4+2)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromCompressedBinary", "truncated attributes", err)
	}
	priority := int8(hdr[0])
	userID := binary.LittleEndian.Uint32(hdr[1:5])
	orgID := binary.LittleEndian.Uint32(hdr[5:9])
	tagCount := binary.LittleEndian.Uint16(hdr[9:11])
	tags := make([]uint16, tagCount)
	for i := range tags {
		b := make([]byte, 2)
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromCompressedBinary", "truncated tags", err)
		}
		tags[i] = binary.LittleEndian.Uint16(b)
	}
	textLen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromCompressedBinary", "truncated text length", err)
	}
	textBytes := make([]byte, textLen)
	if _, err := io.ReadFull(br, textBytes); err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromCompressedBinary", "truncated text", err)
	}
	dimBuf := make([]byte, 4)
	if _, err := io.ReadFull(br, dimBuf); err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromCompressedBinary", "truncated dim", err)
	}
	dim := binary.LittleEndian.Uint32(dimBuf)

	values := make([]float32, dim)
	switch p {
	case Half:
		buf := make([]byte, 2*dim)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromCompressedBinary", "truncated half floats", err)
		}
		for i := range values {
			values[i] = halfToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
		}
	case Quantized8:
		params := make([]byte, 8)
		if _, err := io.ReadFull(br, params); err != nil {
			return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromCompressedBinary", "truncated quant params", err)
		}
		min := math.Float32frombits(binary.LittleEndian.Uint32(params[0:4]))
		scale := math.Float32frombits(binary.LittleEndian.Uint32(params[4:8]))
		buf := make([]byte, dim)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, vdberr.Wrap(vdberr.InvalidFormat, "vector.FromCompressedBinary", "truncated quant bytes", err)
		}
		for i := range values {
			values[i] = dequantizeByte(buf[i], min, scale)
		}
	default:
		return nil, vdberr.New(vdberr.InvalidFormat, "vector.FromCompressedBinary", fmt.Sprintf("unknown precision tag %d", p))
	}

	return &Record{
		ID:       id,
		Values:   values,
		Tags:     tags,
		Priority: priority,
		UserID:   userID,
		OrgID:    orgID,
		Text:     string(textBytes),
	}, nil
}

func float32ToHalf(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xff) - 127 + 15
	mant := bits & 0x7fffff

	if exp <= 0 {
		return sign
	}
	if exp >= 0x1f {
		return sign | 0x7c00
	}
	return sign | uint16(exp<<10) | uint16(mant>>13)
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)

	if exp == 0 {
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal half -> normalize
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= ^uint32(0x400)
	} else if exp == 0x1f {
		return math.Float32frombits(sign | 0x7f800000 | (mant << 13))
	}

	exp = exp - 15 + 127
	return math.Float32frombits(sign | (exp << 23) | (mant << 13))
}

func quantizeParams(values []float32) (min, scale float32) {
	if len(values) == 0 {
		return 0, 1
	}
	max := values[0]
	min = values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	rng := max - min
	if rng == 0 {
		return min, 1
	}
	return min, rng / 255.0
}

func quantizeByte(v, min, scale float32) byte {
	if scale == 0 {
		return 0
	}
	q := (v - min) / scale
	if q < 0 {
		q = 0
	}
	if q > 255 {
		q = 255
	}
	return byte(q + 0.5)
}

func dequantizeByte(b byte, min, scale float32) float32 {
	return min + float32(b)*scale
}
