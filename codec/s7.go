package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"plclink/catalog"
)

// TypeWidth returns the S7 byte width of a scalar data type, or 0 when
// the width must come from the catalog's s7_size column.
func TypeWidth(t catalog.DataType) int {
	switch t {
	case catalog.TypeBool, catalog.TypeSByte, catalog.TypeByte:
		return 1
	case catalog.TypeInt16, catalog.TypeUInt16:
		return 2
	case catalog.TypeInt32, catalog.TypeUInt32, catalog.TypeFloat:
		return 4
	case catalog.TypeInt64, catalog.TypeUInt64, catalog.TypeDouble, catalog.TypeDateTime:
		return 8
	default:
		return 0
	}
}

// DecodeS7Value decodes one scalar from its S7 byte field. Multi-byte
// values are big-endian, per S7 convention. For bools, bit selects the
// bit within the first byte of the field.
func DecodeS7Value(t catalog.DataType, bit int, field []byte) (interface{}, error) {
	if need := TypeWidth(t); need > 0 && len(field) < need {
		return nil, fmt.Errorf("s7 field too short: %d bytes for %s", len(field), t)
	}

	switch t {
	case catalog.TypeBool:
		return field[0]>>uint(bit)&1 == 1, nil
	case catalog.TypeSByte:
		return int64(int8(field[0])), nil
	case catalog.TypeByte:
		return int64(field[0]), nil
	case catalog.TypeInt16:
		return int64(int16(binary.BigEndian.Uint16(field))), nil
	case catalog.TypeUInt16:
		return int64(binary.BigEndian.Uint16(field)), nil
	case catalog.TypeInt32:
		return int64(int32(binary.BigEndian.Uint32(field))), nil
	case catalog.TypeUInt32:
		return int64(binary.BigEndian.Uint32(field)), nil
	case catalog.TypeInt64, catalog.TypeDateTime:
		return int64(binary.BigEndian.Uint64(field)), nil
	case catalog.TypeUInt64:
		return binary.BigEndian.Uint64(field), nil
	case catalog.TypeFloat:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(field))), nil
	case catalog.TypeDouble:
		return math.Float64frombits(binary.BigEndian.Uint64(field)), nil
	case catalog.TypeString:
		return decodeS7String(field)
	default:
		return nil, fmt.Errorf("cannot decode s7 type %s", t)
	}
}

// decodeS7String parses the S7 string layout {maxLen, actualLen, chars}.
func decodeS7String(field []byte) (string, error) {
	if len(field) < 2 {
		return "", fmt.Errorf("s7 string field too short: %d bytes", len(field))
	}
	actual := int(field[1])
	if 2+actual > len(field) {
		actual = len(field) - 2
	}
	return string(field[2 : 2+actual]), nil
}

// EncodeS7Value renders a scalar into its S7 byte field. Bools are not
// encoded here: writing a bool requires read-modify-write of the
// containing byte, which is the transport's job.
func EncodeS7Value(t catalog.DataType, v interface{}, size int) ([]byte, error) {
	i, isInt := v.(int64)
	f, isFloat := v.(float64)
	if isFloat {
		i = int64(f)
	}
	if isInt {
		f = float64(i)
	}
	numeric := isInt || isFloat

	mismatch := func() ([]byte, error) {
		return nil, fmt.Errorf("cannot encode %T as s7 %s", v, t)
	}

	switch t {
	case catalog.TypeSByte, catalog.TypeByte:
		if !numeric {
			return mismatch()
		}
		return []byte{byte(i)}, nil
	case catalog.TypeInt16, catalog.TypeUInt16:
		if !numeric {
			return mismatch()
		}
		field := make([]byte, 2)
		binary.BigEndian.PutUint16(field, uint16(i))
		return field, nil
	case catalog.TypeInt32, catalog.TypeUInt32:
		if !numeric {
			return mismatch()
		}
		field := make([]byte, 4)
		binary.BigEndian.PutUint32(field, uint32(i))
		return field, nil
	case catalog.TypeInt64, catalog.TypeUInt64, catalog.TypeDateTime:
		if !numeric {
			return mismatch()
		}
		field := make([]byte, 8)
		binary.BigEndian.PutUint64(field, uint64(i))
		return field, nil
	case catalog.TypeFloat:
		if !numeric {
			return mismatch()
		}
		field := make([]byte, 4)
		binary.BigEndian.PutUint32(field, math.Float32bits(float32(f)))
		return field, nil
	case catalog.TypeDouble:
		if !numeric {
			return mismatch()
		}
		field := make([]byte, 8)
		binary.BigEndian.PutUint64(field, math.Float64bits(f))
		return field, nil
	case catalog.TypeString:
		s, ok := v.(string)
		if !ok {
			return mismatch()
		}
		if size < 2 {
			return nil, fmt.Errorf("s7 string size %d too small", size)
		}
		maxLen := size - 2
		if len(s) > maxLen {
			s = s[:maxLen]
		}
		field := make([]byte, size)
		field[0] = byte(maxLen)
		field[1] = byte(len(s))
		copy(field[2:], s)
		return field, nil
	default:
		return nil, fmt.Errorf("cannot encode s7 type %s", t)
	}
}

// DecodeS7 extracts one leaf value from an S7 data-block image. The
// image starts at blockStart within the DB; the descriptor's s7_start is
// absolute, so the leaf sits at (s7_start - blockStart, s7_bit).
func DecodeS7(desc *catalog.Descriptor, block []byte, blockStart int) (interface{}, error) {
	offset := desc.S7Start - blockStart
	if offset < 0 {
		return nil, fmt.Errorf("%s: s7 offset %d before block start", desc.Code, desc.S7Start)
	}

	need := desc.S7Size
	if need <= 0 {
		need = TypeWidth(desc.DataType)
	}
	if need <= 0 || offset+need > len(block) {
		return nil, fmt.Errorf("%s: s7 field [%d:%d] exceeds block of %d bytes",
			desc.Code, offset, offset+need, len(block))
	}

	v, err := DecodeS7Value(desc.DataType, desc.S7Bit, block[offset:offset+need])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", desc.Code, err)
	}
	return v, nil
}

// DecodeS7Block walks every descriptor of a read block against one DB
// image, feeding decoded leaves through the outbound walk. Decode errors
// are collected; siblings continue.
func DecodeS7Block(cat *catalog.Catalog, descs []*catalog.Descriptor, block []byte, blockStart int, opts Options, res *Result) {
	for _, d := range descs {
		v, err := DecodeS7(d, block, blockStart)
		if err != nil {
			res.addErrorf("%s", err)
			continue
		}
		Walk(cat, d, v, Outbound, opts, res)
	}
}
