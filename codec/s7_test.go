package codec

import (
	"encoding/binary"
	"math"
	"testing"

	"plclink/catalog"
)

func s7Desc(code string, dt catalog.DataType, start, bit, size int) *catalog.Descriptor {
	return &catalog.Descriptor{
		BlockID: 1, Index: 1, Category: "MC",
		Code: code, DataType: dt,
		S7DB: 10, S7Start: start, S7Bit: bit, S7Size: size,
	}
}

func TestDecodeS7(t *testing.T) {
	// DB image starting at byte 100.
	block := make([]byte, 64)
	block[0] = 0b00000100                                            // bools at byte 100
	binary.BigEndian.PutUint16(block[2:], 0xFFFE)                    // int16 -2 at 102
	binary.BigEndian.PutUint32(block[4:], 1234567)                   // int32 at 104
	binary.BigEndian.PutUint32(block[8:], math.Float32bits(2.5))     // float at 108
	binary.BigEndian.PutUint64(block[12:], math.Float64bits(-0.125)) // double at 112
	// S7 string {maxLen, actualLen, chars} at 120
	block[20] = 10
	block[21] = 5
	copy(block[22:], "mold1")

	tests := []struct {
		name string
		desc *catalog.Descriptor
		want interface{}
	}{
		{"bool set bit", s7Desc("B1", catalog.TypeBool, 100, 2, 1), true},
		{"bool clear bit", s7Desc("B0", catalog.TypeBool, 100, 0, 1), false},
		{"int16 negative", s7Desc("I", catalog.TypeInt16, 102, 0, 2), int64(-2)},
		{"int32", s7Desc("D", catalog.TypeInt32, 104, 0, 4), int64(1234567)},
		{"float", s7Desc("F", catalog.TypeFloat, 108, 0, 4), float64(2.5)},
		{"double", s7Desc("LF", catalog.TypeDouble, 112, 0, 8), -0.125},
		{"string", s7Desc("S", catalog.TypeString, 120, 0, 12), "mold1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeS7(tc.desc, block, 100)
			if err != nil {
				t.Fatalf("DecodeS7 failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("DecodeS7 = %v (%T), want %v (%T)", got, got, tc.want, tc.want)
			}
		})
	}

	t.Run("out of range", func(t *testing.T) {
		d := s7Desc("X", catalog.TypeInt32, 162, 0, 4)
		if _, err := DecodeS7(d, block, 100); err == nil {
			t.Error("expected range error")
		}
	})

	t.Run("before block start", func(t *testing.T) {
		d := s7Desc("X", catalog.TypeInt16, 90, 0, 2)
		if _, err := DecodeS7(d, block, 100); err == nil {
			t.Error("expected offset error")
		}
	})
}

func TestDecodeS7Block(t *testing.T) {
	cat := catalog.New()
	good := s7Desc("Count", catalog.TypeUInt16, 100, 0, 2)
	bad := s7Desc("Broken", catalog.TypeInt32, 400, 0, 4)
	for _, d := range []*catalog.Descriptor{good, bad} {
		if err := cat.Add(d); err != nil {
			t.Fatal(err)
		}
	}

	block := make([]byte, 8)
	binary.BigEndian.PutUint16(block, 77)

	var res Result
	DecodeS7Block(cat, []*catalog.Descriptor{good, bad}, block, 100, Options{ForceEmit: true}, &res)

	if len(res.Entries) != 1 || res.Entries[0].Value != int64(77) {
		t.Errorf("entries = %+v", res.Entries)
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %v", res.Errors)
	}
}
