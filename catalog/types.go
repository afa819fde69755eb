// Package catalog holds the per-device variable catalog: one descriptor
// per PLC variable, indexed by the flat "blockId_index_category_code" key.
package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DataType enumerates the wire types a descriptor can carry. The numeric
// values are internal; MQTT payloads and the catalog CSV carry the type
// names.
type DataType int

const (
	TypeUnknown DataType = iota
	TypeBool
	TypeSByte
	TypeByte
	TypeInt16
	TypeUInt16
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeFloat
	TypeDouble
	TypeString
	TypeDateTime
	TypeGUID
	TypeBytes
	TypeStructure
)

var typeNames = map[string]DataType{
	"unknown":   TypeUnknown,
	"null":      TypeUnknown,
	"Null":      TypeUnknown,
	"bool":      TypeBool,
	"sbyte":     TypeSByte,
	"byte":      TypeByte,
	"int16":     TypeInt16,
	"uint16":    TypeUInt16,
	"int32":     TypeInt32,
	"uint32":    TypeUInt32,
	"int64":     TypeInt64,
	"uint64":    TypeUInt64,
	"float":     TypeFloat,
	"double":    TypeDouble,
	"string":    TypeString,
	"datetime":  TypeDateTime,
	"guid":      TypeGUID,
	"bytes":     TypeBytes,
	"structure": TypeStructure,
}

// ParseDataType maps a type name from the catalog CSV to its DataType.
func ParseDataType(s string) DataType {
	if t, ok := typeNames[s]; ok {
		return t
	}
	return TypeUnknown
}

// String returns the canonical lower-case type name.
func (t DataType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeSByte:
		return "sbyte"
	case TypeByte:
		return "byte"
	case TypeInt16:
		return "int16"
	case TypeUInt16:
		return "uint16"
	case TypeInt32:
		return "int32"
	case TypeUInt32:
		return "uint32"
	case TypeInt64:
		return "int64"
	case TypeUInt64:
		return "uint64"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeDateTime:
		return "datetime"
	case TypeGUID:
		return "guid"
	case TypeBytes:
		return "bytes"
	case TypeStructure:
		return "structure"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether the type is an integer or float width.
func (t DataType) IsNumeric() bool {
	return t >= TypeSByte && t <= TypeDouble
}

// IsInteger reports whether the type is an integer width.
func (t DataType) IsInteger() bool {
	return (t >= TypeSByte && t <= TypeUInt64) || t == TypeDateTime
}

// IsFloat reports whether the type is float or double.
func (t DataType) IsFloat() bool {
	return t == TypeFloat || t == TypeDouble
}

// ModuleKey is the logical address of a PLC module.
type ModuleKey struct {
	BlockID  int
	Index    int
	Category string
}

// String renders the key in its wire form, "blockId_index_category".
func (k ModuleKey) String() string {
	return fmt.Sprintf("%d_%d_%s", k.BlockID, k.Index, k.Category)
}

// ParseModuleKey parses the wire form back into a ModuleKey. The category
// may itself contain underscores; only the first two segments are numeric.
func ParseModuleKey(s string) (ModuleKey, error) {
	parts := strings.SplitN(s, "_", 3)
	if len(parts) != 3 {
		return ModuleKey{}, fmt.Errorf("invalid module key %q", s)
	}
	blockID, err := strconv.Atoi(parts[0])
	if err != nil {
		return ModuleKey{}, fmt.Errorf("invalid module key %q: %w", s, err)
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil {
		return ModuleKey{}, fmt.Errorf("invalid module key %q: %w", s, err)
	}
	return ModuleKey{BlockID: blockID, Index: index, Category: parts[2]}, nil
}

// Descriptor is one row of the variable catalog: metadata plus the most
// recently observed value.
type Descriptor struct {
	Code           string
	NodeID         string
	NodeClass      int
	DataType       DataType
	DataTypeString string
	DecimalPoint   int
	ArrayDims      int

	BlockID  int
	Index    int
	Category string

	// Value is the last known value. Mutated by the scan path and the
	// subscription callback; guarded by the owning session's lock.
	Value interface{}

	Subscribe  bool
	ReadEnable bool
	ReadPeriod time.Duration

	TimedClear     bool
	TimedClearTime time.Duration
	// FalseTime is the most recent observation of false on a timed-clear
	// bit. Zero until the block is initialized.
	FalseTime time.Time

	// S7 addressing. Unused for pure OPC UA variables.
	S7DB    int
	S7Start int
	S7Bit   int
	S7Size  int
}

// Module returns the descriptor's owning module key.
func (d *Descriptor) Module() ModuleKey {
	return ModuleKey{BlockID: d.BlockID, Index: d.Index, Category: d.Category}
}

// Key returns the descriptor's flat catalog key.
func (d *Descriptor) Key() string {
	return Key(d.BlockID, d.Index, d.Category, d.Code)
}

// DisplayType names the descriptor's type as it travels on the wire.
// The catalog's display string wins; the canonical name fills in when
// the CSV leaves it blank.
func (d *Descriptor) DisplayType() string {
	if d.DataTypeString != "" {
		return d.DataTypeString
	}
	return d.DataType.String()
}

// Key builds the flat catalog key "blockId_index_category_code".
func Key(blockID, index int, category, code string) string {
	return fmt.Sprintf("%d_%d_%s_%s", blockID, index, category, code)
}
