package catalog

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeCatalogBytes normalizes the catalog file to UTF-8. The browser
// tool emits UTF-8 with or without BOM; catalogs exported on Chinese
// Windows hosts arrive as GBK.
func decodeCatalogBytes(raw []byte) ([]byte, error) {
	if bytes.HasPrefix(raw, utf8BOM) {
		return raw[len(utf8BOM):], nil
	}
	if utf8.Valid(raw) {
		return raw, nil
	}
	out, _, err := transform.Bytes(simplifiedchinese.GBK.NewDecoder(), raw)
	if err != nil {
		return nil, fmt.Errorf("decode gbk: %w", err)
	}
	return out, nil
}

// LoadCSV reads a variable catalog CSV into a new Catalog.
func LoadCSV(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	decoded, err := decodeCatalogBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}

	return parseCSV(bytes.NewReader(decoded))
}

func parseCSV(r io.Reader) (*Catalog, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	// Siemens OPC UA node ids embed bare quotes (ns=3;s="DB"."Id").
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read catalog header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"code", "blockId", "index", "category", "DataType"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("catalog missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	cat := New()
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", line, err)
		}

		code := field(record, "code")
		if code == "" {
			continue
		}

		d := &Descriptor{
			Code:           code,
			NodeID:         field(record, "NodeID"),
			NodeClass:      atoi(field(record, "NodeClass"), 0),
			DataType:       ParseDataType(field(record, "DataType")),
			DataTypeString: field(record, "DataTypeString"),
			DecimalPoint:   atoi(field(record, "DecimalPoint"), 0),
			ArrayDims:      atoi(field(record, "ArrayDimensions"), 0),
			BlockID:        atoi(field(record, "blockId"), 0),
			Index:          atoi(field(record, "index"), 0),
			Category:       field(record, "category"),
			Subscribe:      parseBool(field(record, "opcua_subscribe")),
			ReadEnable:     parseBool(field(record, "read_enable")),
			ReadPeriod:     time.Duration(atoi(field(record, "read_period"), 0)) * time.Millisecond,
			TimedClear:     parseBool(field(record, "timed_clear")),
			TimedClearTime: time.Duration(atoi(field(record, "timed_clear_time"), 0)) * time.Millisecond,
			S7DB:           atoi(field(record, "s7_db"), 0),
			S7Start:        atoi(field(record, "s7_start"), 0),
			S7Bit:          atoi(field(record, "s7_bit"), 0),
			S7Size:         atoi(field(record, "s7_size"), 0),
		}
		d.Value = parseInitialValue(field(record, "value"), d.DataType)

		if err := cat.Add(d); err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", line, err)
		}
	}

	return cat, nil
}

func atoi(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	// Some exports render integers as "1.0".
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return def
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// parseInitialValue converts the CSV value column to the declared type.
// Unparseable values stay nil and are filled in by the first scan.
func parseInitialValue(s string, t DataType) interface{} {
	if s == "" {
		return nil
	}
	switch {
	case t == TypeBool:
		return parseBool(s)
	case t.IsInteger():
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case t.IsFloat():
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case t == TypeString || t == TypeGUID:
		return s
	}
	return nil
}
