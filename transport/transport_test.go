package transport

import (
	"testing"
	"time"

	"plclink/catalog"
	"plclink/config"
)

func TestWriteBatchSize(t *testing.T) {
	tests := []struct {
		total, want int
	}{
		{1, 50},
		{100, 50},
		{400, 100},
		{2000, 400},
		{10000, 400},
	}
	for _, tc := range tests {
		if got := writeBatchSize(tc.total); got != tc.want {
			t.Errorf("writeBatchSize(%d) = %d, want %d", tc.total, got, tc.want)
		}
	}
}

func TestWriteTimeout(t *testing.T) {
	t.Run("scales with count", func(t *testing.T) {
		got := writeTimeout(2*time.Second, 100)
		if got != 3*time.Second {
			t.Errorf("writeTimeout = %v, want 3s", got)
		}
	})

	t.Run("never below base", func(t *testing.T) {
		got := writeTimeout(5*time.Second, 0)
		if got < 5*time.Second {
			t.Errorf("writeTimeout = %v, want >= 5s", got)
		}
	})

	t.Run("clamped to max", func(t *testing.T) {
		got := writeTimeout(2*time.Second, 1000000)
		if got != maxWriteTimeout {
			t.Errorf("writeTimeout = %v, want %v", got, maxWriteTimeout)
		}
	})

	t.Run("zero base gets default", func(t *testing.T) {
		got := writeTimeout(0, 0)
		if got != 2*time.Second {
			t.Errorf("writeTimeout = %v, want 2s", got)
		}
	})
}

func TestReadTimeout(t *testing.T) {
	t.Run("explicit timeout wins", func(t *testing.T) {
		if got := readTimeout(100, 1500*time.Millisecond); got != 1500*time.Millisecond {
			t.Errorf("readTimeout = %v", got)
		}
	})

	t.Run("default scales per node", func(t *testing.T) {
		if got := readTimeout(4, 0); got != 400*time.Millisecond {
			t.Errorf("readTimeout = %v, want 400ms", got)
		}
	})
}

func TestGroupByDB(t *testing.T) {
	refs := []Ref{
		{DB: 10, Start: 0, Size: 4, DataType: catalog.TypeInt32},
		{DB: 10, Start: 8, Size: 2, DataType: catalog.TypeInt16},
		{DB: 20, Start: 100, DataType: catalog.TypeFloat},
		{DB: 10, Start: 4, Size: 4, DataType: catalog.TypeFloat},
	}

	spans, err := groupByDB(refs)
	if err != nil {
		t.Fatalf("groupByDB failed: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	if spans[0].db != 10 || spans[0].start != 0 || spans[0].end != 10 {
		t.Errorf("DB10 span = %+v", spans[0])
	}
	if len(spans[0].refs) != 3 {
		t.Errorf("DB10 refs = %v", spans[0].refs)
	}

	// Width falls back to the type width when s7_size is unset.
	if spans[1].db != 20 || spans[1].start != 100 || spans[1].end != 104 {
		t.Errorf("DB20 span = %+v", spans[1])
	}
}

func TestGroupByDB_MissingWidth(t *testing.T) {
	refs := []Ref{{DB: 1, Start: 0, DataType: catalog.TypeStructure}}
	if _, err := groupByDB(refs); err == nil {
		t.Error("expected width error for structure ref")
	}
}

func TestVariantValue(t *testing.T) {
	tests := []struct {
		name string
		dt   catalog.DataType
		in   interface{}
		want interface{}
	}{
		{"int32 from int64", catalog.TypeInt32, int64(42), int32(42)},
		{"int16 from float64", catalog.TypeInt16, float64(7), int16(7)},
		{"uint16", catalog.TypeUInt16, int64(65535), uint16(65535)},
		{"float from int64", catalog.TypeFloat, int64(3), float32(3)},
		{"double passthrough", catalog.TypeDouble, 2.5, 2.5},
		{"bool passthrough", catalog.TypeBool, true, true},
		{"string passthrough", catalog.TypeString, "x", "x"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := variantValue(tc.dt, tc.in); got != tc.want {
				t.Errorf("variantValue = %v (%T), want %v (%T)", got, got, tc.want, tc.want)
			}
		})
	}
}

func TestRefOf(t *testing.T) {
	d := &catalog.Descriptor{
		Code: "Temp", NodeID: "ns=3;s=x", DataType: catalog.TypeFloat,
		S7DB: 10, S7Start: 4, S7Bit: 0, S7Size: 4,
	}
	r := RefOf(d)
	if r.NodeID != "ns=3;s=x" || r.DataType != catalog.TypeFloat || r.DB != 10 || r.Start != 4 || r.Size != 4 {
		t.Errorf("RefOf = %+v", r)
	}
}

func TestNewRegistry(t *testing.T) {
	t.Run("opcua default", func(t *testing.T) {
		tr, err := New(config.DeviceConfig{Basic: config.DeviceBasic{Name: "d", URI: "opc.tcp://x"}})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := tr.(*OPCUA); !ok {
			t.Errorf("expected *OPCUA, got %T", tr)
		}
	})

	t.Run("s7", func(t *testing.T) {
		tr, err := New(config.DeviceConfig{Basic: config.DeviceBasic{Name: "d", URI: "10.0.0.5", Family: config.FamilyS7}})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := tr.(*S7); !ok {
			t.Errorf("expected *S7, got %T", tr)
		}
	})

	t.Run("unknown family", func(t *testing.T) {
		if _, err := New(config.DeviceConfig{Basic: config.DeviceBasic{Family: "modbus"}}); err == nil {
			t.Error("expected unknown family error")
		}
	})

	t.Run("s7 subscribe unsupported", func(t *testing.T) {
		s7 := NewS7(config.DeviceConfig{})
		if err := s7.Subscribe(nil, []Ref{{}}, nil); err != ErrNotSupported {
			t.Errorf("expected ErrNotSupported, got %v", err)
		}
	})
}
