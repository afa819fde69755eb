package valkey

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"plclink/catalog"
	"plclink/codec"
	"plclink/config"
)

func TestVariableMessage_Structure(t *testing.T) {
	msg := VariableMessage{
		Module:    "2_1_Press",
		Code:      "Temp",
		Value:     3.5,
		DataType:  "float",
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	for _, field := range []string{"module", "code", "value", "dataType", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing field %s", field)
		}
	}
}

func TestKeyFormat(t *testing.T) {
	p := NewPublisher(config.ValkeyConfig{KeyPrefix: "plclink"})

	m := catalog.ModuleKey{BlockID: 2, Index: 1, Category: "Press"}
	if got := p.key(m, "Temp"); got != "plclink:2_1_Press:Temp" {
		t.Errorf("key = %q", got)
	}
}

func TestPublishChanges_NotRunning(t *testing.T) {
	p := NewPublisher(config.ValkeyConfig{Address: "localhost:6379"})

	err := p.PublishChanges(context.Background(), catalog.ModuleKey{BlockID: 2, Index: 1, Category: "Press"},
		[]codec.Entry{{Code: "Temp", Value: 3.5}})
	if err != nil {
		t.Fatalf("stopped publisher must drop silently, got %v", err)
	}
	if p.IsRunning() {
		t.Error("publisher must report stopped")
	}
}
