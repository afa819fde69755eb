package mqtt

import (
	"encoding/json"
	"testing"

	"plclink/catalog"
	"plclink/codec"
)

func TestNewDataMessage(t *testing.T) {
	m := catalog.ModuleKey{BlockID: 2, Index: 10, Category: "Press"}
	entries := []codec.Entry{
		{Code: "Temp", Value: 7.123, DataType: "float", ArrLen: 0, Time: 1700000000000},
	}

	msg := NewDataMessage(m, entries)
	if msg.ID == "" {
		t.Error("expected generated ID")
	}
	if msg.Ask {
		t.Error("data messages never ask")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	data := decoded["data"].(map[string]interface{})
	if data["blockId"] != float64(2) || data["category"] != "Press" {
		t.Errorf("data = %v", data)
	}
	list := data["list"].([]interface{})
	entry := list[0].(map[string]interface{})
	if entry["code"] != "Temp" || entry["dataType"] != "float" {
		t.Errorf("entry = %v", entry)
	}
}

func TestCommandParsing(t *testing.T) {
	payload := []byte(`{
		"id": "A",
		"ask": true,
		"data": {
			"blockId": 0, "index": 1, "category": "MC",
			"cmd": "write",
			"list": [{"code": "Basic_Id", "value": 42}]
		}
	}`)

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if cmd.ID != "A" || !cmd.Ask {
		t.Errorf("envelope = %+v", cmd)
	}
	if cmd.Data.Cmd != "write" {
		t.Errorf("cmd = %q", cmd.Data.Cmd)
	}
	if got := cmd.Data.Module().String(); got != "0_1_MC" {
		t.Errorf("module = %q", got)
	}
	if len(cmd.Data.List) != 1 || cmd.Data.List[0].Code != "Basic_Id" {
		t.Errorf("list = %+v", cmd.Data.List)
	}
	if v, ok := cmd.Data.List[0].Value.(float64); !ok || v != 42 {
		t.Errorf("value = %v", cmd.Data.List[0].Value)
	}
}

func TestModulesStatusShape(t *testing.T) {
	m := catalog.ModuleKey{BlockID: 0, Index: 1, Category: "MC"}
	msg := NewModulesStatusMessage(m, []ModuleState{
		{ModuleName: "press1", ConnectionState: true},
		{ModuleName: "press2", ConnectionState: false},
	})

	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatal(err)
	}
	data := decoded["data"].(map[string]interface{})
	if data["commandType"] != "moduleConnectionState" {
		t.Errorf("commandType = %v", data["commandType"])
	}
	content := data["commandContent"].(map[string]interface{})
	list := content["list"].([]interface{})
	if len(list) != 2 {
		t.Fatalf("list = %v", list)
	}
	first := list[0].(map[string]interface{})
	if first["moduleName"] != "press1" || first["connectionState"] != true {
		t.Errorf("first = %v", first)
	}
}

func TestReplyShape(t *testing.T) {
	payload, err := json.Marshal(Reply{Success: true, ID: "A", Message: "OK"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"success":true,"id":"A","message":"OK"}`
	if string(payload) != want {
		t.Errorf("reply = %s, want %s", payload, want)
	}
}

func TestCommandData_DevName(t *testing.T) {
	var cmd Command
	payload := `{"id":"B","data":{"blockId":1,"index":1,"category":"Driver","commandType":"DEV_CONNECT","commandContent":{"devName":"press1"}}}`
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Data.CommandType != "DEV_CONNECT" {
		t.Errorf("commandType = %q", cmd.Data.CommandType)
	}
	if got := cmd.Data.DevName(); got != "press1" {
		t.Errorf("DevName() = %q", got)
	}

	if (CommandData{}).DevName() != "" {
		t.Error("empty content must yield empty devName")
	}
}

func TestReadReplyShape(t *testing.T) {
	m := catalog.ModuleKey{BlockID: 2, Index: 1, Category: "Press"}
	reply := NewReadReply(m, []ReadEntry{{Code: "Temp", Value: 3.5, DataType: "Float"}})

	if reply.ID == "" {
		t.Error("reply must carry a generated id")
	}
	if !reply.Data.Success || reply.Data.Message != "OK" {
		t.Errorf("outcome = %+v", reply.Data)
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatal(err)
	}
	data := decoded["data"].(map[string]interface{})
	if data["category"] != "Press" {
		t.Errorf("category = %v", data["category"])
	}
	list := data["list"].([]interface{})
	first := list[0].(map[string]interface{})
	if first["dataType"] != "Float" {
		t.Errorf("dataType = %v", first["dataType"])
	}
}
