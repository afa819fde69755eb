package mqtt

import (
	"encoding/json"

	"github.com/google/uuid"

	"plclink/catalog"
	"plclink/codec"
)

// Envelope is one inbound MQTT frame queued for the dispatcher.
type Envelope struct {
	Topic   string
	Payload []byte
}

// DataMessage is the outbound data envelope.
type DataMessage struct {
	ID   string     `json:"id"`
	Ask  bool       `json:"ask"`
	Data ModuleData `json:"data"`
}

// ModuleData carries one module's flattened value list.
type ModuleData struct {
	BlockID  int           `json:"blockId"`
	Index    int           `json:"index"`
	Category string        `json:"category"`
	List     []codec.Entry `json:"list"`
}

// NewDataMessage wraps entries for one module in a fresh envelope.
func NewDataMessage(m catalog.ModuleKey, entries []codec.Entry) DataMessage {
	return DataMessage{
		ID:  uuid.New().String(),
		Ask: false,
		Data: ModuleData{
			BlockID:  m.BlockID,
			Index:    m.Index,
			Category: m.Category,
			List:     entries,
		},
	}
}

// Command is the inbound command envelope.
type Command struct {
	ID   string      `json:"id"`
	Ask  bool        `json:"ask"`
	Data CommandData `json:"data"`
}

// CommandData addresses a module and names the verb to run against it.
// Data verbs use Cmd and List; general commands use CommandType and
// CommandContent instead.
type CommandData struct {
	BlockID  int           `json:"blockId"`
	Index    int           `json:"index"`
	Category string        `json:"category"`
	Cmd      string        `json:"cmd,omitempty"`
	List     []CommandItem `json:"list,omitempty"`

	CommandType string `json:"commandType,omitempty"`
	// CommandContent carries {"devName": ...} for connection verbs and
	// the full replacement document for MODIFY_CONFIG.
	CommandContent json.RawMessage `json:"commandContent,omitempty"`
}

// DevName extracts the target device name from the command content.
func (d CommandData) DevName() string {
	var content struct {
		DevName string `json:"devName"`
	}
	if err := json.Unmarshal(d.CommandContent, &content); err != nil {
		return ""
	}
	return content.DevName
}

// Module returns the command's target module key.
func (d CommandData) Module() catalog.ModuleKey {
	return catalog.ModuleKey{BlockID: d.BlockID, Index: d.Index, Category: d.Category}
}

// CommandItem is one code in a command's list, with a value for writes.
type CommandItem struct {
	Code  string      `json:"code"`
	Value interface{} `json:"value,omitempty"`
}

// Reply is the single response published for every command.
type Reply struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ReadEntry is one value in a read-command reply. Unlike data-topic
// entries the type travels as its display name.
type ReadEntry struct {
	Code     string      `json:"code"`
	Value    interface{} `json:"value"`
	DataType string      `json:"dataType"`
	ArrLen   int         `json:"arrLen"`
	Time     int64       `json:"time"`
}

// ReadReply answers read commands on the reply topic with the values
// inline.
type ReadReply struct {
	ID   string        `json:"id"`
	Ask  bool          `json:"ask"`
	Data ReadReplyData `json:"data"`
}

// ReadReplyData carries the module address, the values and the outcome.
type ReadReplyData struct {
	BlockID  int         `json:"blockId"`
	Index    int         `json:"index"`
	Category string      `json:"category"`
	List     []ReadEntry `json:"list"`
	Success  bool        `json:"success"`
	Message  string      `json:"message"`
}

// NewReadReply wraps read results for one module in a fresh envelope.
func NewReadReply(m catalog.ModuleKey, entries []ReadEntry) ReadReply {
	return ReadReply{
		ID: uuid.New().String(),
		Data: ReadReplyData{
			BlockID:  m.BlockID,
			Index:    m.Index,
			Category: m.Category,
			List:     entries,
			Success:  true,
			Message:  "OK",
		},
	}
}

// DriverStatusMessage carries the full driver configuration document as
// the periodic driver status snapshot.
type DriverStatusMessage struct {
	ID   string           `json:"id"`
	Ask  bool             `json:"ask"`
	Data DriverStatusData `json:"data"`
}

// DriverStatusData mirrors the data-envelope shape with the config
// document in place of a value list.
type DriverStatusData struct {
	BlockID  int         `json:"blockId"`
	Index    int         `json:"index"`
	Category string      `json:"category"`
	List     interface{} `json:"list"`
}

// NewDriverStatusMessage wraps the driver config document for the
// status topic.
func NewDriverStatusMessage(m catalog.ModuleKey, doc interface{}) DriverStatusMessage {
	return DriverStatusMessage{
		ID: uuid.New().String(),
		Data: DriverStatusData{
			BlockID:  m.BlockID,
			Index:    m.Index,
			Category: m.Category,
			List:     doc,
		},
	}
}

// ModuleState is one device's connection state in a status broadcast.
type ModuleState struct {
	ModuleName      string `json:"moduleName"`
	ConnectionState bool   `json:"connectionState"`
}

// ModulesStatusMessage is the periodic per-device connection broadcast.
type ModulesStatusMessage struct {
	Data ModulesStatusData `json:"data"`
}

// ModulesStatusData mirrors the upstream command-content shape.
type ModulesStatusData struct {
	CommandType    string               `json:"commandType"`
	CommandContent ModulesStatusContent `json:"commandContent"`
	BlockID        int                  `json:"blockId"`
	Index          int                  `json:"index"`
	Category       string               `json:"category"`
}

// ModulesStatusContent lists the per-device states.
type ModulesStatusContent struct {
	List []ModuleState `json:"list"`
}

// NewModulesStatusMessage builds the connection-state broadcast for the
// driver module identified by m.
func NewModulesStatusMessage(m catalog.ModuleKey, states []ModuleState) ModulesStatusMessage {
	return ModulesStatusMessage{
		Data: ModulesStatusData{
			CommandType:    "moduleConnectionState",
			CommandContent: ModulesStatusContent{List: states},
			BlockID:        m.BlockID,
			Index:          m.Index,
			Category:       m.Category,
		},
	}
}

// BroadcastMessage is published on the broadcast topic for recipe errors.
type BroadcastMessage struct {
	ID   string        `json:"id"`
	Type string        `json:"type"`
	Data BroadcastData `json:"data"`
}

// BroadcastData carries the error context.
type BroadcastData struct {
	Module  string      `json:"module,omitempty"`
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
}

// NewBroadcastMessage builds a typed broadcast with a fresh ID.
func NewBroadcastMessage(kind string, data BroadcastData) BroadcastMessage {
	return BroadcastMessage{
		ID:   uuid.New().String(),
		Type: kind,
		Data: data,
	}
}
