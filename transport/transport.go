// Package transport abstracts OPC UA and S7 PLC connections behind one
// interface consumed by the device session layer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plclink/catalog"
	"plclink/config"
)

// ErrNotSupported is returned for capabilities a transport lacks, such as
// subscriptions on S7.
var ErrNotSupported = errors.New("not supported by this transport")

// Ref addresses one PLC variable. OPC UA transports use NodeID; S7
// transports use the DB/Start/Bit/Size fields.
type Ref struct {
	NodeID   string
	DataType catalog.DataType

	DB    int
	Start int
	Bit   int
	Size  int
}

// RefOf builds a Ref from a catalog descriptor.
func RefOf(d *catalog.Descriptor) Ref {
	return Ref{
		NodeID:   d.NodeID,
		DataType: d.DataType,
		DB:       d.S7DB,
		Start:    d.S7Start,
		Bit:      d.S7Bit,
		Size:     d.S7Size,
	}
}

// Write is one write target: a ref plus the value to store.
type Write struct {
	Ref
	Value interface{}
}

// ChangeFunc receives push notifications from a subscription.
type ChangeFunc func(nodeID string, value interface{})

// Transport is the uniform capability the rest of the core consumes.
// Connect and Disconnect are idempotent. ReadMany is all-or-nothing:
// a partially failing bulk read returns an error, never a partial list.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// Connected reports the underlying client state.
	Connected() bool
	// LinkState combines Connected with the local failure counter; it
	// goes false after repeated read/write failures so the manage loop
	// reconnects.
	LinkState() bool

	ReadMany(ctx context.Context, refs []Ref, timeout time.Duration) ([]interface{}, error)
	WriteMany(ctx context.Context, writes []Write, timeout time.Duration) error

	// Subscribe installs push-based change notification for the given
	// refs. S7 transports return ErrNotSupported.
	Subscribe(ctx context.Context, refs []Ref, onChange ChangeFunc) error
	Unsubscribe() error
}

// New creates the transport for a device configuration.
func New(cfg config.DeviceConfig) (Transport, error) {
	switch cfg.Basic.GetFamily() {
	case config.FamilyOPCUA:
		return NewOPCUA(cfg), nil
	case config.FamilyS7:
		return NewS7(cfg), nil
	default:
		return nil, fmt.Errorf("unknown device family %q", cfg.Basic.Family)
	}
}
