package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Catalog is the flat, code-indexed variable catalog for one device.
// Structure and array traversal is driven by constructing child keys from
// the parent code, so no tree is kept at runtime.
type Catalog struct {
	byKey map[string]*Descriptor
	order []*Descriptor
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{byKey: make(map[string]*Descriptor)}
}

// Add inserts a descriptor, rejecting duplicate composite keys.
func (c *Catalog) Add(d *Descriptor) error {
	key := d.Key()
	if _, exists := c.byKey[key]; exists {
		return fmt.Errorf("duplicate catalog key %q", key)
	}
	c.byKey[key] = d
	c.order = append(c.order, d)
	return nil
}

// Len returns the number of descriptors.
func (c *Catalog) Len() int {
	return len(c.order)
}

// Lookup returns the descriptor stored under the flat key.
func (c *Catalog) Lookup(key string) (*Descriptor, bool) {
	d, ok := c.byKey[key]
	return d, ok
}

// Find resolves a descriptor by module key and code.
func (c *Catalog) Find(m ModuleKey, code string) (*Descriptor, bool) {
	return c.Lookup(Key(m.BlockID, m.Index, m.Category, code))
}

// Child resolves the child descriptor of a structure member. A leading
// underscore on the segment is stripped, matching the catalog's code
// construction.
func (c *Catalog) Child(parent *Descriptor, segment string) (*Descriptor, bool) {
	segment = strings.TrimPrefix(segment, "_")
	return c.Find(parent.Module(), parent.Code+"_"+segment)
}

// ChildIndex resolves the child descriptor of an array element.
func (c *Catalog) ChildIndex(parent *Descriptor, i int) (*Descriptor, bool) {
	return c.Find(parent.Module(), parent.Code+"_"+strconv.Itoa(i))
}

// ByNodeID returns the descriptor bound to an OPC UA node identifier.
func (c *Catalog) ByNodeID(nodeID string) (*Descriptor, bool) {
	for _, d := range c.order {
		if d.NodeID != "" && d.NodeID == nodeID {
			return d, true
		}
	}
	return nil, false
}

// All returns the descriptors in catalog order.
func (c *Catalog) All() []*Descriptor {
	return c.order
}

// Modules returns the distinct module keys of object rows, sorted. A row
// designates a module when it is an object node and its block and index
// are not both zero.
func (c *Catalog) Modules() []ModuleKey {
	seen := make(map[ModuleKey]bool)
	var keys []ModuleKey
	for _, d := range c.order {
		if d.NodeClass != 1 || d.BlockID+d.Index <= 0 {
			continue
		}
		m := d.Module()
		if !seen[m] {
			seen[m] = true
			keys = append(keys, m)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.BlockID != b.BlockID {
			return a.BlockID < b.BlockID
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.Category < b.Category
	})
	return keys
}

// ModuleDescriptors returns the descriptors belonging to one module, in
// catalog order.
func (c *Catalog) ModuleDescriptors(m ModuleKey) []*Descriptor {
	var out []*Descriptor
	for _, d := range c.order {
		if d.Module() == m {
			out = append(out, d)
		}
	}
	return out
}

// Leaves returns the leaf descriptors under d, d itself when it is a
// leaf. Descendants are found by code prefix within the same module.
func (c *Catalog) Leaves(d *Descriptor) []*Descriptor {
	if d.ArrayDims == 0 && d.DataType != TypeStructure && d.DataType != TypeUnknown {
		return []*Descriptor{d}
	}
	prefix := d.Code + "_"
	m := d.Module()
	var out []*Descriptor
	for _, cand := range c.order {
		if cand.Module() != m || !strings.HasPrefix(cand.Code, prefix) {
			continue
		}
		if cand.ArrayDims == 0 && cand.DataType != TypeStructure && cand.DataType != TypeUnknown {
			out = append(out, cand)
		}
	}
	return out
}

// Assemble rebuilds the nested value of a structure or array descriptor
// from its children's cached leaf values.
func (c *Catalog) Assemble(d *Descriptor) interface{} {
	switch {
	case d.ArrayDims > 0:
		var out []interface{}
		for i := 0; ; i++ {
			child, ok := c.ChildIndex(d, i)
			if !ok {
				break
			}
			out = append(out, c.Assemble(child))
		}
		return out

	case d.DataType == TypeStructure || d.DataType == TypeUnknown && d.NodeClass == 1:
		prefix := d.Code + "_"
		m := d.Module()
		out := make(map[string]interface{})
		for _, cand := range c.order {
			if cand.Module() != m || !strings.HasPrefix(cand.Code, prefix) {
				continue
			}
			segment := strings.TrimPrefix(cand.Code, prefix)
			// Direct children only; grandchildren are reached recursively.
			if strings.Contains(segment, "_") {
				continue
			}
			out[segment] = c.Assemble(cand)
		}
		return out

	default:
		return d.Value
	}
}

// ReadBlock returns the descriptors polled each scan. Rebuild after any
// flag change.
func (c *Catalog) ReadBlock() []*Descriptor {
	var out []*Descriptor
	for _, d := range c.order {
		if d.ReadEnable {
			out = append(out, d)
		}
	}
	return out
}

// TimedClearBlock returns the safety-clear descriptors with their
// FalseTime initialized. Rebuild after any flag change.
func (c *Catalog) TimedClearBlock() []*Descriptor {
	now := time.Now()
	var out []*Descriptor
	for _, d := range c.order {
		if d.TimedClear {
			if d.FalseTime.IsZero() {
				d.FalseTime = now
			}
			out = append(out, d)
		}
	}
	return out
}
