package codec

import (
	"plclink/catalog"
)

// Item is one code/value pair from an upstream payload.
type Item struct {
	Code  string
	Value interface{}
}

// TargetsFor resolves a module-addressed payload into write targets. Each
// item's code names a top-level descriptor; nested values recurse through
// the inbound walk. Unresolvable codes and type mismatches accumulate in
// the result; valid siblings still produce targets.
func TargetsFor(cat *catalog.Catalog, m catalog.ModuleKey, items []Item) *Result {
	res := &Result{}
	for _, item := range items {
		desc, ok := cat.Find(m, item.Code)
		if !ok {
			res.addErrorf("Failure to find %s in the list", item.Code)
			continue
		}
		Walk(cat, desc, item.Value, Inbound, Options{}, res)
	}
	return res
}
