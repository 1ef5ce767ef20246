// Package adapters attaches identifiers from offline catalogue caches
// (wikidata, uei, ...) to canonical entities. Caches are JSON objects mapping
// a name, optionally prefixed "kind|name", to an id or a list of {"id": ...}.
package adapters

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hack-pad/hackpadfs"
	"github.com/kittclouds/kittlink/internal/store"
	"github.com/kittclouds/kittlink/pkg/scanner/discovery"
)

// defaultTypes restricts well-known catalogues to the labels they cover
var defaultTypes = map[string][]string{
	"uei": {"ORG", "ORGANIZATION"},
}

// Adapter is one loaded catalogue.
type Adapter struct {
	Name  string
	types map[string]bool // empty means every type
	ids   map[string]string
}

// Parse builds an adapter from cache contents.
func Parse(name string, data []byte, types []string) (*Adapter, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("adapter %s: invalid cache: %w", name, err)
	}

	if len(types) == 0 {
		types = defaultTypes[strings.ToLower(name)]
	}
	a := &Adapter{
		Name:  name,
		types: make(map[string]bool, len(types)),
		ids:   make(map[string]string, len(raw)),
	}
	for _, t := range types {
		a.types[strings.ToUpper(t)] = true
	}

	// sorted so that colliding keys resolve the same way every load
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		label := k
		if _, after, found := strings.Cut(k, "|"); found {
			label = after
		}
		key := discovery.Normalize(label)
		if key == "" {
			continue
		}
		if id := firstID(raw[k]); id != "" {
			a.ids[key] = id
		}
	}
	return a, nil
}

// firstID accepts "Q1", 123, or [{"id": "Q1"}, ...]
func firstID(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) == nil {
		return strings.TrimSpace(s)
	}
	var list []struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(v, &list) == nil {
		for _, item := range list {
			if id := firstID(item.ID); id != "" {
				return id
			}
		}
		return ""
	}
	var n json.Number
	if json.Unmarshal(v, &n) == nil {
		return n.String()
	}
	return ""
}

// Load reads a cache file from fsys.
func Load(fsys hackpadfs.FS, name, path string, types []string) (*Adapter, error) {
	data, err := hackpadfs.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", name, err)
	}
	return Parse(name, data, types)
}

// Applies reports whether the adapter covers typeLabel
func (a *Adapter) Applies(typeLabel string) bool {
	return len(a.types) == 0 || a.types[typeLabel]
}

// Lookup returns the id for a normalized alias
func (a *Adapter) Lookup(typeLabel, alias string) (string, bool) {
	if !a.Applies(typeLabel) {
		return "", false
	}
	id, ok := a.ids[alias]
	return id, ok
}

// Len returns the number of cached names
func (a *Adapter) Len() int {
	return len(a.ids)
}

// Set queries several adapters in order.
type Set []*Adapter

// Lookup returns every identifier known for alias.
func (s Set) Lookup(typeLabel, alias string) []store.ExternalID {
	var out []store.ExternalID
	for _, a := range s {
		if id, ok := a.Lookup(typeLabel, alias); ok {
			out = append(out, store.ExternalID{Source: a.Name, ID: id})
		}
	}
	return out
}
