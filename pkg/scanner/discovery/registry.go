package discovery

import (
	"sort"
	"unicode/utf8"
)

// AliasStats tracks how often one alias key was seen within a group
type AliasStats struct {
	Count   int
	Display string // first raw surface seen for this key
	First   int    // order of first observation
}

// AliasTally counts alias keys for one local entity group
type AliasTally struct {
	Stats map[CanonicalToken]*AliasStats
	seen  int
}

// NewTally creates an empty tally
func NewTally() *AliasTally {
	return &AliasTally{
		Stats: make(map[CanonicalToken]*AliasStats),
	}
}

// Add records one raw surface. Returns false if it has no usable key.
func (t *AliasTally) Add(raw string) bool {
	key, display, valid := Canonicalize(raw)
	if !valid {
		return false
	}

	stats, exists := t.Stats[key]
	if !exists {
		stats = &AliasStats{Display: display, First: t.seen}
		t.Stats[key] = stats
	}
	stats.Count++
	t.seen++
	return true
}

// Len returns the number of distinct keys
func (t *AliasTally) Len() int {
	return len(t.Stats)
}

// Representative picks the most frequent key, then the longest, then the
// lexicographically smallest. Returns the key and its display form.
func (t *AliasTally) Representative() (string, string, bool) {
	keys := t.Ranked()
	if len(keys) == 0 {
		return "", "", false
	}
	return keys[0], t.Stats[CanonicalToken(keys[0])].Display, true
}

// Ranked returns every key in representative order.
func (t *AliasTally) Ranked() []string {
	keys := make([]string, 0, len(t.Stats))
	for k := range t.Stats {
		keys = append(keys, string(k))
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := t.Stats[CanonicalToken(keys[i])], t.Stats[CanonicalToken(keys[j])]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if li, lj := utf8.RuneCountInString(keys[i]), utf8.RuneCountInString(keys[j]); li != lj {
			return li > lj
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Keys returns every key in first-seen order
func (t *AliasTally) Keys() []string {
	keys := make([]string, 0, len(t.Stats))
	for k := range t.Stats {
		keys = append(keys, string(k))
	}
	sort.Slice(keys, func(i, j int) bool {
		return t.Stats[CanonicalToken(keys[i])].First < t.Stats[CanonicalToken(keys[j])].First
	})
	return keys
}
