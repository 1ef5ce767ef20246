// Package mention defines the tagged spans handed over by the tagging stage
// and the per-document containers the resolver and linker work on.
package mention

import (
	"fmt"
	"sort"
	"strings"
)

// Kind distinguishes the two mention variants.
type Kind int

const (
	// KindNamed is a named or nominal span ("Genesis Systems", "the board").
	KindNamed Kind = iota
	// KindReferring is a pronoun or anaphor that needs an antecedent.
	KindReferring
)

func (k Kind) String() string {
	switch k {
	case KindNamed:
		return "named"
	case KindReferring:
		return "referring"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Span locates a mention inside its document.
type Span struct {
	Sentence int    `json:"sentence"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Surface  string `json:"text"`
}

// Mention is one tagged span. Immutable once loaded.
type Mention struct {
	DocumentID string `json:"document_id"`
	ID         string `json:"mention_id"`
	Span       Span   `json:"span"`
	Type       string `json:"type"`
	Kind       Kind   `json:"-"`
}

// IsReferring reports whether the mention needs antecedent resolution.
func (m Mention) IsReferring() bool {
	return m.Kind == KindReferring
}

// Document is the ordered mention list of one document.
type Document struct {
	ID       string
	Mentions []Mention
	Metadata map[string]string
}

// Sort orders mentions by document position. Ties keep load order.
func (d *Document) Sort() {
	sortByPosition(d.Mentions)
}

// Ordered returns a position-ordered copy of the mentions.
func (d *Document) Ordered() []Mention {
	out := append([]Mention(nil), d.Mentions...)
	sortByPosition(out)
	return out
}

func sortByPosition(ms []Mention) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i].Span, ms[j].Span
		if a.Sentence != b.Sentence {
			return a.Sentence < b.Sentence
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End < b.End
	})
}

// Validate checks the structural invariants the resolver relies on.
// The first violation is returned as an *InputError.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return &InputError{DocumentID: d.ID, Index: -1, Field: "document_id", Reason: "missing"}
	}

	seen := make(map[string]bool, len(d.Mentions))
	for i, m := range d.Mentions {
		fail := func(field, reason string) error {
			return &InputError{DocumentID: d.ID, MentionID: m.ID, Index: i, Field: field, Reason: reason}
		}
		switch {
		case m.DocumentID != d.ID:
			return fail("document_id", fmt.Sprintf("mention belongs to %q", m.DocumentID))
		case strings.TrimSpace(m.ID) == "":
			return fail("mention_id", "missing")
		case seen[m.ID]:
			return fail("mention_id", "duplicate within document")
		case m.Span.Sentence < 0:
			return fail("sentence", "negative")
		case m.Span.Start < 0 || m.Span.End < m.Span.Start:
			return fail("start", fmt.Sprintf("invalid range [%d,%d)", m.Span.Start, m.Span.End))
		case strings.TrimSpace(m.Span.Surface) == "":
			return fail("text", "missing")
		case strings.TrimSpace(m.Type) == "":
			return fail("type", "missing")
		}
		switch m.Kind {
		case KindNamed, KindReferring:
		default:
			return fail("referring", "unknown mention kind "+m.Kind.String())
		}
		seen[m.ID] = true
	}
	return nil
}

// CountReferring returns the number of referring mentions.
func (d *Document) CountReferring() int {
	n := 0
	for _, m := range d.Mentions {
		if m.IsReferring() {
			n++
		}
	}
	return n
}

// InputError reports a malformed mention record. The document it belongs to
// is skipped for the run.
type InputError struct {
	DocumentID string
	MentionID  string
	Index      int // position in the document, -1 for document level problems
	Field      string
	Reason     string
}

func (e *InputError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("document %q: %s: %s", e.DocumentID, e.Field, e.Reason)
	}
	return fmt.Sprintf("document %q mention #%d (%s): %s: %s", e.DocumentID, e.Index, e.MentionID, e.Field, e.Reason)
}
