// Package resolver implements within-document coreference resolution.
// It maintains a recency window of named groups and attaches each referring
// expression to the nearest compatible group inside the look-back bounds.
package resolver

import (
	"fmt"

	"github.com/kittclouds/kittlink/pkg/mention"
	"github.com/kittclouds/kittlink/pkg/scanner/discovery"
)

// Rule records how a mention was assigned to its group
type Rule string

const (
	RuleNewGroup   Rule = "new_group"
	RuleExactName  Rule = "exact_name"
	RuleAntecedent Rule = "antecedent"
	RuleUnresolved Rule = "unresolved"
)

// Config bounds the backward search.
type Config struct {
	SentenceWindow  int                 // max sentence distance to an antecedent
	MentionWindow   int                 // max mention-count distance to an antecedent
	CompatibleTypes map[string][]string // referring type -> extra acceptable antecedent types
	Pronouns        []string            // lexicon; nil means discovery.Pronouns
}

// DefaultConfig returns the 3 sentence / 30 mention window with identity-only types.
func DefaultConfig() Config {
	return Config{
		SentenceWindow: 3,
		MentionWindow:  30,
	}
}

// Group is one local entity group.
type Group struct {
	LocalID    int               `json:"local_id"`
	Type       string            `json:"type"`
	Mentions   []mention.Mention `json:"-"`
	Unresolved bool              `json:"unresolved,omitempty"`
}

// MentionIDs returns member ids in document order
func (g *Group) MentionIDs() []string {
	ids := make([]string, len(g.Mentions))
	for i, m := range g.Mentions {
		ids[i] = m.ID
	}
	return ids
}

// Assignment explains the group choice for one mention
type Assignment struct {
	MentionID    string `json:"mention_id"`
	LocalID      int    `json:"local_id"`
	Rule         Rule   `json:"rule"`
	AntecedentID string `json:"antecedent_id,omitempty"`
}

// Stats are the per-document counters fed to the run report
type Stats struct {
	Mentions   int
	Referring  int
	Resolved   int
	Unresolved int
	Groups     int
}

// Resolution is the coreference output for one document.
type Resolution struct {
	Document    *mention.Document
	Mentions    []mention.Mention // position ordered
	Groups      []*Group          // ordered by first mention
	Assignments []Assignment      // parallel to Mentions
	Stats       Stats
}

// GroupOf returns the group containing mentionID
func (r *Resolution) GroupOf(mentionID string) *Group {
	for i, a := range r.Assignments {
		if a.MentionID == mentionID {
			return r.Groups[r.Assignments[i].LocalID-1]
		}
	}
	return nil
}

type nameKey struct {
	alias     string
	typeLabel string
}

// Resolver assigns local entity groups. Safe for concurrent use: Resolve
// keeps all state on the stack.
type Resolver struct {
	cfg      Config
	pronouns map[string]bool
}

// New creates a Resolver
func New(cfg Config) *Resolver {
	lexicon := cfg.Pronouns
	if lexicon == nil {
		lexicon = discovery.Pronouns
	}
	pronouns := make(map[string]bool, len(lexicon))
	for _, p := range lexicon {
		if key := discovery.Normalize(p); key != "" {
			pronouns[key] = true
		}
	}
	return &Resolver{cfg: cfg, pronouns: pronouns}
}

// IsPronoun reports whether m is a referring mention from the pronoun lexicon.
// Pronouns never become aliases.
func (r *Resolver) IsPronoun(m mention.Mention) bool {
	return m.IsReferring() && r.pronouns[discovery.Normalize(m.Span.Surface)]
}

// Compatible reports whether a referring mention of type refType may attach
// to a group of type candType.
func (r *Resolver) Compatible(refType, candType string) bool {
	if refType == candType {
		return true
	}
	for _, t := range r.cfg.CompatibleTypes[refType] {
		if t == candType {
			return true
		}
	}
	return false
}

// Resolve groups the mentions of doc. Malformed documents return a
// *mention.InputError and no resolution.
func (r *Resolver) Resolve(doc *mention.Document) (*Resolution, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	res := &Resolution{
		Document: doc,
		Mentions: doc.Ordered(),
	}
	res.Assignments = make([]Assignment, 0, len(res.Mentions))

	searching := r.cfg.SentenceWindow > 0 && r.cfg.MentionWindow > 0
	win := newWindow(r.cfg.SentenceWindow, r.cfg.MentionWindow)
	names := make(map[nameKey]*Group)

	newGroup := func(m mention.Mention, unresolved bool) *Group {
		g := &Group{LocalID: len(res.Groups) + 1, Type: m.Type, Unresolved: unresolved}
		res.Groups = append(res.Groups, g)
		return g
	}

	for ordinal, m := range res.Mentions {
		res.Stats.Mentions++
		var (
			group      *Group
			rule       Rule
			antecedent string
		)

		switch m.Kind {
		case mention.KindNamed:
			key := nameKey{alias: discovery.Normalize(m.Span.Surface), typeLabel: m.Type}
			if existing, ok := names[key]; ok && searching {
				group, rule, antecedent = existing, RuleExactName, existing.Mentions[len(existing.Mentions)-1].ID
			} else {
				group, rule = newGroup(m, false), RuleNewGroup
				if !ok {
					names[key] = group
				}
			}
			win.push(entry{group: group, ordinal: ordinal, sentence: m.Span.Sentence})

		case mention.KindReferring:
			res.Stats.Referring++
			var found entry
			var ok bool
			if searching {
				win.prune(ordinal, m.Span.Sentence)
				found, ok = win.findMostRecent(func(e entry) bool {
					return r.Compatible(m.Type, e.group.Type)
				})
			}
			if ok {
				group, rule = found.group, RuleAntecedent
				antecedent = group.Mentions[len(group.Mentions)-1].ID
				res.Stats.Resolved++
				win.push(entry{group: group, ordinal: ordinal, sentence: m.Span.Sentence})
			} else {
				group, rule = newGroup(m, true), RuleUnresolved
				res.Stats.Unresolved++
			}

		default:
			return nil, &mention.InputError{
				DocumentID: doc.ID, MentionID: m.ID, Index: ordinal,
				Field: "referring", Reason: fmt.Sprintf("unknown mention kind %s", m.Kind),
			}
		}

		group.Mentions = append(group.Mentions, m)
		res.Assignments = append(res.Assignments, Assignment{
			MentionID:    m.ID,
			LocalID:      group.LocalID,
			Rule:         rule,
			AntecedentID: antecedent,
		})
	}

	res.Stats.Groups = len(res.Groups)
	return res, nil
}
