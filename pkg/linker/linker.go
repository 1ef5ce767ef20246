// Package linker decides, per local entity group, whether a document's group
// is an existing canonical entity or a new one, and commits the decision to
// the registry.
package linker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kittclouds/kittlink/internal/store"
	"github.com/kittclouds/kittlink/pkg/mention"
	"github.com/kittclouds/kittlink/pkg/scanner/discovery"
	"github.com/kittclouds/kittlink/pkg/scanner/resolver"
	"github.com/kittclouds/kittlink/pkg/similarity"
	"github.com/rs/zerolog"
)

const scoreEpsilon = 1e-9

// Decision is the outcome for one group
type Decision string

const (
	DecisionCreated  Decision = "created"
	DecisionMatched  Decision = "matched"
	DecisionUnlinked Decision = "unlinked" // pronoun-only group, nothing to name it by
)

// ExternalLookup finds catalogue identifiers for a normalized alias.
type ExternalLookup interface {
	Lookup(typeLabel, alias string) []store.ExternalID
}

// Config tunes matching and retries.
type Config struct {
	Threshold       float64
	MaxRetries      int
	RetryBackoff    time.Duration
	CompatibleTypes map[string][]string

	// IsPronoun filters mentions that never become aliases. Required.
	IsPronoun func(mention.Mention) bool
	// External is optional.
	External ExternalLookup
}

// DefaultConfig returns a 0.75 threshold with three retries.
func DefaultConfig() Config {
	return Config{
		Threshold:    0.75,
		MaxRetries:   3,
		RetryBackoff: 20 * time.Millisecond,
		IsPronoun:    resolver.New(resolver.DefaultConfig()).IsPronoun,
	}
}

// GroupLink records the decision for one local group.
type GroupLink struct {
	LocalID    int      `json:"local_id"`
	EntityID   int64    `json:"entity_id,omitempty"`
	Decision   Decision `json:"decision"`
	Reused     bool     `json:"reused,omitempty"` // assignment taken from existing provenance
	Alias      string   `json:"alias,omitempty"`
	Type       string   `json:"type"`
	Score      float64  `json:"score"`
	Candidates int      `json:"candidates"`
	MentionIDs []string `json:"mention_ids"`
}

// Conflict is an ambiguity flagged for an operator; nothing is auto-merged.
type Conflict struct {
	Kind       string  `json:"kind"` // ambiguous_match | provenance_split | external_id
	DocumentID string  `json:"document_id"`
	LocalID    int     `json:"local_id"`
	Alias      string  `json:"alias"`
	Type       string  `json:"type"`
	EntityIDs  []int64 `json:"entity_ids"`
	Chosen     int64   `json:"chosen"`
	Score      float64 `json:"score,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

// DocumentLinks is the linking result for one document.
type DocumentLinks struct {
	DocumentID string
	Groups     []GroupLink
	Entities   map[string]int64 // mention id -> entity id
	Conflicts  []Conflict
	Created    int
	Matched    int
	Unlinked   int
}

// LinkError is a per-document failure. The batch continues.
type LinkError struct {
	DocumentID string
	LocalID    int
	Committed  int // groups of the document linked before the failure
	Err        error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link document %q group %d: %v", e.DocumentID, e.LocalID, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// FatalError means the registry can no longer be trusted; the run must stop.
// Groups linked before the failure are already committed; Committed counts them.
type FatalError struct {
	DocumentID string
	Committed  int
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("registry failure while linking %q: %v", e.DocumentID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Linker commits local groups to the canonical registry.
type Linker struct {
	registry store.Registry
	scorer   similarity.Scorer
	cfg      Config
	log      zerolog.Logger
}

// New creates a Linker over an injected registry handle.
func New(registry store.Registry, scorer similarity.Scorer, cfg Config, logger zerolog.Logger) *Linker {
	if scorer == nil {
		scorer = similarity.TokenDice{}
	}
	if cfg.IsPronoun == nil {
		cfg.IsPronoun = DefaultConfig().IsPronoun
	}
	return &Linker{registry: registry, scorer: scorer, cfg: cfg, log: logger}
}

// LinkDocument links every group of res. A *FatalError aborts the run; a
// *LinkError only fails this document.
func (l *Linker) LinkDocument(ctx context.Context, res *resolver.Resolution) (*DocumentLinks, error) {
	docID := res.Document.ID
	out := &DocumentLinks{
		DocumentID: docID,
		Entities:   make(map[string]int64),
	}
	logger := l.log.With().Str("document", docID).Logger()

	for _, g := range res.Groups {
		link, conflicts, err := l.linkGroup(ctx, docID, g)
		if err != nil {
			committed := out.Created + out.Matched
			if isFatal(err) {
				return nil, &FatalError{DocumentID: docID, Committed: committed, Err: err}
			}
			return nil, &LinkError{DocumentID: docID, LocalID: g.LocalID, Committed: committed, Err: err}
		}

		out.Groups = append(out.Groups, link)
		out.Conflicts = append(out.Conflicts, conflicts...)
		switch link.Decision {
		case DecisionCreated:
			out.Created++
		case DecisionMatched:
			out.Matched++
		case DecisionUnlinked:
			out.Unlinked++
			continue
		}
		for _, m := range g.Mentions {
			out.Entities[m.ID] = link.EntityID
		}

		logger.Debug().
			Int("group", g.LocalID).
			Str("alias", link.Alias).
			Int64("entity", link.EntityID).
			Str("decision", string(link.Decision)).
			Float64("score", link.Score).
			Msg("group linked")
	}
	return out, nil
}

func isFatal(err error) bool {
	return errors.Is(err, store.ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// groupAliases splits a group into alias keys (with the provenance of the
// mentions carrying them) and alias-less provenance.
type groupAliases struct {
	tally   *discovery.AliasTally
	byAlias map[string][]store.Provenance
	bare    []store.Provenance
}

func (l *Linker) collect(docID string, g *resolver.Group) groupAliases {
	ga := groupAliases{tally: discovery.NewTally(), byAlias: make(map[string][]store.Provenance)}
	for _, m := range g.Mentions {
		p := store.Provenance{DocumentID: docID, MentionID: m.ID}
		if l.cfg.IsPronoun(m) || !ga.tally.Add(m.Span.Surface) {
			ga.bare = append(ga.bare, p)
			continue
		}
		key := discovery.Normalize(m.Span.Surface)
		ga.byAlias[key] = append(ga.byAlias[key], p)
	}
	return ga
}

func (l *Linker) linkGroup(ctx context.Context, docID string, g *resolver.Group) (GroupLink, []Conflict, error) {
	link := GroupLink{LocalID: g.LocalID, Type: g.Type, MentionIDs: g.MentionIDs()}

	ga := l.collect(docID, g)
	rep, display, ok := ga.tally.Representative()
	if !ok {
		link.Decision = DecisionUnlinked
		return link, nil, nil
	}
	link.Alias = rep

	var conflicts []Conflict
	flag := func(kind string, ids []int64, chosen int64, detail string) {
		conflicts = append(conflicts, Conflict{
			Kind: kind, DocumentID: docID, LocalID: g.LocalID, Alias: rep, Type: g.Type,
			EntityIDs: ids, Chosen: chosen, Score: link.Score, Detail: detail,
		})
	}

	// Previously linked mentions keep their entity
	prior, err := l.priorEntity(ctx, docID, link.MentionIDs, flag)
	if err != nil {
		return link, nil, err
	}

	entityID := prior
	if prior != 0 {
		link.Decision, link.Reused, link.Score = DecisionMatched, true, 1.0
	} else {
		best, score, tied, n, err := l.bestCandidate(ctx, rep, g.Type)
		if err != nil {
			return link, nil, err
		}
		link.Candidates, link.Score = n, score
		if best != 0 && score+scoreEpsilon >= l.cfg.Threshold {
			entityID, link.Decision = best, DecisionMatched
			if len(tied) > 1 {
				flag("ambiguous_match", tied, best, "equal scores, oldest entity chosen")
			}
		}
	}

	keys := ga.tally.Keys()
	if entityID == 0 {
		first := append(append([]store.Provenance(nil), ga.byAlias[rep]...), ga.bare...)
		entityID, link.Decision, err = l.create(ctx, display, g.Type, rep, first)
		if err != nil {
			return link, nil, err
		}
	} else {
		err = l.retry(ctx, func() error {
			return l.registry.MergeAlias(ctx, entityID, rep, append(append([]store.Provenance(nil), ga.byAlias[rep]...), ga.bare...))
		})
		if err != nil {
			return link, nil, err
		}
	}
	link.EntityID = entityID

	// Fold the remaining aliases in, one atomic merge each
	for _, key := range keys {
		if key == rep {
			continue
		}
		if err := l.retry(ctx, func() error {
			return l.registry.MergeAlias(ctx, entityID, key, ga.byAlias[key])
		}); err != nil {
			return link, nil, err
		}
	}

	if l.cfg.External != nil {
		for _, ref := range l.cfg.External.Lookup(g.Type, rep) {
			var conflict *store.ConflictError
			err := l.retry(ctx, func() error {
				err := l.registry.AddExternalID(ctx, entityID, ref.Source, ref.ID)
				if errors.As(err, &conflict) {
					return nil
				}
				return err
			})
			if err != nil {
				return link, nil, err
			}
			if conflict != nil {
				flag("external_id", []int64{conflict.WinnerID, entityID}, entityID, ref.Source+":"+ref.ID)
			}
		}
	}

	return link, conflicts, nil
}

// priorEntity returns the entity already holding most of the group's
// mentions, 0 when none are linked yet.
func (l *Linker) priorEntity(ctx context.Context, docID string, mentionIDs []string, flag func(string, []int64, int64, string)) (int64, error) {
	var linked map[string]int64
	err := l.retryRead(ctx, func() (err error) {
		linked, err = l.registry.ResolveProvenance(ctx, docID, mentionIDs)
		return err
	})
	if err != nil || len(linked) == 0 {
		return 0, err
	}

	counts := make(map[int64]int)
	for _, id := range linked {
		counts[id]++
	}
	ids := make([]int64, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > 1 {
		flag("provenance_split", ids, ids[0], "group mentions already linked to several entities")
	}
	return ids[0], nil
}

// candidateTypes returns the group type followed by its compatible types
func (l *Linker) candidateTypes(typeLabel string) []string {
	types := []string{typeLabel}
	for _, t := range l.cfg.CompatibleTypes[typeLabel] {
		if t != typeLabel {
			types = append(types, t)
		}
	}
	return types
}

// bestCandidate scores every candidate against rep. Returns the winner (the
// smallest id among the best scores), its score, all ids tied at that score,
// and the number of candidates examined.
func (l *Linker) bestCandidate(ctx context.Context, rep, typeLabel string) (int64, float64, []int64, int, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, t := range l.candidateTypes(typeLabel) {
		var found []int64
		err := l.retryRead(ctx, func() (err error) {
			found, err = l.registry.LookupCandidates(ctx, rep, t)
			return err
		})
		if err != nil {
			return 0, 0, nil, 0, err
		}
		for _, id := range found {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var (
		best      int64
		bestScore = -1.0
		tied      []int64
	)
	for _, id := range ids {
		var e *store.CanonicalEntity
		err := l.retryRead(ctx, func() (err error) {
			e, err = l.registry.GetEntity(ctx, id)
			return err
		})
		if err != nil {
			return 0, 0, nil, 0, err
		}
		if e == nil {
			continue
		}

		score := similarity.Best(l.scorer, rep, e.Aliases)
		switch {
		case score > bestScore+scoreEpsilon:
			best, bestScore, tied = id, score, []int64{id}
		case math.Abs(score-bestScore) <= scoreEpsilon:
			tied = append(tied, id)
		}
	}
	if best == 0 {
		return 0, 0, nil, len(ids), nil
	}
	return best, bestScore, tied, len(ids), nil
}

// create allocates a new entity. Losing a race on the key turns into a merge
// onto the winner.
func (l *Linker) create(ctx context.Context, name, typeLabel, alias string, prov []store.Provenance) (int64, Decision, error) {
	var (
		id       int64
		decision Decision
	)
	err := l.retry(ctx, func() error {
		if id != 0 {
			return l.registry.MergeAlias(ctx, id, alias, prov)
		}
		newID, err := l.registry.CreateEntity(ctx, name, typeLabel, alias, prov)
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			l.log.Debug().Str("alias", alias).Int64("winner", conflict.WinnerID).Msg("lost create race, merging")
			id, decision = conflict.WinnerID, DecisionMatched
			return l.registry.MergeAlias(ctx, id, alias, prov)
		}
		if err != nil {
			return err
		}
		id, decision = newID, DecisionCreated
		return nil
	})
	return id, decision, err
}

// retry runs a write until it succeeds, fails for a non-retryable reason, or
// exhausts MaxRetries extra attempts.
func (l *Linker) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if err = fn(); err == nil || !store.IsRetryable(err) {
			return err
		}
		l.log.Debug().Err(err).Int("attempt", attempt+1).Msg("registry write contended")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryBackoff * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", l.cfg.MaxRetries+1, err)
}

// retryRead retries reads on contention only
func (l *Linker) retryRead(ctx context.Context, fn func() error) error {
	return l.retry(ctx, func() error {
		err := fn()
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("unexpected conflict on read: %w", store.ErrUnavailable)
		}
		return err
	})
}
