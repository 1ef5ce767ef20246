package linker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kittclouds/kittlink/internal/store"
	"github.com/kittclouds/kittlink/pkg/mention"
	"github.com/kittclouds/kittlink/pkg/scanner/resolver"
	"github.com/kittclouds/kittlink/pkg/similarity"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type m struct {
	sentence  int
	text      string
	typ       string
	referring bool
}

func resolveDoc(t *testing.T, cfg resolver.Config, id string, ms ...m) *resolver.Resolution {
	t.Helper()
	doc := &mention.Document{ID: id}
	for i, x := range ms {
		kind := mention.KindNamed
		if x.referring {
			kind = mention.KindReferring
		}
		doc.Mentions = append(doc.Mentions, mention.Mention{
			DocumentID: id,
			ID:         fmt.Sprintf("m%d", i+1),
			Span:       mention.Span{Sentence: x.sentence, Start: i * 20, End: i*20 + len(x.text), Surface: x.text},
			Type:       x.typ,
			Kind:       kind,
		})
	}
	res, err := resolver.New(cfg).Resolve(doc)
	require.NoError(t, err)
	return res
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func newLinker(reg store.Registry, cfg Config) *Linker {
	return New(reg, similarity.TokenDice{}, cfg, zerolog.Nop())
}

func genesisDoc(t *testing.T) *resolver.Resolution {
	return resolveDoc(t, resolver.DefaultConfig(), "doc-a",
		m{0, "Genesis Systems", "ORG", false},
		m{0, "it", "ORG", true},
		m{1, "the company", "ORG", true},
	)
}

func TestLinkCreatesEntityForNewGroup(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemStore()
	res := genesisDoc(t)
	require.Len(t, res.Groups, 1)
	require.Len(t, res.Groups[0].Mentions, 3)

	links, err := newLinker(reg, testConfig()).LinkDocument(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 1, links.Created)
	assert.Equal(t, 0, links.Matched)

	all, err := reg.ListEntities(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	e := all[0]
	assert.Equal(t, "Genesis Systems", e.CanonicalName)
	assert.ElementsMatch(t, []string{"genesis systems", "the company"}, e.Aliases)
	assert.Len(t, e.Provenance, 3)
	assert.Equal(t, map[string]int64{"m1": e.ID, "m2": e.ID, "m3": e.ID}, links.Entities)
}

func TestRelinkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemStore()
	l := newLinker(reg, testConfig())

	first, err := l.LinkDocument(ctx, genesisDoc(t))
	require.NoError(t, err)

	second, err := l.LinkDocument(ctx, genesisDoc(t))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Matched)
	assert.Equal(t, first.Entities, second.Entities)

	all, _ := reg.ListEntities(ctx)
	require.Len(t, all, 1)
	assert.Len(t, all[0].Provenance, 3, "replayed provenance is not duplicated")
}

func TestRelinkManyGroupsStable(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemStore()
	l := newLinker(reg, testConfig())
	doc := func() *resolver.Resolution {
		return resolveDoc(t, resolver.DefaultConfig(), "doc-many",
			m{0, "Acme", "ORG", false},
			m{0, "Ada Lovelace", "PERSON", false},
			m{1, "she", "PERSON", true},
			m{1, "Acme Corp", "ORG", false},
			m{2, "it", "ORG", true},
			m{9, "they", "ORG", true},
		)
	}

	first, err := l.LinkDocument(ctx, doc())
	require.NoError(t, err)
	hwm, _ := reg.HighWaterMark(ctx)

	second, err := l.LinkDocument(ctx, doc())
	require.NoError(t, err)
	assert.Equal(t, first.Entities, second.Entities)
	assert.Equal(t, 0, second.Created)

	after, _ := reg.HighWaterMark(ctx)
	assert.Equal(t, hwm, after, "no ids allocated on relink")
}

func TestSameNameAcrossDocumentsLinksOnce(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemStore()
	l := newLinker(reg, testConfig())

	a, err := l.LinkDocument(ctx, resolveDoc(t, resolver.DefaultConfig(), "doc-1", m{0, "WaterCube", "ORG", false}))
	require.NoError(t, err)
	b, err := l.LinkDocument(ctx, resolveDoc(t, resolver.DefaultConfig(), "doc-2", m{3, "WaterCube", "ORG", false}))
	require.NoError(t, err)

	assert.Equal(t, a.Entities["m1"], b.Entities["m1"])
	assert.Equal(t, 1, b.Matched)

	e, err := reg.GetEntity(ctx, a.Entities["m1"])
	require.NoError(t, err)
	assert.Equal(t, []store.Provenance{{DocumentID: "doc-1", MentionID: "m1"}, {DocumentID: "doc-2", MentionID: "m1"}}, e.Provenance)
}

func TestCompatibleTypesLinkAcrossLabels(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemStore()
	cfg := testConfig()
	cfg.CompatibleTypes = map[string][]string{"PRODUCT": {"ORG"}}
	l := newLinker(reg, cfg)

	a, err := l.LinkDocument(ctx, resolveDoc(t, resolver.DefaultConfig(), "doc-1", m{0, "WaterCube", "ORG", false}))
	require.NoError(t, err)
	b, err := l.LinkDocument(ctx, resolveDoc(t, resolver.DefaultConfig(), "doc-2", m{0, "Water Cube", "PRODUCT", false}))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Created, "water cube vs watercube share no token")

	c, err := l.LinkDocument(ctx, resolveDoc(t, resolver.DefaultConfig(), "doc-3", m{0, "WaterCube", "PRODUCT", false}))
	require.NoError(t, err)
	assert.Equal(t, a.Entities["m1"], c.Entities["m1"])
}

func TestLonePronounIsUnlinked(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemStore()
	res := resolveDoc(t, resolver.DefaultConfig(), "doc-d", m{0, "it", "ORG", true})
	require.Equal(t, 1, res.Stats.Unresolved)

	links, err := newLinker(reg, testConfig()).LinkDocument(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 1, links.Unlinked)
	assert.Empty(t, links.Entities)

	hwm, _ := reg.HighWaterMark(ctx)
	assert.Zero(t, hwm)
}

func TestBelowThresholdCreatesNewEntity(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemStore()
	l := newLinker(reg, testConfig())

	a, err := l.LinkDocument(ctx, resolveDoc(t, resolver.DefaultConfig(), "d1", m{0, "Genesis Systems", "ORG", false}))
	require.NoError(t, err)
	b, err := l.LinkDocument(ctx, resolveDoc(t, resolver.DefaultConfig(), "d2", m{0, "Genesis Labs", "ORG", false}))
	require.NoError(t, err)

	assert.NotEqual(t, a.Entities["m1"], b.Entities["m1"])
	assert.Equal(t, 1, b.Groups[0].Candidates)
	assert.InDelta(t, 0.5, b.Groups[0].Score, 1e-9)
}

func TestNearExactAboveThresholdMatches(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemStore()
	l := newLinker(reg, testConfig())

	a, err := l.LinkDocument(ctx, resolveDoc(t, resolver.DefaultConfig(), "d1", m{0, "Genesis Systems", "ORG", false}))
	require.NoError(t, err)
	b, err := l.LinkDocument(ctx, resolveDoc(t, resolver.DefaultConfig(), "d2", m{0, "Genesis Systems, Inc.", "ORG", false}))
	require.NoError(t, err)

	assert.Equal(t, a.Entities["m1"], b.Entities["m1"])
	assert.InDelta(t, 0.8, b.Groups[0].Score, 1e-9)

	e, _ := reg.GetEntity(ctx, a.Entities["m1"])
	assert.Equal(t, []string{"genesis systems", "genesis systems inc"}, e.Aliases, "aliases only grow")
}

func TestTieGoesToOldestEntity(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemStore()
	older, err := reg.CreateEntity(ctx, "Acme", "ORG", "acme", nil)
	require.NoError(t, err)
	newer, err := reg.CreateEntity(ctx, "Acme Corp", "ORG", "acme corp", nil)
	require.NoError(t, err)
	require.NoError(t, reg.MergeAlias(ctx, newer, "acme", nil))

	links, err := newLinker(reg, testConfig()).LinkDocument(ctx,
		resolveDoc(t, resolver.DefaultConfig(), "d", m{0, "ACME", "ORG", false}))
	require.NoError(t, err)

	assert.Equal(t, older, links.Entities["m1"])
	require.Len(t, links.Conflicts, 1, "tie is flagged, not merged")
	assert.Equal(t, "ambiguous_match", links.Conflicts[0].Kind)
	assert.Equal(t, []int64{older, newer}, links.Conflicts[0].EntityIDs)
}

// =============================================================================
// Fault injection
// =============================================================================

// racingRegistry lets another writer win the first create
type racingRegistry struct {
	store.Registry
	raced bool
}

func (r *racingRegistry) CreateEntity(ctx context.Context, name, typeLabel, alias string, prov []store.Provenance) (int64, error) {
	if !r.raced {
		r.raced = true
		if _, err := r.Registry.CreateEntity(ctx, name+" (other writer)", typeLabel, alias, nil); err != nil {
			return 0, err
		}
	}
	return r.Registry.CreateEntity(ctx, name, typeLabel, alias, prov)
}

// flakyRegistry fails MergeAlias with err for the first n calls
type flakyRegistry struct {
	store.Registry
	err   error
	n     int
	calls int
}

func (f *flakyRegistry) MergeAlias(ctx context.Context, id int64, alias string, prov []store.Provenance) error {
	f.calls++
	if f.calls <= f.n {
		return f.err
	}
	return f.Registry.MergeAlias(ctx, id, alias, prov)
}

// staleLookupRegistry parks the first lookup of alias after it has read the
// registry, so other writers can act on what the caller has not seen.
type staleLookupRegistry struct {
	store.Registry
	alias   string
	once    sync.Once
	looked  chan struct{}
	release chan struct{}
}

func newStaleLookup(inner store.Registry, alias string) *staleLookupRegistry {
	return &staleLookupRegistry{
		Registry: inner,
		alias:    alias,
		looked:   make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (r *staleLookupRegistry) LookupCandidates(ctx context.Context, alias, typeLabel string) ([]int64, error) {
	ids, err := r.Registry.LookupCandidates(ctx, alias, typeLabel)
	if alias == r.alias {
		r.once.Do(func() {
			close(r.looked)
			<-r.release
		})
	}
	return ids, err
}

func registries(t *testing.T) map[string]store.Registry {
	t.Helper()
	sqlite, err := store.NewSQLiteStore()
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]store.Registry{
		"MemStore":    store.NewMemStore(),
		"SQLiteStore": sqlite,
	}
}

func TestStaleLookupCannotDuplicateMergedAlias(t *testing.T) {
	for name, inner := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := newStaleLookup(inner, "the company")
			l := newLinker(reg, testConfig())

			loneDoc := resolveDoc(t, resolver.DefaultConfig(), "doc-b", m{0, "the company", "ORG", true})
			var (
				lone    *DocumentLinks
				loneErr error
				done    = make(chan struct{})
			)
			go func() {
				defer close(done)
				lone, loneErr = l.LinkDocument(ctx, loneDoc)
			}()

			<-reg.looked
			named, err := l.LinkDocument(ctx, genesisDoc(t))
			require.NoError(t, err)
			close(reg.release)
			<-done
			require.NoError(t, loneErr)

			assert.Equal(t, named.Entities["m1"], lone.Entities["m1"], "the held alias is not claimed by a new entity")
			assert.Equal(t, 1, lone.Matched)

			all, err := inner.ListEntities(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			docs := make(map[string]bool)
			for _, p := range all[0].Provenance {
				docs[p.DocumentID] = true
			}
			assert.Equal(t, map[string]bool{"doc-a": true, "doc-b": true}, docs)
		})
	}
}

func TestConcurrentLinkingSharesEntities(t *testing.T) {
	const docs = 12
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLinker(reg, testConfig())

			var wg sync.WaitGroup
			links := make([]*DocumentLinks, docs)
			errs := make([]error, docs)
			for i := 0; i < docs; i++ {
				res := resolveDoc(t, resolver.DefaultConfig(), fmt.Sprintf("doc-%02d", i),
					m{0, "Genesis Systems", "ORG", false},
					m{1, "the company", "ORG", true},
				)
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					links[i], errs[i] = l.LinkDocument(ctx, res)
				}(i)
			}
			wg.Wait()

			created := 0
			for i := range links {
				require.NoError(t, errs[i])
				created += links[i].Created
				assert.Equal(t, links[0].Entities, links[i].Entities, "doc %d", i)
			}
			assert.Equal(t, 1, created, "one writer creates, the rest match")

			all, err := reg.ListEntities(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.ElementsMatch(t, []string{"genesis systems", "the company"}, all[0].Aliases)
			assert.Len(t, all[0].Provenance, 2*docs, "provenance spans every document")

			ids, err := reg.LookupCandidates(ctx, "the company", "ORG")
			require.NoError(t, err)
			assert.Equal(t, []int64{all[0].ID}, ids)
		})
	}
}

func TestLostCreateRaceMergesIntoWinner(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemStore()
	reg := &racingRegistry{Registry: inner}

	links, err := newLinker(reg, testConfig()).LinkDocument(ctx, genesisDoc(t))
	require.NoError(t, err)
	assert.Equal(t, 0, links.Created)
	assert.Equal(t, 1, links.Matched)

	all, _ := inner.ListEntities(ctx)
	require.Len(t, all, 1, "no duplicate entity for the raced key")
	assert.Len(t, all[0].Provenance, 3)
}

func TestBusyWritesAreRetried(t *testing.T) {
	ctx := context.Background()
	reg := &flakyRegistry{Registry: store.NewMemStore(), err: fmt.Errorf("merge: %w", store.ErrBusy), n: 2}

	links, err := newLinker(reg, testConfig()).LinkDocument(ctx, genesisDoc(t))
	require.NoError(t, err)
	assert.Equal(t, 1, links.Created)
}

func TestExhaustedRetriesAreLinkErrors(t *testing.T) {
	ctx := context.Background()
	reg := &flakyRegistry{Registry: store.NewMemStore(), err: fmt.Errorf("merge: %w", store.ErrBusy), n: 100}

	_, err := newLinker(reg, testConfig()).LinkDocument(ctx, genesisDoc(t))
	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr), "got %v", err)
	assert.Equal(t, "doc-a", linkErr.DocumentID)
	assert.True(t, errors.Is(err, store.ErrBusy))
	assert.Equal(t, testConfig().MaxRetries+1, reg.calls)
}

func TestUnavailableRegistryIsFatal(t *testing.T) {
	ctx := context.Background()
	reg := &flakyRegistry{Registry: store.NewMemStore(), err: fmt.Errorf("merge: %w", store.ErrUnavailable), n: 1}

	_, err := newLinker(reg, testConfig()).LinkDocument(ctx, genesisDoc(t))
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal), "got %v", err)
	assert.Equal(t, 1, reg.calls, "no retry on connectivity failure")
}

type staticLookup map[string][]store.ExternalID

func (s staticLookup) Lookup(typeLabel, alias string) []store.ExternalID {
	return s[typeLabel+"|"+alias]
}

func TestExternalIDsAttached(t *testing.T) {
	ctx := context.Background()
	reg := store.NewMemStore()
	cfg := testConfig()
	cfg.External = staticLookup{
		"ORG|watercube":  {{Source: "wikidata", ID: "Q42"}},
		"ORG|water cube": {{Source: "wikidata", ID: "Q42"}},
	}
	l := newLinker(reg, cfg)

	a, err := l.LinkDocument(ctx, resolveDoc(t, resolver.DefaultConfig(), "d1", m{0, "WaterCube", "ORG", false}))
	require.NoError(t, err)
	e, _ := reg.GetEntity(ctx, a.Entities["m1"])
	assert.Equal(t, []store.ExternalID{{Source: "wikidata", ID: "Q42"}}, e.ExternalIDs)

	b, err := l.LinkDocument(ctx, resolveDoc(t, resolver.DefaultConfig(), "d2", m{0, "Water Cube", "ORG", false}))
	require.NoError(t, err)
	assert.NotEqual(t, a.Entities["m1"], b.Entities["m1"])
	require.Len(t, b.Conflicts, 1)
	assert.Equal(t, "external_id", b.Conflicts[0].Kind)
}
