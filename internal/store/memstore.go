package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/kittclouds/kittlink/pkg/scanner/discovery"
)

// aliasKey addresses the alias and token postings
type aliasKey struct {
	term      string
	typeLabel string
}

// MemStore is an in-memory Registry. The mutex plays the role the database
// lock plays for SQLiteStore; a new entity may not claim an (alias, type)
// pair some live entity already holds.
type MemStore struct {
	mu       sync.RWMutex
	nextID   int64
	entities map[int64]*CanonicalEntity
	aliases  map[aliasKey]*roaring64.Bitmap
	tokens   map[aliasKey]*roaring64.Bitmap
	mentions map[Provenance]*roaring64.Bitmap
	external map[ExternalID]int64
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entities: make(map[int64]*CanonicalEntity),
		aliases:  make(map[aliasKey]*roaring64.Bitmap),
		tokens:   make(map[aliasKey]*roaring64.Bitmap),
		mentions: make(map[Provenance]*roaring64.Bitmap),
		external: make(map[ExternalID]int64),
	}
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error {
	return nil
}

func postingAdd(m map[aliasKey]*roaring64.Bitmap, key aliasKey, id int64) {
	bm, ok := m[key]
	if !ok {
		bm = roaring64.New()
		m[key] = bm
	}
	bm.Add(uint64(id))
}

// live follows the merge pointer. Caller holds the lock.
func (s *MemStore) live(id int64) (*CanonicalEntity, error) {
	e, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %d: %w", id, ErrNotFound)
	}
	if e.MergedInto != 0 {
		return s.entities[e.MergedInto], nil
	}
	return e, nil
}

// holder returns the smallest live entity holding key. Caller holds the lock.
func (s *MemStore) holder(key aliasKey) (int64, bool) {
	bm, ok := s.aliases[key]
	if !ok || bm.IsEmpty() {
		return 0, false
	}
	var winner int64
	it := bm.Iterator()
	for it.HasNext() {
		id := int64(it.Next())
		if e := s.entities[id]; e.MergedInto != 0 {
			id = e.MergedInto
		}
		if winner == 0 || id < winner {
			winner = id
		}
	}
	return winner, true
}

// =============================================================================
// Lookup
// =============================================================================

func (s *MemStore) LookupCandidates(_ context.Context, alias, typeLabel string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := roaring64.New()
	if bm, ok := s.aliases[aliasKey{alias, typeLabel}]; ok {
		hits.Or(bm)
	}
	for _, tok := range discovery.IndexTokens(alias) {
		if bm, ok := s.tokens[aliasKey{tok, typeLabel}]; ok {
			hits.Or(bm)
		}
	}

	out := roaring64.New()
	for _, id := range hits.ToArray() {
		e := s.entities[int64(id)]
		if e.MergedInto != 0 {
			out.Add(uint64(e.MergedInto))
			continue
		}
		out.Add(id)
	}

	ids := make([]int64, 0, out.GetCardinality())
	for _, id := range out.ToArray() {
		ids = append(ids, int64(id))
	}
	return ids, nil
}

// =============================================================================
// Writes
// =============================================================================

func (s *MemStore) CreateEntity(_ context.Context, canonicalName, typeLabel, initialAlias string, prov []Provenance) (int64, error) {
	if initialAlias == "" {
		return 0, fmt.Errorf("create entity %q: empty alias", canonicalName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if winner, held := s.holder(aliasKey{initialAlias, typeLabel}); held {
		return 0, &ConflictError{Key: initialAlias, Type: typeLabel, WinnerID: winner}
	}

	s.nextID++
	now := time.Now().UnixMilli()
	e := &CanonicalEntity{
		ID:            s.nextID,
		CanonicalName: canonicalName,
		Type:          typeLabel,
		StableKey:     StableKey(typeLabel, initialAlias),
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	s.entities[e.ID] = e
	s.addAlias(e, initialAlias)
	s.addProvenance(e, prov)
	return e.ID, nil
}

func (s *MemStore) MergeAlias(_ context.Context, entityID int64, alias string, prov []Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.live(entityID)
	if err != nil {
		return err
	}
	if alias != "" {
		s.addAlias(e, alias)
	}
	s.addProvenance(e, prov)
	e.LastSeenAt = max(time.Now().UnixMilli(), e.LastSeenAt)
	return nil
}

func (s *MemStore) addAlias(e *CanonicalEntity, alias string) {
	if e.HasAlias(alias) {
		return
	}
	e.Aliases = append(e.Aliases, alias)
	postingAdd(s.aliases, aliasKey{alias, e.Type}, e.ID)
	for _, tok := range discovery.IndexTokens(alias) {
		postingAdd(s.tokens, aliasKey{tok, e.Type}, e.ID)
	}
}

func (s *MemStore) addProvenance(e *CanonicalEntity, prov []Provenance) {
	for _, p := range prov {
		bm, ok := s.mentions[p]
		if ok && bm.Contains(uint64(e.ID)) {
			continue
		}
		if !ok {
			bm = roaring64.New()
			s.mentions[p] = bm
		}
		bm.Add(uint64(e.ID))
		e.Provenance = append(e.Provenance, p)
	}
}

func (s *MemStore) AddExternalID(_ context.Context, entityID int64, source, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.live(entityID)
	if err != nil {
		return err
	}
	ref := ExternalID{Source: source, ID: externalID}
	if owner, exists := s.external[ref]; exists {
		if owner != e.ID {
			return &ConflictError{Key: source + ":" + externalID, Type: e.Type, WinnerID: owner}
		}
		return nil
	}
	s.external[ref] = e.ID
	e.ExternalIDs = append(e.ExternalIDs, ref)
	return nil
}

func (s *MemStore) MergeEntities(_ context.Context, from, into int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.entities[from]
	if !ok {
		return fmt.Errorf("entity %d: %w", from, ErrNotFound)
	}
	if src.MergedInto != 0 {
		return fmt.Errorf("entity %d: %w into %d", from, ErrMerged, src.MergedInto)
	}
	dst, err := s.live(into)
	if err != nil {
		return err
	}
	if dst.ID == src.ID {
		return fmt.Errorf("cannot merge entity %d into itself", from)
	}

	for _, a := range src.Aliases {
		s.addAlias(dst, a)
	}
	s.addProvenance(dst, src.Provenance)
	for _, ref := range src.ExternalIDs {
		s.external[ref] = dst.ID
		dst.ExternalIDs = append(dst.ExternalIDs, ref)
	}
	src.ExternalIDs = nil

	src.MergedInto = dst.ID
	for _, e := range s.entities {
		if e.MergedInto == src.ID {
			e.MergedInto = dst.ID
		}
	}
	dst.LastSeenAt = max(time.Now().UnixMilli(), dst.LastSeenAt)
	return nil
}

// =============================================================================
// Reads
// =============================================================================

func (s *MemStore) GetEntity(_ context.Context, id int64) (*CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entities[id]; ok {
		return e.Clone(), nil
	}
	return nil, nil
}

func (s *MemStore) ListEntities(_ context.Context) ([]*CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*CanonicalEntity, 0, len(s.entities))
	for id := int64(1); id <= s.nextID; id++ {
		if e, ok := s.entities[id]; ok {
			result = append(result, e.Clone())
		}
	}
	return result, nil
}

func (s *MemStore) ResolveProvenance(_ context.Context, documentID string, mentionIDs []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64)
	for _, mid := range mentionIDs {
		bm, ok := s.mentions[Provenance{DocumentID: documentID, MentionID: mid}]
		if !ok || bm.IsEmpty() {
			continue
		}
		best := int64(0)
		for _, raw := range bm.ToArray() {
			id := int64(raw)
			if e := s.entities[id]; e.MergedInto != 0 {
				id = e.MergedInto
			}
			if best == 0 || id < best {
				best = id
			}
		}
		out[mid] = best
	}
	return out, nil
}

func (s *MemStore) HighWaterMark(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID, nil
}
