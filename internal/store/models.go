// Package store provides the canonical entity registry.
// Two backends share one contract: SQLiteStore (durable) and MemStore (tests, dry runs).
package store

import (
	"context"

	"github.com/google/uuid"
)

// Provenance names the mention that contributed to an entity.
type Provenance struct {
	DocumentID string `json:"document_id"`
	MentionID  string `json:"mention_id"`
}

// ExternalID binds an entity to an identifier in an outside catalogue.
type ExternalID struct {
	Source string `json:"source"`
	ID     string `json:"id"`
}

// CanonicalEntity is the corpus-wide record for one real-world entity.
// Entities are never deleted; an explicit merge sets MergedInto.
type CanonicalEntity struct {
	ID            int64        `json:"entity_id"`
	CanonicalName string       `json:"canonical_name"`
	Type          string       `json:"type_label"`
	StableKey     string       `json:"stable_key"`
	Aliases       []string     `json:"aliases"`    // insertion order
	Provenance    []Provenance `json:"provenance"` // insertion order
	ExternalIDs   []ExternalID `json:"external_ids,omitempty"`
	MergedInto    int64        `json:"merged_into,omitempty"`
	CreatedAt     int64        `json:"created_at"`
	LastSeenAt    int64        `json:"last_seen_at"`
}

// Clone returns a deep copy
func (e *CanonicalEntity) Clone() *CanonicalEntity {
	if e == nil {
		return nil
	}
	c := *e
	c.Aliases = append([]string(nil), e.Aliases...)
	c.Provenance = append([]Provenance(nil), e.Provenance...)
	c.ExternalIDs = append([]ExternalID(nil), e.ExternalIDs...)
	return &c
}

// HasAlias reports whether alias is already known for the entity
func (e *CanonicalEntity) HasAlias(alias string) bool {
	for _, a := range e.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}

// Registry is the contract every backend implements.
// Aliases passed in must already be normalized (see discovery.Normalize).
type Registry interface {
	// LookupCandidates returns live entity ids holding alias, or sharing one of
	// its index tokens, for the given type. Ascending by id.
	LookupCandidates(ctx context.Context, alias, typeLabel string) ([]int64, error)

	// CreateEntity allocates a fresh id. (initialAlias, typeLabel) is unique
	// across the registry; a losing writer gets a *ConflictError naming the winner.
	CreateEntity(ctx context.Context, canonicalName, typeLabel, initialAlias string, prov []Provenance) (int64, error)

	// MergeAlias adds alias (may be empty) and provenance to an entity and
	// bumps last_seen_at. Merged-away ids are redirected to their target.
	MergeAlias(ctx context.Context, entityID int64, alias string, prov []Provenance) error

	// GetEntity returns nil, nil when the id is unknown.
	GetEntity(ctx context.Context, id int64) (*CanonicalEntity, error)
	ListEntities(ctx context.Context) ([]*CanonicalEntity, error)

	// ResolveProvenance maps already-linked mentions of a document to their live entity.
	ResolveProvenance(ctx context.Context, documentID string, mentionIDs []string) (map[string]int64, error)

	AddExternalID(ctx context.Context, entityID int64, source, externalID string) error

	// MergeEntities folds from into into. Forward only.
	MergeEntities(ctx context.Context, from, into int64) error

	// HighWaterMark is the largest id ever allocated.
	HighWaterMark(ctx context.Context) (int64, error)

	Close() error
}

var stableNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kittlink://entity"))

// StableKey derives a deterministic UUIDv5 from the type and canonical alias,
// so the same key is produced by every registry instance.
func StableKey(typeLabel, alias string) string {
	return uuid.NewSHA1(stableNamespace, []byte(typeLabel+"|"+alias)).String()
}
