package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kittclouds/kittlink/pkg/scanner/discovery"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore is the durable Registry.
// Concurrent writers are serialized by SQLite itself (immediate transactions,
// busy timeout). Canonical keys are unique in the schema; CreateEntity also
// refuses an (alias, type) pair that any live entity already holds.
type SQLiteStore struct {
	db *sql.DB
}

// schema defines the registry tables. Ids come from AUTOINCREMENT so they
// are never reused, even across restarts.
const schema = `
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    canonical_name TEXT NOT NULL,
    type_label TEXT NOT NULL,
    canonical_key TEXT NOT NULL,
    stable_key TEXT NOT NULL,
    merged_into INTEGER,
    created_at INTEGER NOT NULL,
    last_seen_at INTEGER NOT NULL,
    UNIQUE (canonical_key, type_label)
);

CREATE TABLE IF NOT EXISTS aliases (
    entity_id INTEGER NOT NULL,
    alias TEXT NOT NULL,
    type_label TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (entity_id, alias)
);

CREATE INDEX IF NOT EXISTS idx_aliases_lookup ON aliases(alias, type_label);

-- Near-exact blocking: non-stopword tokens of every alias
CREATE TABLE IF NOT EXISTS alias_tokens (
    token TEXT NOT NULL,
    type_label TEXT NOT NULL,
    entity_id INTEGER NOT NULL,
    UNIQUE (token, type_label, entity_id)
);

CREATE TABLE IF NOT EXISTS provenance (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_id INTEGER NOT NULL,
    document_id TEXT NOT NULL,
    mention_id TEXT NOT NULL,
    UNIQUE (entity_id, document_id, mention_id)
);

CREATE INDEX IF NOT EXISTS idx_provenance_mention ON provenance(document_id, mention_id);

CREATE TABLE IF NOT EXISTS external_ids (
    entity_id INTEGER NOT NULL,
    source TEXT NOT NULL,
    external_id TEXT NOT NULL,
    UNIQUE (source, external_id)
);

CREATE INDEX IF NOT EXISTS idx_external_entity ON external_ids(entity_id);
`

// NewSQLiteStore creates a new in-memory SQLite store.
func NewSQLiteStore() (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:")
}

// OpenSQLiteStore opens (or creates) a registry file with WAL journaling,
// a busy timeout and immediate write transactions.
func OpenSQLiteStore(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)",
		filepath.ToSlash(path), busyTimeout.Milliseconds())
	return NewSQLiteStoreWithDSN(dsn)
}

// NewSQLiteStoreWithDSN creates a store with a specific data source name.
// Use ":memory:" for in-memory or a file DSN for persistent storage.
func NewSQLiteStoreWithDSN(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w: %w", ErrUnavailable, err)
	}
	if strings.Contains(dsn, ":memory:") {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w: %w", ErrUnavailable, err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// classify maps driver errors onto the registry error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		switch {
		case serr.ExtendedCode() == sqlite3.CONSTRAINT_UNIQUE, serr.ExtendedCode() == sqlite3.CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
		case serr.Code() == sqlite3.BUSY, serr.Code() == sqlite3.LOCKED:
			return fmt.Errorf("%s: %w: %w", op, ErrBusy, err)
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a write transaction and commits it.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return classify(op, tx.Commit())
}

// liveEntity resolves id through its merge pointer. Returns (id, type).
func liveEntity(ctx context.Context, q querier, id int64) (int64, string, error) {
	var mergedInto sql.NullInt64
	var typeLabel string
	err := q.QueryRowContext(ctx, `SELECT merged_into, type_label FROM entities WHERE id = ?`, id).Scan(&mergedInto, &typeLabel)
	if err == sql.ErrNoRows {
		return 0, "", fmt.Errorf("entity %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, "", classify("resolve entity", err)
	}
	if mergedInto.Valid {
		return liveEntity(ctx, q, mergedInto.Int64)
	}
	return id, typeLabel, nil
}

// =============================================================================
// Lookup
// =============================================================================

func (s *SQLiteStore) LookupCandidates(ctx context.Context, alias, typeLabel string) ([]int64, error) {
	inner := `SELECT entity_id FROM aliases WHERE alias = ? AND type_label = ?`
	args := []any{alias, typeLabel}

	if tokens := discovery.IndexTokens(alias); len(tokens) > 0 {
		inner += ` UNION SELECT entity_id FROM alias_tokens WHERE type_label = ? AND token IN (?` +
			strings.Repeat(",?", len(tokens)-1) + `)`
		args = append(args, typeLabel)
		for _, tok := range tokens {
			args = append(args, tok)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT COALESCE(e.merged_into, e.id) AS cid
		FROM entities e
		WHERE e.id IN (`+inner+`)
		ORDER BY cid
	`, args...)
	if err != nil {
		return nil, classify("lookup candidates", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify("lookup candidates", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("lookup candidates", rows.Err())
}

// =============================================================================
// Writes
// =============================================================================

func (s *SQLiteStore) CreateEntity(ctx context.Context, canonicalName, typeLabel, initialAlias string, prov []Provenance) (int64, error) {
	if initialAlias == "" {
		return 0, fmt.Errorf("create entity %q: empty alias", canonicalName)
	}

	var id int64
	err := s.withTx(ctx, "create entity", func(tx *sql.Tx) error {
		// any live holder wins, including one that got the alias through MergeAlias
		var holder sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MIN(COALESCE(e.merged_into, e.id))
			FROM aliases a JOIN entities e ON e.id = a.entity_id
			WHERE a.alias = ? AND a.type_label = ?
		`, initialAlias, typeLabel).Scan(&holder); err != nil {
			return classify("create entity", err)
		}
		if holder.Valid {
			return &ConflictError{Key: initialAlias, Type: typeLabel, WinnerID: holder.Int64}
		}

		now := time.Now().UnixMilli()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO entities (canonical_name, type_label, canonical_key, stable_key, created_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, canonicalName, typeLabel, initialAlias, StableKey(typeLabel, initialAlias), now, now)
		if err != nil {
			return classify("create entity", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return classify("create entity", err)
		}
		if err := insertAlias(ctx, tx, id, initialAlias, typeLabel, now); err != nil {
			return err
		}
		return insertProvenance(ctx, tx, id, prov)
	})

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return 0, conflict
	}
	if errors.Is(err, ErrConflict) {
		var winner int64
		if qerr := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(merged_into, id) FROM entities WHERE canonical_key = ? AND type_label = ?`,
			initialAlias, typeLabel).Scan(&winner); qerr != nil {
			return 0, classify("find conflict winner", qerr)
		}
		return 0, &ConflictError{Key: initialAlias, Type: typeLabel, WinnerID: winner}
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) MergeAlias(ctx context.Context, entityID int64, alias string, prov []Provenance) error {
	return s.withTx(ctx, "merge alias", func(tx *sql.Tx) error {
		id, typeLabel, err := liveEntity(ctx, tx, entityID)
		if err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		if alias != "" {
			if err := insertAlias(ctx, tx, id, alias, typeLabel, now); err != nil {
				return err
			}
		}
		if err := insertProvenance(ctx, tx, id, prov); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE entities SET last_seen_at = MAX(last_seen_at, ?) WHERE id = ?`, now, id)
		return classify("merge alias", err)
	})
}

func insertAlias(ctx context.Context, tx *sql.Tx, id int64, alias, typeLabel string, now int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO aliases (entity_id, alias, type_label, created_at) VALUES (?, ?, ?, ?)
	`, id, alias, typeLabel, now); err != nil {
		return classify("insert alias", err)
	}
	for _, tok := range discovery.IndexTokens(alias) {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO alias_tokens (token, type_label, entity_id) VALUES (?, ?, ?)
		`, tok, typeLabel, id); err != nil {
			return classify("insert alias token", err)
		}
	}
	return nil
}

func insertProvenance(ctx context.Context, tx *sql.Tx, id int64, prov []Provenance) error {
	for _, p := range prov {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO provenance (entity_id, document_id, mention_id) VALUES (?, ?, ?)
		`, id, p.DocumentID, p.MentionID); err != nil {
			return classify("insert provenance", err)
		}
	}
	return nil
}

func (s *SQLiteStore) AddExternalID(ctx context.Context, entityID int64, source, externalID string) error {
	return s.withTx(ctx, "add external id", func(tx *sql.Tx) error {
		id, typeLabel, err := liveEntity(ctx, tx, entityID)
		if err != nil {
			return err
		}
		var owner int64
		err = tx.QueryRowContext(ctx, `SELECT entity_id FROM external_ids WHERE source = ? AND external_id = ?`,
			source, externalID).Scan(&owner)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `INSERT INTO external_ids (entity_id, source, external_id) VALUES (?, ?, ?)`,
				id, source, externalID)
			return classify("add external id", err)
		case err != nil:
			return classify("add external id", err)
		case owner != id:
			return &ConflictError{Key: source + ":" + externalID, Type: typeLabel, WinnerID: owner}
		}
		return nil
	})
}

func (s *SQLiteStore) MergeEntities(ctx context.Context, from, into int64) error {
	return s.withTx(ctx, "merge entities", func(tx *sql.Tx) error {
		var mergedInto sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT merged_into FROM entities WHERE id = ?`, from).Scan(&mergedInto)
		if err == sql.ErrNoRows {
			return fmt.Errorf("entity %d: %w", from, ErrNotFound)
		}
		if err != nil {
			return classify("merge entities", err)
		}
		if mergedInto.Valid {
			return fmt.Errorf("entity %d: %w into %d", from, ErrMerged, mergedInto.Int64)
		}

		dst, dstType, err := liveEntity(ctx, tx, into)
		if err != nil {
			return err
		}
		if dst == from {
			return fmt.Errorf("cannot merge entity %d into itself", from)
		}

		now := time.Now().UnixMilli()
		steps := []struct {
			query string
			args  []any
		}{
			{`INSERT OR IGNORE INTO aliases (entity_id, alias, type_label, created_at)
				SELECT ?, alias, ?, ? FROM aliases WHERE entity_id = ? ORDER BY rowid`, []any{dst, dstType, now, from}},
			{`INSERT OR IGNORE INTO alias_tokens (token, type_label, entity_id)
				SELECT token, ?, ? FROM alias_tokens WHERE entity_id = ?`, []any{dstType, dst, from}},
			{`INSERT OR IGNORE INTO provenance (entity_id, document_id, mention_id)
				SELECT ?, document_id, mention_id FROM provenance WHERE entity_id = ? ORDER BY seq`, []any{dst, from}},
			{`UPDATE external_ids SET entity_id = ? WHERE entity_id = ?`, []any{dst, from}},
			{`UPDATE entities SET merged_into = ? WHERE id = ? OR merged_into = ?`, []any{dst, from, from}},
			{`UPDATE entities SET last_seen_at = MAX(last_seen_at, ?) WHERE id = ?`, []any{now, dst}},
		}
		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
				return classify("merge entities", err)
			}
		}
		return nil
	})
}

// =============================================================================
// Reads
// =============================================================================

func (s *SQLiteStore) GetEntity(ctx context.Context, id int64) (*CanonicalEntity, error) {
	e := &CanonicalEntity{}
	var mergedInto sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_name, type_label, stable_key, merged_into, created_at, last_seen_at
		FROM entities WHERE id = ?
	`, id).Scan(&e.ID, &e.CanonicalName, &e.Type, &e.StableKey, &mergedInto, &e.CreatedAt, &e.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get entity", err)
	}
	e.MergedInto = mergedInto.Int64

	if e.Aliases, err = s.listAliases(ctx, id); err != nil {
		return nil, err
	}
	if e.Provenance, err = s.listProvenance(ctx, id); err != nil {
		return nil, err
	}
	if e.ExternalIDs, err = s.listExternalIDs(ctx, id); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) listAliases(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias FROM aliases WHERE entity_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, classify("list aliases", err)
	}
	defer rows.Close()

	aliases := []string{}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, classify("list aliases", err)
		}
		aliases = append(aliases, a)
	}
	return aliases, classify("list aliases", rows.Err())
}

func (s *SQLiteStore) listProvenance(ctx context.Context, id int64) ([]Provenance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document_id, mention_id FROM provenance WHERE entity_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, classify("list provenance", err)
	}
	defer rows.Close()

	prov := []Provenance{}
	for rows.Next() {
		var p Provenance
		if err := rows.Scan(&p.DocumentID, &p.MentionID); err != nil {
			return nil, classify("list provenance", err)
		}
		prov = append(prov, p)
	}
	return prov, classify("list provenance", rows.Err())
}

func (s *SQLiteStore) listExternalIDs(ctx context.Context, id int64) ([]ExternalID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, external_id FROM external_ids WHERE entity_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, classify("list external ids", err)
	}
	defer rows.Close()

	var refs []ExternalID
	for rows.Next() {
		var ref ExternalID
		if err := rows.Scan(&ref.Source, &ref.ID); err != nil {
			return nil, classify("list external ids", err)
		}
		refs = append(refs, ref)
	}
	return refs, classify("list external ids", rows.Err())
}

func (s *SQLiteStore) ListEntities(ctx context.Context) ([]*CanonicalEntity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM entities ORDER BY id`)
	if err != nil {
		return nil, classify("list entities", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, classify("list entities", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("list entities", err)
	}

	result := make([]*CanonicalEntity, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

func (s *SQLiteStore) ResolveProvenance(ctx context.Context, documentID string, mentionIDs []string) (map[string]int64, error) {
	wanted := make(map[string]bool, len(mentionIDs))
	for _, id := range mentionIDs {
		wanted[id] = true
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.mention_id, MIN(COALESCE(e.merged_into, e.id))
		FROM provenance p JOIN entities e ON e.id = p.entity_id
		WHERE p.document_id = ?
		GROUP BY p.mention_id
	`, documentID)
	if err != nil {
		return nil, classify("resolve provenance", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var mid string
		var id int64
		if err := rows.Scan(&mid, &id); err != nil {
			return nil, classify("resolve provenance", err)
		}
		if wanted[mid] {
			out[mid] = id
		}
	}
	return out, classify("resolve provenance", rows.Err())
}

func (s *SQLiteStore) HighWaterMark(ctx context.Context) (int64, error) {
	var hwm int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM entities`).Scan(&hwm)
	return hwm, classify("high water mark", err)
}
