package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/GoCodeAlone/baton/storage"
	"github.com/google/uuid"
)

// Catalog is a SQLite-backed Assistant. Lookups return exact signature
// matches first, then full-text matches ranked by BM25.
type Catalog struct {
	db    *sql.DB
	now   func() time.Time
	limit int
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS solutions (
	id         TEXT PRIMARY KEY,
	signature  TEXT NOT NULL,
	summary    TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
)`

const catalogIndex = `CREATE INDEX IF NOT EXISTS idx_solutions_signature ON solutions(signature)`

// The FTS table is populated explicitly in Save.
const catalogFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS solutions_fts USING fts5(
	id UNINDEXED,
	signature,
	summary,
	detail
)`

const solutionColumns = `id, signature, summary, detail, source, created_at`

// NewCatalog creates the solution tables on db.
func NewCatalog(db *sql.DB) (*Catalog, error) {
	if err := storage.Migrate(context.Background(), db, catalogSchema, catalogIndex, catalogFTS); err != nil {
		return nil, fmt.Errorf("create solution catalog: %w", err)
	}
	return &Catalog{db: db, now: time.Now, limit: 5}, nil
}

// Save stores a solution. An empty ID is assigned a UUID.
func (c *Catalog) Save(ctx context.Context, s Solution) (*Solution, error) {
	if s.Signature == "" || s.Summary == "" {
		return nil, errors.New("solution requires signature and summary")
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = c.now().UTC()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save solution: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO solutions (`+solutionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Signature, s.Summary, s.Detail, s.Source, storage.Nanos(s.CreatedAt)); err != nil {
		return nil, fmt.Errorf("save solution: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO solutions_fts (id, signature, summary, detail) VALUES (?, ?, ?, ?)`,
		s.ID, s.Signature, s.Summary, s.Detail); err != nil {
		return nil, fmt.Errorf("index solution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit solution: %w", err)
	}
	return &s, nil
}

// Lookup implements Assistant.
func (c *Catalog) Lookup(ctx context.Context, signature string) ([]Solution, error) {
	out, err := c.query(ctx, `SELECT `+solutionColumns+` FROM solutions WHERE signature = ?
		ORDER BY created_at DESC LIMIT ?`, signature, c.limit)
	if err != nil {
		return nil, err
	}
	if len(out) >= c.limit {
		return out, nil
	}

	q := ftsQuery(signature)
	if q == "" {
		return out, nil
	}
	ids, err := c.rankedIDs(ctx, q)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(out))
	for _, s := range out {
		seen[s.ID] = true
	}
	for _, id := range ids {
		if seen[id] || len(out) >= c.limit {
			continue
		}
		more, err := c.query(ctx, `SELECT `+solutionColumns+` FROM solutions WHERE id = ?`, id)
		if err != nil {
			return nil, err
		}
		out = append(out, more...)
	}
	return out, nil
}

func (c *Catalog) rankedIDs(ctx context.Context, q string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM solutions_fts WHERE solutions_fts MATCH ? ORDER BY bm25(solutions_fts) ASC LIMIT ?`,
		q, c.limit*2)
	if err != nil {
		return nil, fmt.Errorf("search solutions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan solution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *Catalog) query(ctx context.Context, q string, args ...any) ([]Solution, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup solutions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Solution
	for rows.Next() {
		var s Solution
		var created int64
		if err := rows.Scan(&s.ID, &s.Signature, &s.Summary, &s.Detail, &s.Source, &created); err != nil {
			return nil, fmt.Errorf("scan solution: %w", err)
		}
		s.CreatedAt = storage.Time(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ftsQuery turns a signature into an OR of quoted terms. Placeholders such as
// <n> and very short words are dropped.
func ftsQuery(signature string) string {
	words := strings.FieldsFunc(strings.ToLower(signature), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := map[string]bool{"hex": true, "id": true}
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}
