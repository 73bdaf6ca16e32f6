// Package postgres implements the store interface for PostgreSQL. All kinds share one documents table with the
// entity encoded as jsonb.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/tarancss/scc/lib/store"
)

// unique_violation
const codeUniqueViolation = "23505"

const schema = `CREATE TABLE IF NOT EXISTS documents (
	kind       TEXT NOT NULL,
	id         TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT '',
	parties    TEXT[] NOT NULL DEFAULT '{}',
	ref        TEXT NOT NULL DEFAULT '',
	doc        JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS documents_status ON documents (kind, status);
CREATE INDEX IF NOT EXISTS documents_ref ON documents (kind, ref);
CREATE INDEX IF NOT EXISTS documents_parties ON documents USING GIN (parties);`

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and creates the documents
// table if needed.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("cannot create schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close will close any database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// doc returns the value stored in the jsonb column. Index records carry no document.
func doc(rec store.Record) interface{} {
	if len(rec.Doc) == 0 {
		return nil
	}

	return string(rec.Doc)
}

// Put inserts or replaces the record.
func (p *Postgres) Put(ctx context.Context, rec store.Record) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO documents (kind, id, status, parties, ref, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kind, id) DO UPDATE SET status = EXCLUDED.status, parties = EXCLUDED.parties,
		ref = EXCLUDED.ref, doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		rec.Kind, rec.ID, rec.Status, pq.Array(rec.Parties), rec.Ref, doc(rec), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("could not save %s %s in db: %w", rec.Kind, rec.ID, err)
	}

	return nil
}

// Insert stores the record if no row with its kind and id exists.
func (p *Postgres) Insert(ctx context.Context, rec store.Record) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO documents (kind, id, status, parties, ref, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Kind, rec.ID, rec.Status, pq.Array(rec.Parties), rec.Ref, doc(rec), rec.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation {
		return store.ErrDuplicate
	}

	if err != nil {
		return fmt.Errorf("could not insert %s %s in db: %w", rec.Kind, rec.ID, err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(s scanner, kind string) (store.Record, error) {
	rec := store.Record{Kind: kind}

	var body sql.NullString
	if err := s.Scan(&rec.ID, &rec.Status, pq.Array(&rec.Parties), &rec.Ref, &body, &rec.UpdatedAt); err != nil {
		return rec, err
	}

	if body.Valid {
		rec.Doc = []byte(body.String)
	}

	return rec, nil
}

// Get returns the record.
func (p *Postgres) Get(ctx context.Context, kind, id string) (store.Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, status, parties, ref, doc, updated_at FROM documents WHERE kind = $1 AND id = $2`, kind, id)

	rec, err := scan(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, store.ErrNotFound
	}

	return rec, err
}

// List returns the matching records ordered by id.
func (p *Postgres) List(ctx context.Context, kind string, f store.Filter) ([]store.Record, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, status, parties, ref, doc, updated_at FROM documents WHERE kind = $1`)

	args := []interface{}{kind}
	add := func(cond, v string) {
		args = append(args, v)
		query.WriteString(" AND " + strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if f.Status != "" {
		add("status = ?", f.Status)
	}

	if f.Party != "" {
		add("? = ANY(parties)", f.Party)
	}

	if f.Ref != "" {
		add("ref = ?", f.Ref)
	}

	query.WriteString(" ORDER BY id")

	rows, err := p.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", kind, err)
	}
	defer rows.Close()

	recs := []store.Record{}

	for rows.Next() {
		rec, err := scan(rows, kind)
		if err != nil {
			return nil, err
		}

		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

// Delete removes the record.
func (p *Postgres) Delete(ctx context.Context, kind, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM documents WHERE kind = $1 AND id = $2`, kind, id); err != nil {
		return fmt.Errorf("could not delete %s %s from db: %w", kind, id, err)
	}

	return nil
}

// Swap replaces the record only while its stored status is oldStatus.
func (p *Postgres) Swap(ctx context.Context, rec store.Record, oldStatus string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE documents SET status = $3, parties = $4, ref = $5, doc = $6, updated_at = $7
		WHERE kind = $1 AND id = $2 AND status = $8`,
		rec.Kind, rec.ID, rec.Status, pq.Array(rec.Parties), rec.Ref, doc(rec), rec.UpdatedAt, oldStatus)
	if err != nil {
		return fmt.Errorf("could not update %s %s in db: %w", rec.Kind, rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 1 {
		return nil
	}

	if _, err = p.Get(ctx, rec.Kind, rec.ID); err != nil {
		return err
	}

	return store.ErrConflict
}
