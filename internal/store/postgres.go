package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// OpenPostgres connects to dsn with the lib/pq driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// PostgresCollection keeps documents as JSONB next to an explicit version column.
type PostgresCollection[T any, PT RecordPtr[T]] struct {
	db       *sql.DB
	table    string
	attempts int
}

// NewPostgresCollection ensures table exists and returns a collection over it.
func NewPostgresCollection[T any, PT RecordPtr[T]](ctx context.Context, db *sql.DB, table string, attempts int) (*PostgresCollection[T, PT], error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id text PRIMARY KEY,
  version bigint NOT NULL,
  body jsonb NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, pgErr("create table "+table, err)
	}
	return &PostgresCollection[T, PT]{db: db, table: table, attempts: attempts}, nil
}

func pgErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func (c *PostgresCollection[T, PT]) decode(version int64, body []byte) (*T, error) {
	doc := new(T)
	if err := json.Unmarshal(body, doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	PT(doc).SetVersion(version)
	return doc, nil
}

func (c *PostgresCollection[T, PT]) Get(ctx context.Context, id string) (*T, error) {
	var (
		version int64
		body    []byte
	)
	err := c.db.QueryRowContext(ctx, `SELECT version, body FROM `+c.table+` WHERE id=$1`, id).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, pgErr("get "+id, err)
	}
	return c.decode(version, body)
}

func (c *PostgresCollection[T, PT]) Create(ctx context.Context, doc *T) (string, error) {
	p := PT(doc)
	if p.GetID() == "" {
		p.SetID(uuid.NewString())
	}
	p.SetVersion(1)
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO `+c.table+` (id, version, body) VALUES ($1, 1, $2) ON CONFLICT (id) DO NOTHING`,
		p.GetID(), body)
	if err != nil {
		return "", pgErr("create "+p.GetID(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("create %s: %w", p.GetID(), ErrConflict)
	}
	return p.GetID(), nil
}

func (c *PostgresCollection[T, PT]) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutation[T]) (*T, error) {
	doc, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if PT(doc).GetVersion() != expectedVersion {
		return nil, fmt.Errorf("update %s at version %d: %w", id, expectedVersion, ErrConflict)
	}
	changed, err := apply[T, PT](doc, mutate)
	if err != nil {
		return nil, err
	}
	if !changed {
		return doc, nil
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", id, err)
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE `+c.table+` SET body=$1, version=$2 WHERE id=$3 AND version=$4`,
		body, PT(doc).GetVersion(), id, expectedVersion)
	if err != nil {
		return nil, pgErr("update "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("update %s at version %d: %w", id, expectedVersion, ErrConflict)
	}
	return doc, nil
}

func (c *PostgresCollection[T, PT]) UpdateByFilter(ctx context.Context, f Filter, mutate Mutation[T]) (int, error) {
	matches, err := c.query(ctx, f, 0)
	if err != nil {
		return 0, err
	}
	return updateMatching[T, PT](ctx, c, matches, f, c.attempts, mutate)
}

func (c *PostgresCollection[T, PT]) QueryOne(ctx context.Context, f Filter) (*T, error) {
	matches, err := c.query(ctx, f, 1)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return matches[0], nil
}

func (c *PostgresCollection[T, PT]) query(ctx context.Context, f Filter, limit int) ([]*T, error) {
	if f.empty() {
		return nil, nil
	}
	where, args, err := whereClause(f)
	if err != nil {
		return nil, err
	}
	q := `SELECT version, body FROM ` + c.table + where + ` ORDER BY created_at, id`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pgErr("query "+c.table, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var (
			version int64
			body    []byte
		)
		if err := rows.Scan(&version, &body); err != nil {
			return nil, pgErr("scan "+c.table, err)
		}
		doc, err := c.decode(version, body)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("query "+c.table, err)
	}
	return out, nil
}

// whereClause renders f against the JSONB body, e.g.
// " WHERE body->>'req_id' = ANY($1) AND body->>'status' = ANY($2)".
func whereClause(f Filter) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(f))
	args := make([]any, 0, len(f))
	for i, cond := range f {
		if !identRe.MatchString(cond.Field) {
			return "", nil, fmt.Errorf("invalid filter field %q", cond.Field)
		}
		parts = append(parts, fmt.Sprintf("body->>'%s' = ANY($%d)", cond.Field, i+1))
		args = append(args, pq.Array(cond.Values))
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}
