package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/checkpointer/checkpoint"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// SQLSTATE codes that are expected to clear on retry.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"55P03": true, // lock_not_available
	"57P03": true, // cannot_connect_now
}

var columns = map[string]bool{
	"thread_id":     true,
	"checkpoint_id": true,
	"task_id":       true,
	"idx":           true,
}

// Store is a checkpoint.Backend on one PostgreSQL table. The saver's database
// name becomes a schema and its container name the table.
type Store struct {
	pool DBPool

	mu     sync.RWMutex
	schema string
	table  string
}

var _ checkpoint.Backend = (*Store)(nil)

// Options configuration for Postgres connection
type Options struct {
	ConnString string
	// Schema overrides the database name from the saver's ContainerSpec.
	Schema string
	// TableName overrides the container name.
	TableName string
}

// New creates a new Postgres store with its own connection pool.
func New(ctx context.Context, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewWithPool(pool, opts), nil
}

// NewWithPool creates a store on an existing pool.
// Useful for testing with mocks
func NewWithPool(pool DBPool, opts Options) *Store {
	return &Store{
		pool:   pool,
		schema: opts.Schema,
		table:  opts.TableName,
	}
}

func (s *Store) names() (schema, table string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, table = s.schema, s.table
	if schema == "" {
		schema = checkpoint.DefaultDatabase
	}
	if table == "" {
		table = checkpoint.DefaultContainer
	}
	return schema, table
}

func (s *Store) qualified() string {
	schema, table := s.names()
	return pgx.Identifier{schema, table}.Sanitize()
}

// CreateIfNotExists creates the schema, the table and the indexes derived
// from the composite indexes of spec.IndexingPolicy.
func (s *Store) CreateIfNotExists(ctx context.Context, spec checkpoint.ContainerSpec) error {
	s.mu.Lock()
	if s.schema == "" {
		s.schema = spec.Database
	}
	if s.table == "" {
		s.table = spec.Container
	}
	s.mu.Unlock()

	schema, table := s.names()
	qualified := pgx.Identifier{schema, table}.Sanitize()

	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT COLLATE "C" NOT NULL,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			checkpoint_id TEXT COLLATE "C" NOT NULL,
			task_id TEXT COLLATE "C" NOT NULL DEFAULT '',
			idx INTEGER NOT NULL DEFAULT 0,
			doc JSONB NOT NULL,
			PRIMARY KEY (thread_id, id)
		)`, qualified),
	}
	for _, cols := range spec.IndexingPolicy.CompositeColumns() {
		if stmt, ok := indexDDL(table, qualified, cols); ok {
			stmts = append(stmts, stmt)
		}
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classify("create schema", err)
		}
	}
	return nil
}

func indexDDL(table, qualified string, cols []checkpoint.IndexColumn) (string, bool) {
	names := make([]string, 0, len(cols))
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		if !columns[c.Name] {
			return "", false
		}
		names = append(names, c.Name)
		def := c.Name
		if c.Descending {
			def += " DESC"
		}
		defs = append(defs, def)
	}
	name := pgx.Identifier{fmt.Sprintf("idx_%s_%s", table, strings.Join(names, "_"))}.Sanitize()
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, qualified, strings.Join(defs, ", ")), true
}

// UpsertItem inserts doc or replaces the row with the same (thread_id, id).
func (s *Store) UpsertItem(ctx context.Context, doc *checkpoint.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, id, kind, checkpoint_id, task_id, idx, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_id, id) DO UPDATE SET
			kind = EXCLUDED.kind,
			checkpoint_id = EXCLUDED.checkpoint_id,
			task_id = EXCLUDED.task_id,
			idx = EXCLUDED.idx,
			doc = EXCLUDED.doc
	`, s.qualified())

	_, err = s.pool.Exec(ctx, query,
		doc.ThreadID,
		doc.ID,
		doc.Kind().String(),
		doc.CheckpointID,
		doc.TaskID,
		doc.Idx,
		data,
	)
	if err != nil {
		return classify("upsert document", err)
	}
	return nil
}

// BuildQuery renders q as a PostgreSQL statement with numbered parameters.
func BuildQuery(qualified string, q checkpoint.Query) (string, []any, error) {
	var sb strings.Builder
	args := []any{q.Kind.String()}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	fmt.Fprintf(&sb, "SELECT doc FROM %s WHERE kind = $1", qualified)
	if q.ThreadID != "" {
		fmt.Fprintf(&sb, " AND thread_id = %s", next(q.ThreadID))
	}
	if q.CheckpointID != "" {
		fmt.Fprintf(&sb, " AND checkpoint_id = %s", next(q.CheckpointID))
	}
	if q.Kind == checkpoint.KindCheckpoint {
		if q.Before != "" {
			fmt.Fprintf(&sb, " AND checkpoint_id < %s", next(q.Before))
		}
		for _, key := range q.MetadataKeys() {
			value, err := json.Marshal(q.Metadata[key])
			if err != nil {
				return "", nil, fmt.Errorf("failed to marshal filter %q: %w", key, err)
			}
			keyParam := next(key)
			fmt.Fprintf(&sb, " AND doc->'metadata'->%s::text = %s::jsonb", keyParam, next(string(value)))
		}
		sb.WriteString(" ORDER BY checkpoint_id DESC, thread_id ASC")
	} else {
		sb.WriteString(" ORDER BY task_id ASC, idx ASC")
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	return sb.String(), args, nil
}

// QueryItems returns all matching documents as one page.
func (s *Store) QueryItems(q checkpoint.Query) checkpoint.Pager {
	return checkpoint.PageFunc(func(ctx context.Context) ([]*checkpoint.Document, error) {
		return s.query(ctx, q)
	})
}

func (s *Store) query(ctx context.Context, q checkpoint.Query) ([]*checkpoint.Document, error) {
	query, args, err := BuildQuery(s.qualified(), q)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query documents", err)
	}
	defer rows.Close()

	var docs []*checkpoint.Document
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		var doc checkpoint.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document: %w", err)
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate document rows", err)
	}
	return docs, nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && transientCodes[pgErr.Code] {
		return checkpoint.Unavailable(op, err)
	}
	if pgconn.Timeout(err) {
		return checkpoint.Unavailable(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
