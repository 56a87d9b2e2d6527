package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/smallnest/checkpointer/checkpoint"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// columns maps indexable document fields to table columns.
var columns = map[string]bool{
	"thread_id":     true,
	"checkpoint_id": true,
	"task_id":       true,
	"idx":           true,
}

// Store is a checkpoint.Backend on a single SQLite table. Both document
// families share the table; the full document is kept as JSON text.
type Store struct {
	db *sql.DB

	mu        sync.RWMutex
	tableName string
}

var _ checkpoint.Backend = (*Store)(nil)

// Options configures a SQLite Store.
type Options struct {
	Path string
	// TableName overrides the container name from the saver's ContainerSpec.
	TableName string
	// BusyTimeoutMillis makes SQLite wait for locks before reporting
	// SQLITE_BUSY.
	BusyTimeoutMillis int
}

// New opens the database at opts.Path. The table is created by
// CreateIfNotExists.
func New(opts Options) (*Store, error) {
	if opts.TableName != "" && !identPattern.MatchString(opts.TableName) {
		return nil, fmt.Errorf("invalid table name %q", opts.TableName)
	}
	dsn := opts.Path
	if opts.BusyTimeoutMillis > 0 {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = fmt.Sprintf("%s%s_busy_timeout=%d", dsn, sep, opts.BusyTimeoutMillis)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	return &Store{db: db, tableName: opts.TableName}, nil
}

// NewWithDB wraps an open database.
func NewWithDB(db *sql.DB, tableName string) *Store {
	return &Store{db: db, tableName: tableName}
}

func (s *Store) table() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tableName == "" {
		return checkpoint.DefaultContainer
	}
	return s.tableName
}

// CreateIfNotExists creates the table and the indexes derived from the
// composite indexes of spec.IndexingPolicy.
func (s *Store) CreateIfNotExists(ctx context.Context, spec checkpoint.ContainerSpec) error {
	s.mu.Lock()
	if s.tableName == "" {
		s.tableName = spec.Container
	}
	table := s.tableName
	s.mu.Unlock()

	if !identPattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}

	stmts := []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			idx INTEGER NOT NULL DEFAULT 0,
			doc TEXT NOT NULL,
			PRIMARY KEY (thread_id, id)
		)`, table)}
	for _, cols := range spec.IndexingPolicy.CompositeColumns() {
		if stmt, ok := indexDDL(table, cols); ok {
			stmts = append(stmts, stmt)
		}
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify("create schema", err)
		}
	}
	return nil
}

func indexDDL(table string, cols []checkpoint.IndexColumn) (string, bool) {
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
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
		table, strings.Join(names, "_"), table, strings.Join(defs, ", ")), true
}

// UpsertItem inserts doc or replaces the row with the same (thread_id, id).
func (s *Store) UpsertItem(ctx context.Context, doc *checkpoint.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, id, kind, checkpoint_id, task_id, idx, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, id) DO UPDATE SET
			kind = excluded.kind,
			checkpoint_id = excluded.checkpoint_id,
			task_id = excluded.task_id,
			idx = excluded.idx,
			doc = excluded.doc
	`, s.table())

	_, err = s.db.ExecContext(ctx, query,
		doc.ThreadID,
		doc.ID,
		doc.Kind().String(),
		doc.CheckpointID,
		doc.TaskID,
		doc.Idx,
		string(data),
	)
	if err != nil {
		return classify("upsert document", err)
	}
	return nil
}

// BuildQuery renders q as a SQLite statement with positional parameters.
func BuildQuery(table string, q checkpoint.Query) (string, []any, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT doc FROM %s WHERE kind = ?", table)
	args := []any{q.Kind.String()}

	if q.ThreadID != "" {
		sb.WriteString(" AND thread_id = ?")
		args = append(args, q.ThreadID)
	}
	if q.CheckpointID != "" {
		sb.WriteString(" AND checkpoint_id = ?")
		args = append(args, q.CheckpointID)
	}
	if q.Kind == checkpoint.KindCheckpoint {
		if q.Before != "" {
			sb.WriteString(" AND checkpoint_id < ?")
			args = append(args, q.Before)
		}
		for _, key := range q.MetadataKeys() {
			pred, predArgs, err := metadataPredicate("$.metadata."+key, q.Metadata[key])
			if err != nil {
				return "", nil, fmt.Errorf("failed to marshal filter %q: %w", key, err)
			}
			sb.WriteString(pred)
			args = append(args, predArgs...)
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

// metadataPredicate matches a metadata field by JSON type and value.
// json_extract maps true to 1 and null to NULL, so the type is checked
// first and null and booleans are matched by type alone. Encoded metadata is
// a JSON string, so the path lookup has no type and nothing matches.
func metadataPredicate(path string, want any) (string, []any, error) {
	norm, err := checkpoint.NormalizeJSON(want)
	if err != nil {
		return "", nil, err
	}
	switch v := norm.(type) {
	case nil:
		return " AND json_type(doc, ?) = 'null'", []any{path}, nil
	case bool:
		if v {
			return " AND json_type(doc, ?) = 'true'", []any{path}, nil
		}
		return " AND json_type(doc, ?) = 'false'", []any{path}, nil
	}

	value, err := json.Marshal(norm)
	if err != nil {
		return "", nil, err
	}
	types := "'text'"
	switch norm.(type) {
	case float64:
		types = "'integer', 'real'"
	case []any:
		types = "'array'"
	case map[string]any:
		types = "'object'"
	}
	pred := fmt.Sprintf(" AND json_type(doc, ?) IN (%s) AND json_extract(doc, ?) = json_extract(?, '$')", types)
	return pred, []any{path, path, string(value)}, nil
}

// QueryItems returns all matching documents as one page.
func (s *Store) QueryItems(q checkpoint.Query) checkpoint.Pager {
	return checkpoint.PageFunc(func(ctx context.Context) ([]*checkpoint.Document, error) {
		return s.query(ctx, q)
	})
}

func (s *Store) query(ctx context.Context, q checkpoint.Query) ([]*checkpoint.Document, error) {
	query, args, err := BuildQuery(s.table(), q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query documents", err)
	}
	defer rows.Close()

	var docs []*checkpoint.Document
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		var doc checkpoint.Document
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document: %w", err)
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate document rows", err)
	}
	return docs, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify marks SQLITE_BUSY and SQLITE_LOCKED as transient.
func classify(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return checkpoint.Unavailable(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
