package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SqliteRepo is a generic SQLite-backed repository. It plays the same role
// the teacher's Neo4jRepo played for graph nodes, adapted to relational rows:
// a single table, a toRow/fromRow pair of conversion functions, and an
// injectable id column name.
type SqliteRepo[T any, ID comparable] struct {
	db       *sql.DB
	table    string
	idColumn string
	columns  []string
	toRow    func(T) map[string]any
	fromRow  func(scan func(dest ...any) error, columns []string) (T, error)
}

// SqliteOption configures a SqliteRepo.
type SqliteOption[T any, ID comparable] func(*SqliteRepo[T, ID])

// WithSqliteIDColumn overrides the default "id" id column.
func WithSqliteIDColumn[T any, ID comparable](col string) SqliteOption[T, ID] {
	return func(r *SqliteRepo[T, ID]) { r.idColumn = col }
}

// NewSqliteRepo creates a new SQLite-backed repository over an existing
// table. columns lists every column in the order fromRow expects to scan
// them, and must include idColumn.
func NewSqliteRepo[T any, ID comparable](
	db *sql.DB,
	table string,
	columns []string,
	toRow func(T) map[string]any,
	fromRow func(scan func(dest ...any) error, columns []string) (T, error),
	opts ...SqliteOption[T, ID],
) *SqliteRepo[T, ID] {
	r := &SqliteRepo[T, ID]{
		db:       db,
		table:    table,
		idColumn: "id",
		columns:  columns,
		toRow:    toRow,
		fromRow:  fromRow,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *SqliteRepo[T, ID]) selectCols() string {
	return strings.Join(r.columns, ", ")
}

// Get fetches a single row by id.
func (r *SqliteRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var zero T
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", r.selectCols(), r.table, r.idColumn)
	row := r.db.QueryRowContext(ctx, query, id)
	item, err := r.fromRow(row.Scan, r.columns)
	if err != nil {
		return zero, fmt.Errorf("repo: get %s: %w", r.table, err)
	}
	return item, nil
}

// List returns rows matching opts.Filter (exact-match AND), paginated.
func (r *SqliteRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf("SELECT %s FROM %s", r.selectCols(), r.table)
	args := make([]any, 0, len(opts.Filter)+2)
	if len(opts.Filter) > 0 {
		clauses := make([]string, 0, len(opts.Filter))
		for k, v := range opts.Filter {
			clauses = append(clauses, fmt.Sprintf("%s = ?", k))
			args = append(args, v)
		}
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repo: list %s: %w", r.table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := r.fromRow(rows.Scan, r.columns)
		if err != nil {
			return nil, fmt.Errorf("repo: scan %s: %w", r.table, err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Create inserts a new row.
func (r *SqliteRepo[T, ID]) Create(ctx context.Context, entity T) (T, error) {
	row := r.toRow(entity)
	cols := make([]string, 0, len(row))
	placeholders := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for _, c := range r.columns {
		v, ok := row[c]
		if !ok {
			continue
		}
		cols = append(cols, c)
		placeholders = append(placeholders, "?")
		args = append(args, v)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", r.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		var zero T
		return zero, fmt.Errorf("repo: create %s: %w", r.table, err)
	}
	return entity, nil
}

// Update overwrites every column of an existing row.
func (r *SqliteRepo[T, ID]) Update(ctx context.Context, entity T) (T, error) {
	row := r.toRow(entity)
	id, ok := row[r.idColumn]
	if !ok {
		var zero T
		return zero, fmt.Errorf("repo: update %s: missing id column %s", r.table, r.idColumn)
	}
	sets := make([]string, 0, len(row))
	args := make([]any, 0, len(row)+1)
	for _, c := range r.columns {
		if c == r.idColumn {
			continue
		}
		v, ok := row[c]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = ?", c))
		args = append(args, v)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", r.table, strings.Join(sets, ", "), r.idColumn)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("repo: update %s: %w", r.table, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var zero T
		return zero, fmt.Errorf("repo: update %s: %w", r.table, ErrNotFound)
	}
	return entity, nil
}

// Delete removes a row by id.
func (r *SqliteRepo[T, ID]) Delete(ctx context.Context, id ID) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", r.table, r.idColumn)
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("repo: delete %s: %w", r.table, err)
	}
	return nil
}
