package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/castforge/castforge/engine/domain"
	"github.com/castforge/castforge/pkg/repo"
)

// Collection is a named, tenant-owned grouping of Content.
type Collection struct {
	ID        string
	Tenant    string
	Name      string
	CreatedAt time.Time
}

var collectionColumns = []string{"id", "tenant", "name", "created_at"}

func collectionToRow(c Collection) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"tenant":     c.Tenant,
		"name":       c.Name,
		"created_at": c.CreatedAt.Format(time.RFC3339Nano),
	}
}

func collectionFromRow(scan func(dest ...any) error, columns []string) (Collection, error) {
	var col Collection
	var createdAt string
	if err := scan(&col.ID, &col.Tenant, &col.Name, &createdAt); err != nil {
		return Collection{}, err
	}
	col.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return col, nil
}

// newCollectionRepo wires pkg/repo's generic SQLite Repository over the
// collections table, the same CRUD shape the teacher's Neo4jRepo gave
// manual entities.
func newCollectionRepo(db *sql.DB) *repo.SqliteRepo[Collection, string] {
	return repo.NewSqliteRepo[Collection, string](db, "collections", collectionColumns, collectionToRow, collectionFromRow)
}

// CreateCollection creates a new collection for tenant.
func (m *Memory) CreateCollection(ctx context.Context, tenant, name string) (Collection, error) {
	col := Collection{ID: uuid.NewString(), Tenant: tenant, Name: name, CreatedAt: time.Now()}
	created, err := m.collections.Create(ctx, col)
	if err != nil {
		return Collection{}, fmt.Errorf("semantic: create collection: %w", err)
	}
	return created, nil
}

// GetCollection fetches a single collection by id.
func (m *Memory) GetCollection(ctx context.Context, id string) (Collection, error) {
	col, err := m.collections.Get(ctx, id)
	if err != nil {
		return Collection{}, fmt.Errorf("semantic: get collection: %w", err)
	}
	return col, nil
}

// ListCollections lists tenant's collections, newest first.
func (m *Memory) ListCollections(ctx context.Context, tenant string) ([]Collection, error) {
	cols, err := m.collections.List(ctx, repo.ListOpts{Limit: 10000, Filter: map[string]any{"tenant": tenant}})
	if err != nil {
		return nil, fmt.Errorf("semantic: list collections: %w", err)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].CreatedAt.After(cols[j].CreatedAt) })
	return cols, nil
}

// DeleteCollection deletes a collection and its membership rows. Member
// Content is untouched.
func (m *Memory) DeleteCollection(ctx context.Context, tenant, collectionID string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("semantic: delete collection: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM collection_members WHERE collection_id = ?`, collectionID); err != nil {
		return fmt.Errorf("semantic: delete collection members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE id = ? AND tenant = ?`, collectionID, tenant); err != nil {
		return fmt.Errorf("semantic: delete collection: %w", err)
	}
	return tx.Commit()
}

// AddTo adds contentID to collectionID.
func (m *Memory) AddTo(ctx context.Context, collectionID, contentID string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO collection_members (collection_id, content_id, added_at) VALUES (?, ?, ?)
		ON CONFLICT(collection_id, content_id) DO NOTHING`,
		collectionID, contentID, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("semantic: add to collection: %w", err)
	}
	return nil
}

// RemoveFrom removes contentID from collectionID.
func (m *Memory) RemoveFrom(ctx context.Context, collectionID, contentID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM collection_members WHERE collection_id = ? AND content_id = ?`, collectionID, contentID)
	if err != nil {
		return fmt.Errorf("semantic: remove from collection: %w", err)
	}
	return nil
}

// GetContents returns tenant's full Content rows that belong to
// collectionID.
func (m *Memory) GetContents(ctx context.Context, tenant, collectionID string) ([]domain.Content, error) {
	ids, err := m.contentIDsInCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Content, 0, len(ids))
	for id := range ids {
		c, err := m.Get(ctx, tenant, id)
		if err != nil {
			return nil, fmt.Errorf("semantic: get content %s in collection %s: %w", id, collectionID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Memory) contentIDsInCollection(ctx context.Context, collectionID string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT content_id FROM collection_members WHERE collection_id = ?`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("semantic: collection members: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("semantic: scan member: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}
