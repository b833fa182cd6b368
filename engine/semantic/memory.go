package semantic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/castforge/castforge/engine/domain"
	"github.com/castforge/castforge/pkg/embedding"
	"github.com/castforge/castforge/pkg/repo"
)

// Memory is Vector Memory: the tenant-scoped Content/EntityVector store.
type Memory struct {
	vectors     *VectorStore
	model       embedding.Model
	db          *sql.DB
	collections *repo.SqliteRepo[Collection, string]
}

// New creates a Memory over an already-dialed VectorStore, an embedding
// model, and the relational database that backs Collections.
func New(vectors *VectorStore, model embedding.Model, db *sql.DB) *Memory {
	return &Memory{vectors: vectors, model: model, db: db, collections: newCollectionRepo(db)}
}

func pointID(parts ...string) string {
	key := ""
	for _, p := range parts {
		key += "|" + p
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// Add upserts content by (tenant, content_id). It re-embeds the fixed
// searchable-text concatenation and replaces all EntityVectors for this
// content_id.
func (m *Memory) Add(ctx context.Context, tenant string, c domain.Content) error {
	c.Tenant = tenant
	c.SearchableText = BuildSearchableText(c)
	vec, err := m.model.Embed(ctx, c.SearchableText)
	if err != nil {
		return fmt.Errorf("semantic: embed content %s: %w", c.ContentID, err)
	}
	c.Embedding = vec
	c.UpdatedAt = time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}

	blob, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("semantic: marshal content %s: %w", c.ContentID, err)
	}
	id := pointID(tenant, c.ContentID)
	payload := map[string]any{
		"tenant":      tenant,
		"content_id":  c.ContentID,
		"source_url":  c.SourceURL,
		"natural_id":  NaturalID(c.SourceURL),
		"content_type": c.ContentType,
		"created_at":  c.CreatedAt.Format(time.RFC3339Nano),
		"blob":        string(blob),
	}
	if err := m.vectors.upsert(ctx, contentsCollection, []point{{ID: id, Embedding: vec, Payload: payload}}); err != nil {
		return err
	}
	return m.replaceEntityVectors(ctx, tenant, c.ContentID, c.Entities)
}

func (m *Memory) replaceEntityVectors(ctx context.Context, tenant, contentID string, entities []domain.Entity) error {
	if err := m.vectors.deleteByFilter(ctx, entitiesCollection,
		fieldMatch("tenant", tenant), fieldMatch("content_id", contentID)); err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}
	points := make([]point, len(entities))
	for i, e := range entities {
		text := e.Name
		if e.Description != "" {
			text += ": " + e.Description
		}
		vec, err := m.model.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("semantic: embed entity %s: %w", e.Name, err)
		}
		points[i] = point{
			ID:        pointID(tenant, contentID, e.Name),
			Embedding: vec,
			Payload: map[string]any{
				"tenant":      tenant,
				"content_id":  contentID,
				"entity_name": e.Name,
				"entity_type": e.Type,
			},
		}
	}
	return m.vectors.upsert(ctx, entitiesCollection, points)
}

// Get returns the Content for (tenant, content_id), or domain.ErrContentNotFound.
func (m *Memory) Get(ctx context.Context, tenant, contentID string) (domain.Content, error) {
	payload, ok, err := m.vectors.getByID(ctx, contentsCollection, pointID(tenant, contentID))
	if err != nil {
		return domain.Content{}, err
	}
	if !ok {
		return domain.Content{}, domain.ErrContentNotFound
	}
	return contentFromPayload(payload)
}

// List returns tenant's contents, newest first by created_at.
func (m *Memory) List(ctx context.Context, tenant string) ([]domain.Content, error) {
	rows, err := m.vectors.scroll(ctx, contentsCollection, 10000, fieldMatch("tenant", tenant))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Content, 0, len(rows))
	for _, row := range rows {
		c, err := contentFromPayload(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SearchOpts narrows a Search call.
type SearchOpts struct {
	ContentType  string
	CollectionID string
}

// SearchHit is one ranked Search result.
type SearchHit struct {
	Content domain.Content
	Score   float32
}

// Search performs cosine similarity search against stored embeddings,
// scoped by tenant and optionally content_type/collection_id.
func (m *Memory) Search(ctx context.Context, tenant, query string, n int, opts SearchOpts) ([]SearchHit, error) {
	vec, err := m.model.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed query: %w", err)
	}
	conditions := []*pb.Condition{fieldMatch("tenant", tenant)}
	if opts.ContentType != "" {
		conditions = append(conditions, fieldMatch("content_type", opts.ContentType))
	}

	var memberIDs map[string]bool
	if opts.CollectionID != "" {
		ids, err := m.contentIDsInCollection(ctx, opts.CollectionID)
		if err != nil {
			return nil, err
		}
		memberIDs = ids
	}

	// Collection scoping filters Qdrant's ranked results in memory, since
	// Qdrant has no notion of the relational collection_members table: up to
	// 5n nearest tenant matches are fetched, non-members dropped, and the rest
	// trimmed to n. Members ranked below that window are not returned, so a
	// collection-scoped search can yield fewer than n hits.
	fetchLimit := uint64(n)
	if memberIDs != nil {
		fetchLimit = uint64(n * 5)
	}
	results, err := m.vectors.search(ctx, contentsCollection, vec, fetchLimit, conditions...)
	if err != nil {
		return nil, err
	}
	out := make([]SearchHit, 0, n)
	for _, r := range results {
		c, err := contentFromPayload(r.Payload)
		if err != nil {
			return nil, err
		}
		if memberIDs != nil && !memberIDs[c.ContentID] {
			continue
		}
		out = append(out, SearchHit{Content: c, Score: r.Score})
		if len(out) == n {
			break
		}
	}
	return out, nil
}

// FindBySourceURL returns the content_id whose source_url matches url by
// the natural-identifier rule (or verbatim, if url carries no recognised
// natural identifier).
func (m *Memory) FindBySourceURL(ctx context.Context, tenant, url string) (string, bool, error) {
	if natural := NaturalID(url); natural != "" {
		rows, err := m.vectors.scroll(ctx, contentsCollection, 1, fieldMatch("tenant", tenant), fieldMatch("natural_id", natural))
		if err != nil {
			return "", false, err
		}
		if len(rows) > 0 {
			if id, ok := rows[0]["content_id"].(string); ok {
				return id, true, nil
			}
		}
		return "", false, nil
	}
	rows, err := m.vectors.scroll(ctx, contentsCollection, 1, fieldMatch("tenant", tenant), fieldMatch("source_url", url))
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	id, _ := rows[0]["content_id"].(string)
	return id, id != "", nil
}

// Update replaces the stored blob for (tenant, content_id). It only
// re-embeds when the searchable text changed from what is currently
// stored.
func (m *Memory) Update(ctx context.Context, tenant string, c domain.Content) error {
	existing, err := m.Get(ctx, tenant, c.ContentID)
	if err == nil && BuildSearchableText(existing) == BuildSearchableText(c) {
		c.Embedding = existing.Embedding
		c.SearchableText = existing.SearchableText
		blob, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("semantic: marshal content %s: %w", c.ContentID, err)
		}
		payload := map[string]any{
			"tenant":       tenant,
			"content_id":   c.ContentID,
			"source_url":   c.SourceURL,
			"natural_id":   NaturalID(c.SourceURL),
			"content_type": c.ContentType,
			"created_at":   c.CreatedAt.Format(time.RFC3339Nano),
			"blob":         string(blob),
		}
		return m.vectors.upsert(ctx, contentsCollection, []point{{ID: pointID(tenant, c.ContentID), Embedding: c.Embedding, Payload: payload}})
	}
	return m.Add(ctx, tenant, c)
}

// Delete removes Content and its EntityVectors for (tenant, content_id).
func (m *Memory) Delete(ctx context.Context, tenant, contentID string) error {
	if err := m.vectors.deleteByFilter(ctx, contentsCollection, fieldMatch("tenant", tenant), fieldMatch("content_id", contentID)); err != nil {
		return err
	}
	return m.vectors.deleteByFilter(ctx, entitiesCollection, fieldMatch("tenant", tenant), fieldMatch("content_id", contentID))
}

func contentFromPayload(payload map[string]any) (domain.Content, error) {
	blob, _ := payload["blob"].(string)
	var c domain.Content
	if blob == "" {
		return c, domain.ErrContentNotFound
	}
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		return domain.Content{}, fmt.Errorf("semantic: unmarshal content blob: %w", err)
	}
	return c, nil
}
