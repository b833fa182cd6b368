// Package semantic implements Vector Memory: tenant-scoped persistence and
// similarity search over Content and its EntityVectors, backed by Qdrant.
package semantic

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	contentsCollection = "contents"
	entitiesCollection = "entity_vectors"
)

// VectorStore owns the raw Qdrant connection and point-level operations.
// Tenant isolation is enforced by every caller in this package adding a
// "tenant" field-match condition to every filtered request; VectorStore
// itself is tenant-agnostic plumbing.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
}

// NewVectorStore dials Qdrant at addr.
func NewVectorStore(addr string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	return v.conn.Close()
}

// EnsureCollections creates the contents and entity_vectors collections if
// they don't already exist, both using cosine distance at dims.
func (v *VectorStore) EnsureCollections(ctx context.Context, dims int) error {
	for _, name := range []string{contentsCollection, entitiesCollection} {
		if err := v.ensureCollection(ctx, name, dims); err != nil {
			return err
		}
	}
	return nil
}

func (v *VectorStore) ensureCollection(ctx context.Context, name string, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			return nil
		}
	}
	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", name, err)
	}
	return nil
}

// point is the generic unit upsert/get/scroll/search operate on.
type point struct {
	ID        string
	Embedding []float32
	Payload   map[string]any
}

func (v *VectorStore) upsert(ctx context.Context, collection string, points []point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Embedding}}},
			Payload: toPayload(p.Payload),
		}
	}
	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points into %s: %w", len(points), collection, err)
	}
	return nil
}

func (v *VectorStore) deleteByFilter(ctx context.Context, collection string, conditions ...*pb.Condition) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: conditions},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete from %s: %w", collection, err)
	}
	return nil
}

func (v *VectorStore) getByID(ctx context.Context, collection, id string) (map[string]any, bool, error) {
	resp, err := v.points.Get(ctx, &pb.GetPoints{
		CollectionName: collection,
		Ids:            []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, false, fmt.Errorf("semantic: get %s/%s: %w", collection, id, err)
	}
	results := resp.GetResult()
	if len(results) == 0 {
		return nil, false, nil
	}
	return fromPayload(results[0].GetPayload()), true, nil
}

func (v *VectorStore) scroll(ctx context.Context, collection string, limit uint32, conditions ...*pb.Condition) ([]map[string]any, error) {
	req := &pb.ScrollPoints{
		CollectionName: collection,
		Limit:          &limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(conditions) > 0 {
		req.Filter = &pb.Filter{Must: conditions}
	}
	resp, err := v.points.Scroll(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: scroll %s: %w", collection, err)
	}
	out := make([]map[string]any, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		out[i] = fromPayload(r.GetPayload())
	}
	return out, nil
}

func (v *VectorStore) search(ctx context.Context, collection string, embedding []float32, limit uint64, conditions ...*pb.Condition) ([]scored, error) {
	req := &pb.SearchPoints{
		CollectionName: collection,
		Vector:         embedding,
		Limit:          limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(conditions) > 0 {
		req.Filter = &pb.Filter{Must: conditions}
	}
	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search %s: %w", collection, err)
	}
	out := make([]scored, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		out[i] = scored{Score: r.GetScore(), Payload: fromPayload(r.GetPayload())}
	}
	return out, nil
}

type scored struct {
	Score   float32
	Payload map[string]any
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func toPayload(m map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(m))
	for k, val := range m {
		switch tv := val.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return out
}

func fromPayload(m map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch kind := v.GetKind().(type) {
		case *pb.Value_StringValue:
			out[k] = kind.StringValue
		case *pb.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *pb.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *pb.Value_BoolValue:
			out[k] = kind.BoolValue
		}
	}
	return out
}
