package semantic

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/rag-vault/engine/domain"
)

// Payload keys that are not part of an entry's metadata.
const (
	payloadEntryID = "entry_id"
	payloadText    = "document_text"
)

// PointsAPI is the subset of pb.PointsClient the store uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// indexedKeys get a keyword payload index; every search and delete filters on them.
var indexedKeys = []string{domain.KeyCollectionID, domain.KeySourceDocID}

// CollectionsAPI is the subset of pb.CollectionsClient the store uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Qdrant is the gRPC-backed Store. Every chunk of every tenant lives in one
// Qdrant collection and is partitioned by a keyword filter on collection_id.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	collection  string
	logger      *slog.Logger
}

// NewQdrant connects to Qdrant at the given gRPC address.
func NewQdrant(addr, collection string, logger *slog.Logger) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	q := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, logger)
	q.conn = conn
	return q, nil
}

// NewWithClients builds a Qdrant store over existing clients.
func NewWithClients(points PointsAPI, collections CollectionsAPI, collection string, logger *slog.Logger) *Qdrant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Qdrant{points: points, collections: collections, collection: collection, logger: logger}
}

// Close closes the underlying gRPC connection.
func (q *Qdrant) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// EnsureCollection creates the collection with cosine distance if it doesn't
// exist, then makes sure the tenant and document keys are indexed.
func (q *Qdrant) EnsureCollection(ctx context.Context, dims int) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	exists := false
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			exists = true
			break
		}
	}

	if !exists {
		_, err = q.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: q.collection,
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
			return fmt.Errorf("semantic: create collection %s: %w", q.collection, err)
		}
	}

	// Creating an index that already exists is a no-op in Qdrant.
	wait := true
	for _, key := range indexedKeys {
		_, err := q.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      key,
			FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
			Wait:           &wait,
		})
		if err != nil {
			return fmt.Errorf("semantic: index %s on %s: %w", key, q.collection, err)
		}
	}
	return nil
}

// DeleteCollection drops the whole index, every tenant included.
func (q *Qdrant) DeleteCollection(ctx context.Context) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", q.collection, err)
	}
	return nil
}

// PointID maps an entry id onto the UUID Qdrant requires.
func PointID(entryID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(entryID)).String()
}

func (q *Qdrant) Upsert(ctx context.Context, entries []domain.IndexedEntry) error {
	if err := domain.ValidateEntries(entries); err != nil {
		return fmt.Errorf("semantic: upsert: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(entries))
	for i, e := range entries {
		payload := make(map[string]*pb.Value, len(e.Metadata)+2)
		for k, val := range e.Metadata {
			payload[k] = toValue(val)
		}
		payload[payloadEntryID] = toValue(e.ID)
		payload[payloadText] = toValue(e.Text)

		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(e.ID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: e.Vector},
				},
			},
			Payload: payload,
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(entries), err)
	}
	return nil
}

// DeleteByDocID removes every point of one document in one tenant. Used for
// re-ingestion.
func (q *Qdrant) DeleteByDocID(ctx context.Context, tenantID, docID string) error {
	if tenantID == "" {
		return fmt.Errorf("semantic: delete: %w", domain.ErrMissingTenant)
	}
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{
						fieldMatch(domain.KeyCollectionID, tenantID),
						fieldMatch(domain.KeySourceDocID, docID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete by doc %s: %w", docID, err)
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, tenantID string, vector []float32, topK int) ([]domain.SearchResult, error) {
	if err := domain.ValidateSearch(tenantID, vector); err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(normTopK(topK)),
		Filter:         &pb.Filter{Must: []*pb.Condition{fieldMatch(domain.KeyCollectionID, tenantID)}},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	hits := make([]domain.SearchResult, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		sr := domain.SearchResult{
			ID:       r.GetId().GetUuid(),
			Metadata: make(map[string]any),
			// Qdrant reports cosine similarity.
			Distance: 1 - r.GetScore(),
		}
		for k, val := range r.GetPayload() {
			switch k {
			case payloadEntryID:
				sr.ID = val.GetStringValue()
			case payloadText:
				sr.Text = val.GetStringValue()
			default:
				sr.Metadata[k] = fromValue(val)
			}
		}
		hits = append(hits, sr)
	}
	return isolate(q.logger, tenantID, hits), nil
}

func toValue(v any) *pb.Value {
	switch tv := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	}
	return nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
