// Package qdrant implements domain.VectorStore on Qdrant's gRPC API.
//
// Qdrant fixes the vector size when a collection is created, so a collection
// that does not exist yet is created on the first Add using the dimension of
// the first embedding. Until then Count reports zero.
package qdrant

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	pb "github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pal-onboarding/kb-seeder/internal/adapter/observability"
	"github.com/pal-onboarding/kb-seeder/internal/domain"
)

const (
	backend = "qdrant"
	// PayloadDocument is the payload key holding the document text.
	PayloadDocument = "document"
)

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Store is a domain.VectorStore backed by one Qdrant collection.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	apiKey      string

	mu         sync.Mutex
	collection string
	exists     bool
}

// New connects to Qdrant at the given gRPC address. A non-empty apiKey
// switches the connection to TLS and is sent with every call.
func New(addr, apiKey string) (*Store, error) {
	creds := insecure.NewCredentials()
	if apiKey != "" {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("op=qdrant.New: dial %s: %w", addr, err)
	}
	s := newWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), apiKey)
	s.conn = conn
	return s, nil
}

func newWithClients(points pointsAPI, collections collectionsAPI, apiKey string) *Store {
	return &Store{points: points, collections: collections, apiKey: apiKey}
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Ping lists collections to confirm the server answers.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.collections.List(s.withKey(ctx), &pb.ListCollectionsRequest{}); err != nil {
		return fmt.Errorf("op=qdrant.Ping: %w", classify(err))
	}
	return nil
}

func (s *Store) withKey(ctx context.Context) context.Context {
	if s.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", s.apiKey)
}

// GetOrCreateCollection binds the store to name and checks whether the
// collection exists. Qdrant has no collection metadata, so metadata is unused.
func (s *Store) GetOrCreateCollection(ctx context.Context, name string, _ map[string]any) (err error) {
	ctx, span := otel.Tracer("vector.qdrant").Start(ctx, "qdrant.GetOrCreateCollection")
	defer span.End()
	span.SetAttributes(attribute.String("qdrant.collection", name))
	start := time.Now()
	defer func() { observability.ObserveStoreOp(backend, "get_or_create", start, err) }()

	list, err := s.collections.List(s.withKey(ctx), &pb.ListCollectionsRequest{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=qdrant.GetOrCreateCollection: list collections: %w", classify(err))
	}
	exists := false
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			exists = true
			break
		}
	}
	s.mu.Lock()
	s.collection = name
	s.exists = exists
	s.mu.Unlock()
	return nil
}

func (s *Store) state() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collection, s.exists
}

// Count returns the exact number of points, or zero before the collection exists.
func (s *Store) Count(ctx context.Context) (n int, err error) {
	ctx, span := otel.Tracer("vector.qdrant").Start(ctx, "qdrant.Count")
	defer span.End()
	start := time.Now()
	defer func() { observability.ObserveStoreOp(backend, "count", start, err) }()

	name, exists := s.state()
	if name == "" {
		return 0, backoff.Permanent(fmt.Errorf("op=qdrant.Count: %w", domain.ErrNotInitialized))
	}
	if !exists {
		return 0, nil
	}
	exact := true
	resp, err := s.points.Count(s.withKey(ctx), &pb.CountPoints{CollectionName: name, Exact: &exact})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("op=qdrant.Count: %w", classify(err))
	}
	return int(resp.GetResult().GetCount()), nil
}

// Add upserts one point per document. Ids must be UUIDs.
func (s *Store) Add(ctx context.Context, ids []string, embeddings []domain.Embedding, documents []string, metadatas []map[string]string) (err error) {
	ctx, span := otel.Tracer("vector.qdrant").Start(ctx, "qdrant.Add")
	defer span.End()
	span.SetAttributes(attribute.Int("qdrant.points", len(ids)))
	start := time.Now()
	defer func() { observability.ObserveStoreOp(backend, "add", start, err) }()

	if len(ids) != len(embeddings) || len(ids) != len(documents) || len(ids) != len(metadatas) {
		return backoff.Permanent(fmt.Errorf("op=qdrant.Add: %w: ids, embeddings, documents and metadatas length mismatch", domain.ErrInvalidArgument))
	}
	if len(ids) == 0 {
		return nil
	}
	name, _ := s.state()
	if name == "" {
		return backoff.Permanent(fmt.Errorf("op=qdrant.Add: %w", domain.ErrNotInitialized))
	}
	if err = s.ensureCollection(ctx, name, len(embeddings[0])); err != nil {
		span.RecordError(err)
		return err
	}

	points := make([]*pb.PointStruct, len(ids))
	for i, id := range ids {
		payload := make(map[string]*pb.Value, len(metadatas[i])+1)
		payload[PayloadDocument] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: documents[i]}}
		for k, v := range metadatas[i] {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: id},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: embeddings[i]},
				},
			},
			Payload: payload,
		}
	}

	wait := true
	_, err = s.points.Upsert(s.withKey(ctx), &pb.UpsertPoints{
		CollectionName: name,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=qdrant.Add: upsert %d points: %w", len(points), classify(err))
	}
	return nil
}

func (s *Store) ensureCollection(ctx context.Context, name string, dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exists {
		return nil
	}
	if dims <= 0 {
		return backoff.Permanent(fmt.Errorf("op=qdrant.Add: %w", domain.ErrEmptyEmbedding))
	}
	_, err := s.collections.Create(s.withKey(ctx), &pb.CreateCollection{
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
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("op=qdrant.Add: create collection %s: %w", name, classify(err))
	}
	s.exists = true
	return nil
}

// classify marks gRPC errors that a retry cannot fix as permanent.
func classify(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
		return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrUpstream, err))
	default:
		return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
}
