package qdrant

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pal-onboarding/kb-seeder/internal/domain"
)

// --- Mocks ---

type mockPoints struct {
	upserts   []*pb.UpsertPoints
	upsertErr error
	count     uint64
	countReq  *pb.CountPoints
	countErr  error
	apiKey    string
}

func (m *mockPoints) Upsert(ctx context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	if md, ok := metadata.FromOutgoingContext(ctx); ok && len(md.Get("api-key")) > 0 {
		m.apiKey = md.Get("api-key")[0]
	}
	m.upserts = append(m.upserts, in)
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.count += uint64(len(in.GetPoints()))
	return &pb.PointsOperationResponse{}, nil
}

func (m *mockPoints) Count(_ context.Context, in *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	m.countReq = in
	if m.countErr != nil {
		return nil, m.countErr
	}
	return &pb.CountResponse{Result: &pb.CountResult{Count: m.count}}, nil
}

type mockCollections struct {
	listResp  *pb.ListCollectionsResponse
	listErr   error
	created   []*pb.CreateCollection
	createErr error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if m.listResp == nil {
		return &pb.ListCollectionsResponse{}, nil
	}
	return m.listResp, nil
}

func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = append(m.created, in)
	return &pb.CollectionOperationResponse{Result: true}, m.createErr
}

// --- Tests ---

const docID = "6f1c1c4e-5d0c-5a86-9f0e-7e0b6d6b1a11"

func TestStore_LazyCreateOnFirstAdd(t *testing.T) {
	pts := &mockPoints{}
	cols := &mockCollections{}
	s := newWithClients(pts, cols, "")
	ctx := context.Background()

	require.NoError(t, s.GetOrCreateCollection(ctx, "kb", nil))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, pts.countReq, "no count call before the collection exists")

	err = s.Add(ctx, []string{docID}, []domain.Embedding{{0.1, 0.2, 0.3}}, []string{"Topic: library"},
		[]map[string]string{{"title": "library", "category": "library"}})
	require.NoError(t, err)

	require.Len(t, cols.created, 1)
	assert.Equal(t, "kb", cols.created[0].GetCollectionName())
	assert.Equal(t, uint64(3), cols.created[0].GetVectorsConfig().GetParams().GetSize())
	assert.Equal(t, pb.Distance_Cosine, cols.created[0].GetVectorsConfig().GetParams().GetDistance())

	require.Len(t, pts.upserts, 1)
	p := pts.upserts[0].GetPoints()[0]
	assert.Equal(t, docID, p.GetId().GetUuid())
	assert.Equal(t, "Topic: library", p.GetPayload()[PayloadDocument].GetStringValue())
	assert.Equal(t, "library", p.GetPayload()["title"].GetStringValue())

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, pts.countReq.GetExact())

	// second add does not recreate
	require.NoError(t, s.Add(ctx, []string{docID}, []domain.Embedding{{1, 1, 1}}, []string{"x"}, []map[string]string{{}}))
	assert.Len(t, cols.created, 1)
}

func TestStore_ExistingCollection(t *testing.T) {
	pts := &mockPoints{count: 9}
	cols := &mockCollections{listResp: &pb.ListCollectionsResponse{
		Collections: []*pb.CollectionDescription{{Name: "other"}, {Name: "kb"}},
	}}
	s := newWithClients(pts, cols, "secret")

	require.NoError(t, s.GetOrCreateCollection(context.Background(), "kb", nil))
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	require.NoError(t, s.Add(context.Background(), []string{docID}, []domain.Embedding{{1}}, []string{"d"}, []map[string]string{{}}))
	assert.Empty(t, cols.created)
	assert.Equal(t, "secret", pts.apiKey)
}

func TestStore_NotInitialized(t *testing.T) {
	s := newWithClients(&mockPoints{}, &mockCollections{}, "")
	_, err := s.Count(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotInitialized)

	err = s.Add(context.Background(), []string{docID}, []domain.Embedding{{1}}, []string{"d"}, []map[string]string{{}})
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestStore_ListError(t *testing.T) {
	s := newWithClients(&mockPoints{}, &mockCollections{listErr: status.Error(codes.Unavailable, "down")}, "")
	err := s.GetOrCreateCollection(context.Background(), "kb", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	var perm *backoff.PermanentError
	assert.False(t, errors.As(err, &perm))
}

func TestStore_UpsertErrorClassification(t *testing.T) {
	pts := &mockPoints{upsertErr: status.Error(codes.InvalidArgument, "bad id")}
	s := newWithClients(pts, &mockCollections{listResp: &pb.ListCollectionsResponse{
		Collections: []*pb.CollectionDescription{{Name: "kb"}},
	}}, "")
	require.NoError(t, s.GetOrCreateCollection(context.Background(), "kb", nil))

	err := s.Add(context.Background(), []string{"not-a-uuid"}, []domain.Embedding{{1}}, []string{"d"}, []map[string]string{{}})
	require.Error(t, err)
	var perm *backoff.PermanentError
	assert.True(t, errors.As(err, &perm))
}

func TestStore_CreateAlreadyExistsTolerated(t *testing.T) {
	cols := &mockCollections{createErr: status.Error(codes.AlreadyExists, "exists")}
	s := newWithClients(&mockPoints{}, cols, "")
	require.NoError(t, s.GetOrCreateCollection(context.Background(), "kb", nil))
	require.NoError(t, s.Add(context.Background(), []string{docID}, []domain.Embedding{{1, 2}}, []string{"d"}, []map[string]string{{}}))
}

func TestStore_AddLengthMismatch(t *testing.T) {
	s := newWithClients(&mockPoints{}, &mockCollections{}, "")
	err := s.Add(context.Background(), []string{docID}, nil, []string{"d"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStore_CloseWithoutConn(t *testing.T) {
	assert.NoError(t, newWithClients(&mockPoints{}, &mockCollections{}, "").Close())
}

func TestStore_Ping(t *testing.T) {
	assert.NoError(t, newWithClients(&mockPoints{}, &mockCollections{}, "").Ping(context.Background()))
	err := newWithClients(&mockPoints{}, &mockCollections{listErr: status.Error(codes.Unavailable, "down")}, "").Ping(context.Background())
	assert.ErrorIs(t, err, domain.ErrUpstream)
}
