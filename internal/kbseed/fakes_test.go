package kbseed

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pal-onboarding/kb-seeder/internal/domain"
)

// fakeEmbedder returns a short vector derived from the text.
type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
	fail  func(call int, text string) error
}

func (f *fakeEmbedder) Embed(_ domain.Context, text string) (domain.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.fail != nil {
		if err := f.fail(len(f.texts), text); err != nil {
			return nil, err
		}
	}
	return domain.Embedding{float32(len(text)), 1, 0.5}, nil
}

func (f *fakeEmbedder) Model() string { return "text-embedding-004" }

func (f *fakeEmbedder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

// fakeStore is an in-memory collection that counts what was added.
type fakeStore struct {
	mu        sync.Mutex
	name      string
	createErr error
	countErr  error
	existing  int
	docs      map[string]string
	metas     map[string]map[string]string
	addCalls  [][]string
	addErr    func(call int, ids []string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[string]string{}, metas: map[string]map[string]string{}}
}

func (f *fakeStore) GetOrCreateCollection(_ domain.Context, name string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.name = name
	return nil
}

func (f *fakeStore) Count(domain.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.existing + len(f.docs), nil
}

func (f *fakeStore) Add(_ domain.Context, ids []string, embeddings []domain.Embedding, documents []string, metadatas []map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls = append(f.addCalls, append([]string(nil), ids...))
	if f.addErr != nil {
		if err := f.addErr(len(f.addCalls), ids); err != nil {
			return err
		}
	}
	if len(ids) != len(embeddings) || len(ids) != len(documents) || len(ids) != len(metadatas) {
		return domain.ErrInvalidArgument
	}
	for i, id := range ids {
		f.docs[id] = documents[i]
		f.metas[id] = metadatas[i]
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.addCalls))
	for i, c := range f.addCalls {
		out[i] = len(c)
	}
	return out
}

type mockLock struct{ mock.Mock }

func (m *mockLock) Acquire(ctx domain.Context, collection, owner string) error {
	return m.Called(ctx, collection, owner).Error(0)
}

func (m *mockLock) Refresh(ctx domain.Context, collection, owner string) error {
	return m.Called(ctx, collection, owner).Error(0)
}

func (m *mockLock) Release(ctx domain.Context, collection, owner string) error {
	return m.Called(ctx, collection, owner).Error(0)
}

type mockLedger struct{ mock.Mock }

func (m *mockLedger) Record(ctx domain.Context, r domain.SeedReport) error {
	return m.Called(ctx, r).Error(0)
}

type fixedTokens struct{ n int }

func (f fixedTokens) CountTokens(string, string) (int, error) { return f.n, nil }

// writeDataset stores intents as an intents.json file and returns its path.
func writeDataset(t *testing.T, intents []domain.SourceIntent) string {
	t.Helper()
	b, err := json.Marshal(domain.Dataset{Intents: intents})
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), "intents.json")
	require.NoError(t, os.WriteFile(p, b, 0o600))
	return p
}

func knowledgeIntents(n int) []domain.SourceIntent {
	out := make([]domain.SourceIntent, n)
	for i := range out {
		name := "topic" + string(rune('a'+i))
		out[i] = domain.SourceIntent{
			Intent:    name,
			Text:      []string{"What about " + name + "?"},
			Responses: []string{"Details on " + name + "."},
		}
	}
	return out
}
