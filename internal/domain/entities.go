package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDatasetInvalid  = errors.New("dataset invalid")
	ErrSeedLocked      = errors.New("seed lock held by another run")
	ErrEmptyEmbedding  = errors.New("empty embedding")
	ErrUpstream        = errors.New("upstream error")
	ErrNotInitialized  = errors.New("collection not initialized")
)

// Metadata keys written for every candidate document.
const (
	MetaTitle        = "title"
	MetaSource       = "source"
	MetaDocumentType = "documentType"
	MetaCategory     = "category"
)

// DocumentTypeFAQ is the documentType value of documents derived from intents.
const DocumentTypeFAQ = "faq"

// IntentContext carries the optional category override of an intent.
type IntentContext struct {
	Out string `json:"out,omitempty" yaml:"out,omitempty"`
}

// SourceIntent is one FAQ category of the onboarding dataset.
type SourceIntent struct {
	Intent    string         `json:"intent" yaml:"intent"`
	Text      []string       `json:"text" yaml:"text"`
	Responses []string       `json:"responses" yaml:"responses"`
	Context   *IntentContext `json:"context,omitempty" yaml:"context,omitempty"`
}

// Category returns context.out when present and non-empty, else the intent name.
func (s SourceIntent) Category() string {
	if s.Context != nil && s.Context.Out != "" {
		return s.Context.Out
	}
	return s.Intent
}

// Dataset is the top-level shape of the intents file.
type Dataset struct {
	Intents []SourceIntent `json:"intents" yaml:"intents"`
}

// CandidateDocument is the transient document built for one retained intent.
// Invariants: Metadata has exactly the title, source, documentType and category keys.
type CandidateDocument struct {
	ID       string
	Content  string
	Metadata map[string]string
	// Intent is the source intent name; it is not written to the store.
	Intent string
}

// Embedding is an opaque vector produced by the embedding model.
type Embedding = []float32

// BatchResult describes the outcome of one attempted batch.
type BatchResult struct {
	Start    int
	Size     int
	Added    int
	Attempts int
	Err      error
}

// RunStatus enumerates the terminal states of a seeding run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunSkipped   RunStatus = "skipped"
	RunLocked    RunStatus = "locked"
	RunAborted   RunStatus = "aborted"
	RunDryRun    RunStatus = "dry_run"
)

// SeedReport summarises one run for the operator and the run ledger.
type SeedReport struct {
	RunID         string
	Collection    string
	Status        RunStatus
	Prepared      int
	Added         int
	ExistingCount int
	// FinalCount is -1 when the store could not be read back.
	FinalCount    int
	FailedIDs     []string
	FailedIntents []string
	Batches       []BatchResult
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Ports

// Embedder turns one text into one vector.
type Embedder interface {
	Embed(ctx Context, text string) (Embedding, error)
	// Model returns the embedding model identifier.
	Model() string
}

// VectorStore is the subset of a vector database the seeder needs.
// GetOrCreateCollection must be called before Count and Add.
type VectorStore interface {
	GetOrCreateCollection(ctx Context, name string, metadata map[string]any) error
	Count(ctx Context) (int, error)
	Add(ctx Context, ids []string, embeddings []Embedding, documents []string, metadatas []map[string]string) error
	Close() error
}

// SeedLock serialises seeding runs against one collection.
type SeedLock interface {
	// Acquire returns ErrSeedLocked when another run holds the lock.
	Acquire(ctx Context, collection, owner string) error
	// Refresh extends the lock held by owner; it returns ErrSeedLocked when
	// owner no longer holds it.
	Refresh(ctx Context, collection, owner string) error
	Release(ctx Context, collection, owner string) error
}

// RunLedger records finished runs.
type RunLedger interface {
	Record(ctx Context, r SeedReport) error
}

// TokenCounter estimates the token length of a text for a model.
type TokenCounter interface {
	CountTokens(text, model string) (int, error)
}

// Context is an alias to keep port signatures short.
type Context = context.Context
