// Package chroma provides a minimal Chroma v2 REST client implementing domain.VectorStore.
package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pal-onboarding/kb-seeder/internal/adapter/observability"
	"github.com/pal-onboarding/kb-seeder/internal/config"
	"github.com/pal-onboarding/kb-seeder/internal/domain"
	"github.com/pal-onboarding/kb-seeder/pkg/textx"
)

const (
	backend     = "chroma"
	tokenHeader = "x-chroma-token"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chroma %s status %d: %s", e.Op, e.Code, e.Body)
}

// Unwrap maps a missing collection to domain.ErrNotInitialized and every
// other status to domain.ErrUpstream.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return domain.ErrNotInitialized
	}
	return domain.ErrUpstream
}

// Client talks to one collection of a Chroma server, local or managed.
type Client struct {
	baseURL    string
	apiKey     string
	tenant     string
	database   string
	httpClient *http.Client

	mu           sync.RWMutex
	collectionID string
}

// New constructs a Chroma client with baseURL and optional apiKey.
func New(baseURL, apiKey, tenant, database string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		tenant:   tenant,
		database: database,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// NewFromConfig selects the managed endpoint when CHROMA_API_KEY is set,
// else the local host and port.
func NewFromConfig(cfg config.Config) *Client {
	key := ""
	if cfg.ChromaCloud() {
		key = cfg.ChromaAPIKey
	}
	return New(cfg.ChromaURL(), key, cfg.ChromaTenant, cfg.ChromaDatabase)
}

func (c *Client) collectionsPath() string {
	return fmt.Sprintf("%s/api/v2/tenants/%s/databases/%s/collections",
		c.baseURL, url.PathEscape(c.tenant), url.PathEscape(c.database))
}

// GetOrCreateCollection resolves the collection id, creating the collection if needed.
func (c *Client) GetOrCreateCollection(ctx context.Context, name string, metadata map[string]any) (err error) {
	ctx, span := otel.Tracer("vector.chroma").Start(ctx, "chroma.GetOrCreateCollection")
	defer span.End()
	span.SetAttributes(attribute.String("chroma.collection", name))
	start := time.Now()
	defer func() { observability.ObserveStoreOp(backend, "get_or_create", start, err) }()

	body := map[string]any{"name": name, "get_or_create": true}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err = c.do(ctx, "get_or_create", http.MethodPost, c.collectionsPath(), body, &out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=chroma.GetOrCreateCollection: %w", err)
	}
	if out.ID == "" {
		err = fmt.Errorf("op=chroma.GetOrCreateCollection: %w: response without collection id", domain.ErrUpstream)
		return err
	}
	c.mu.Lock()
	c.collectionID = out.ID
	c.mu.Unlock()
	return nil
}

func (c *Client) collectionPath(op string) (string, error) {
	c.mu.RLock()
	id := c.collectionID
	c.mu.RUnlock()
	if id == "" {
		return "", backoff.Permanent(fmt.Errorf("op=chroma.%s: %w", op, domain.ErrNotInitialized))
	}
	return c.collectionsPath() + "/" + url.PathEscape(id), nil
}

// Count returns the number of records in the collection.
func (c *Client) Count(ctx context.Context) (n int, err error) {
	ctx, span := otel.Tracer("vector.chroma").Start(ctx, "chroma.Count")
	defer span.End()
	start := time.Now()
	defer func() { observability.ObserveStoreOp(backend, "count", start, err) }()

	base, err := c.collectionPath("Count")
	if err != nil {
		return 0, err
	}
	if err = c.do(ctx, "count", http.MethodGet, base+"/count", nil, &n); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("op=chroma.Count: %w", err)
	}
	return n, nil
}

// Add inserts records; all slices must have the same length.
func (c *Client) Add(ctx context.Context, ids []string, embeddings []domain.Embedding, documents []string, metadatas []map[string]string) (err error) {
	ctx, span := otel.Tracer("vector.chroma").Start(ctx, "chroma.Add")
	defer span.End()
	span.SetAttributes(attribute.Int("chroma.records", len(ids)))
	start := time.Now()
	defer func() { observability.ObserveStoreOp(backend, "add", start, err) }()

	if len(ids) != len(embeddings) || len(ids) != len(documents) || len(ids) != len(metadatas) {
		err = backoff.Permanent(fmt.Errorf("op=chroma.Add: %w: ids, embeddings, documents and metadatas length mismatch", domain.ErrInvalidArgument))
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	base, err := c.collectionPath("Add")
	if err != nil {
		return err
	}
	body := map[string]any{
		"ids":        ids,
		"embeddings": embeddings,
		"documents":  documents,
		"metadatas":  metadatas,
	}
	if err = c.do(ctx, "add", http.MethodPost, base+"/add", body, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=chroma.Add: %w", err)
	}
	return nil
}

// Ping calls the server heartbeat endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var out map[string]any
	if err := c.do(ctx, "heartbeat", http.MethodGet, c.baseURL+"/api/v2/heartbeat", nil, &out); err != nil {
		return fmt.Errorf("op=chroma.Ping: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do sends one JSON request and decodes the response into out when non-nil.
// 4xx responses other than 429 are wrapped with backoff.Permanent.
func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out any) error {
	var rdr io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return backoff.Permanent(err)
	}
	c.setHeaders(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &StatusError{Op: op, Code: resp.StatusCode, Body: textx.Snippet(strings.TrimSpace(string(snippet)), 256)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(serr)
		}
		return serr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrUpstream, op, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(tokenHeader, c.apiKey)
	}
}

// IsStatus reports whether err carries a Chroma response with the given status code.
func IsStatus(err error, code int) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.Code == code
}
