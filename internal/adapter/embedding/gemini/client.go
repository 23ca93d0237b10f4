// Package gemini implements domain.Embedder on the Gemini embedContent REST endpoint.
package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pal-onboarding/kb-seeder/internal/adapter/observability"
	"github.com/pal-onboarding/kb-seeder/internal/config"
	"github.com/pal-onboarding/kb-seeder/internal/domain"
	obsctx "github.com/pal-onboarding/kb-seeder/internal/observability"
	"github.com/pal-onboarding/kb-seeder/pkg/textx"
)

const (
	provider       = "gemini"
	apiKeyHeader   = "x-goog-api-key"
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	apiVersion     = "v1beta"
	requestTimeout = 30 * time.Second
)

// Client embeds one text per request with models/<EmbeddingsModel>.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type embedRequest struct {
	Model   string  `json:"model"`
	Content content `json:"content"`
}

type embedResponse struct {
	Embedding *struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// New builds a Gemini embedding client from configuration.
func New(cfg config.Config) (*Client, error) {
	if cfg.GoogleAPIKey == "" {
		return nil, fmt.Errorf("op=gemini.New: %w: GOOGLE_API_KEY missing", domain.ErrInvalidArgument)
	}
	model := cfg.EmbeddingsModel
	if model == "" {
		return nil, fmt.Errorf("op=gemini.New: %w: EMBEDDINGS_MODEL missing", domain.ErrInvalidArgument)
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	base := cfg.GeminiBaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.GoogleAPIKey,
		model:   model,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Model returns the fully qualified model name.
func (c *Client) Model() string { return c.model }

// Embed returns the embedding of text. Client errors other than 429 are
// marked permanent so callers do not retry them.
func (c *Client) Embed(ctx domain.Context, text string) (v domain.Embedding, err error) {
	start := time.Now()
	defer func() { observability.ObserveEmbed(provider, start, err) }()

	body, err := json.Marshal(embedRequest{Model: c.model, Content: content{Parts: []part{{Text: text}}}})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("op=gemini.Embed: %w: %v", domain.ErrInvalidArgument, err))
	}
	endpoint := fmt.Sprintf("%s/%s/%s:embedContent", c.baseURL, apiVersion, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("op=gemini.Embed: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=gemini.Embed: %w: %v", domain.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		msg := textx.Snippet(strings.TrimSpace(string(raw)), 256)
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
			msg = ae.Error.Message
		}
		obsctx.LoggerFromContext(ctx).Warn("embedding request failed",
			slog.String("provider", provider),
			slog.String("model", c.model),
			slog.Int("status", resp.StatusCode),
			slog.String("message", msg))
		err = fmt.Errorf("op=gemini.Embed: %w: status %d: %s", domain.ErrUpstream, resp.StatusCode, msg)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=gemini.Embed: %w: decode response: %v", domain.ErrUpstream, err)
	}
	if out.Embedding == nil || len(out.Embedding.Values) == 0 {
		return nil, fmt.Errorf("op=gemini.Embed: %w", domain.ErrEmptyEmbedding)
	}
	return domain.Embedding(out.Embedding.Values), nil
}
