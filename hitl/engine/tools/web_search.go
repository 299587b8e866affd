package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/hitl-chat/hitl"
	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
	"github.com/rs/zerolog"
)

const WebSearchToolName = "web_search"

const webSearchSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1, "description": "What to search the web for"}
  },
  "required": ["query"],
  "additionalProperties": false
}`

// WebSearchConfig configures the Tavily search client.
type WebSearchConfig struct {
	APIKey          string
	BaseURL         string
	MaxResults      int
	CacheTTLSeconds int
	HTTPClient      *http.Client
}

// SearchResult is one hit returned to the model.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// WebSearchTool searches the web through the Tavily API. Identical queries are
// served from cache.
type WebSearchTool struct {
	cfg    WebSearchConfig
	client *http.Client
	cache  ports.Cache
	logger zerolog.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

// NewWebSearchTool creates a search tool. cache may be nil.
func NewWebSearchTool(cfg WebSearchConfig, cache ports.Cache, logger zerolog.Logger) *WebSearchTool {
	if cfg.BaseURL == "" {
		cfg.BaseURL = internal.DefaultTavilyBaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = internal.DefaultSearchMaxResults
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = internal.DefaultSearchCacheTTL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &WebSearchTool{
		cfg:    cfg,
		client: client,
		cache:  cache,
		logger: logger.With().Str("tool", WebSearchToolName).Logger(),
	}
}

func (t *WebSearchTool) Name() string { return WebSearchToolName }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns the most relevant results with their URLs."
}

func (t *WebSearchTool) Schema() []byte { return []byte(webSearchSchema) }

// Invoke runs the search and returns []SearchResult.
func (t *WebSearchTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params webSearchParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if t.cfg.APIKey == "" {
		return nil, fmt.Errorf("missing Tavily API key")
	}

	key := fmt.Sprintf("%s:%d:%s", WebSearchToolName, t.cfg.MaxResults, strings.ToLower(query))
	if t.cache != nil {
		if cached, ok := t.cache.Get(ctx, key); ok {
			var results []SearchResult
			if err := json.Unmarshal(cached, &results); err == nil {
				t.logger.Debug().Str("query", query).Msg("Search cache hit")
				return results, nil
			}
		}
	}

	results, err := t.search(ctx, query)
	if err != nil {
		return nil, err
	}

	if t.cache != nil {
		if b, err := json.Marshal(results); err == nil {
			if err := t.cache.Set(ctx, key, b, t.cfg.CacheTTLSeconds); err != nil {
				t.logger.Warn().Err(err).Msg("Failed to cache search results")
			}
		}
	}
	return results, nil
}

func (t *WebSearchTool) search(ctx context.Context, query string) ([]SearchResult, error) {
	body, err := json.Marshal(map[string]any{
		"query":       query,
		"max_results": t.cfg.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(t.cfg.BaseURL, "/")+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var payload struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	if len(payload.Results) > t.cfg.MaxResults {
		payload.Results = payload.Results[:t.cfg.MaxResults]
	}

	t.logger.Debug().Str("query", query).Int("results", len(payload.Results)).Msg("Search completed")
	return payload.Results, nil
}

// Ensure WebSearchTool implements the Tool interface.
var _ ports.Tool = (*WebSearchTool)(nil)
