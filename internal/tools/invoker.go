// Package tools executes configured HTTP tools for dynamic dropdown options
// and field completion hooks, with optional Redis caching of identical calls.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/formpilot/FormPilot/internal/cache"
	"github.com/formpilot/FormPilot/internal/models"
)

// defaultTimeout bounds a single tool call.
const defaultTimeout = 10 * time.Second

// cachePermission namespaces tool cache entries; all runtime tool calls share
// the public scope.
const cachePermission = "public"

// Opts holds configuration options for the HTTP invoker.
type Opts struct {
	HTTPClient *http.Client
	Cache      *cache.Cache
	TenantID   string
	AgentID    string
	Version    int
}

// Option defines a functional option for configuring the invoker.
type Option func(*Opts)

// WithHTTPClient sets the HTTP client used for tool calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = client }
}

// WithCache enables response caching scoped to one published agent version.
func WithCache(c *cache.Cache, tenantID, agentID string, version int) Option {
	return func(o *Opts) {
		o.Cache = c
		o.TenantID = tenantID
		o.AgentID = agentID
		o.Version = version
	}
}

// HTTPInvoker calls tool endpoints over HTTP. GET tools receive the payload
// as query parameters; every other method receives a JSON body.
type HTTPInvoker struct {
	client   *http.Client
	cache    *cache.Cache
	tenantID string
	agentID  string
	version  int
}

// NewHTTPInvoker creates an invoker with the provided options.
func NewHTTPInvoker(opts ...Option) *HTTPInvoker {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPInvoker{
		client:   cfg.HTTPClient,
		cache:    cfg.Cache,
		tenantID: cfg.TenantID,
		agentID:  cfg.AgentID,
		version:  cfg.Version,
	}
}

// Invoke executes a tool with the resolved payload and returns its status and
// body. Identical calls to a cache-enabled tool are answered from Redis.
func (inv *HTTPInvoker) Invoke(ctx context.Context, tool *models.ToolDefinition, payload map[string]any) (*models.ToolResponse, error) {
	var cacheKey string
	if tool.CacheEnabled && inv.cache.Enabled() {
		cacheKey = cache.Key("tool", inv.tenantID, inv.agentID, inv.version, cachePermission,
			tool.Name, cache.HashPayload(payload))
		var cached models.ToolResponse
		hit, err := inv.cache.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			slog.Warn("HTTPInvoker.Invoke: cache read failed", "error", err, "tool", tool.Name)
		} else if hit {
			slog.Debug("HTTPInvoker.Invoke: cache hit", "tool", tool.Name)
			return &cached, nil
		}
	}

	req, err := inv.buildRequest(ctx, tool, payload)
	if err != nil {
		return nil, err
	}

	slog.Debug("HTTPInvoker.Invoke: calling tool", "tool", tool.Name, "method", req.Method)
	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool %s request failed: %w", tool.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tool %s response read failed: %w", tool.Name, err)
	}

	result := &models.ToolResponse{Status: resp.StatusCode, Body: normalizeBody(raw)}

	if cacheKey != "" {
		ttl := inv.cache.TTL()
		if tool.CacheTTLSeconds > 0 {
			ttl = time.Duration(tool.CacheTTLSeconds) * time.Second
		}
		if err := inv.cache.SetJSON(ctx, cacheKey, result, ttl); err != nil {
			slog.Warn("HTTPInvoker.Invoke: cache write failed", "error", err, "tool", tool.Name)
		}
	}
	return result, nil
}

func (inv *HTTPInvoker) buildRequest(ctx context.Context, tool *models.ToolDefinition, payload map[string]any) (*http.Request, error) {
	method := strings.ToUpper(tool.Method)
	if method == "" {
		method = http.MethodPost
	}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		target := tool.URL
		if len(payload) > 0 {
			params := url.Values{}
			for k, v := range payload {
				if v == nil {
					continue
				}
				params.Set(k, fmt.Sprintf("%v", v))
			}
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target = target + sep + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	} else {
		body, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return nil, fmt.Errorf("tool %s payload marshal failed: %w", tool.Name, marshalErr)
		}
		req, err = http.NewRequestWithContext(ctx, method, tool.URL, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("tool %s request build failed: %w", tool.Name, err)
	}
	for k, v := range tool.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// normalizeBody keeps valid JSON as-is and wraps anything else as a text
// envelope so callers always receive JSON.
func normalizeBody(raw []byte) json.RawMessage {
	if json.Valid(raw) && len(bytes.TrimSpace(raw)) > 0 {
		return json.RawMessage(raw)
	}
	wrapped, err := json.Marshal(map[string]string{"text": string(raw)})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(wrapped)
}
