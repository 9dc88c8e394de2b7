// Package shopify provides the Shopify Admin API adapter: customer points
// metafields, price-rule discounts and order webhooks.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config holds Shopify adapter configuration.
type Config struct {
	StoreURL      string        `envconfig:"SHOPIFY_STORE_URL"`
	AccessToken   string        `envconfig:"SHOPIFY_ACCESS_TOKEN"`
	APIVersion    string        `envconfig:"SHOPIFY_API_VERSION" default:"2023-10"`
	Timeout       time.Duration `envconfig:"SHOPIFY_TIMEOUT" default:"10s"`
	WebhookSecret string        `envconfig:"SHOPIFY_WEBHOOK_SECRET"`
}

// Configured reports whether store credentials are present.
func (c Config) Configured() bool {
	return c.StoreURL != "" && c.AccessToken != ""
}

// APIError is a non-2xx response from the Admin API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("shopify api error: %s %s status=%d body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the Admin API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

const maxResponseBytes = 4 << 20

// Adapter talks to the Shopify Admin REST API.
type Adapter struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new Shopify adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2023-10"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	store := strings.TrimRight(cfg.StoreURL, "/")
	if store != "" && !strings.Contains(store, "://") {
		store = "https://" + store
	}

	return &Adapter{
		config:  cfg,
		baseURL: store + "/admin/api/" + cfg.APIVersion,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// do sends a JSON request to path under the versioned Admin API and decodes
// the response into out when out is non-nil.
func (a *Adapter) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("X-Shopify-Access-Token", a.config.AccessToken)
	httpReq.Header.Set("Accept", "application/json")
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return &APIError{Method: method, Path: path, StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// ShopInfo identifies the connected store.
type ShopInfo struct {
	Name            string `json:"name"`
	MyshopifyDomain string `json:"myshopify_domain"`
}

// Shop fetches the store identity, verifying the credentials.
func (a *Adapter) Shop(ctx context.Context) (*ShopInfo, error) {
	var resp struct {
		Shop ShopInfo `json:"shop"`
	}
	if err := a.do(ctx, http.MethodGet, "/shop.json", nil, &resp); err != nil {
		return nil, fmt.Errorf("get shop: %w", err)
	}
	return &resp.Shop, nil
}
