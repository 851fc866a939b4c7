// Package remote provides the client for the remote invoice endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/invoicesync/internal/models"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 15 * time.Second

// maxErrorBody is how much of a non-2xx body is kept for diagnostics.
const maxErrorBody = 512

// Config holds remote endpoint connection configuration.
type Config struct {
	BaseURL   string
	Token     string // Sent as a bearer token when non-empty
	Timeout   time.Duration
	UserAgent string
}

// CreateInvoiceRequest is the body of POST /invoices.
type CreateInvoiceRequest struct {
	CustomerName string            `json:"customerName,omitempty"`
	Items        []models.LineItem `json:"items"`
}

// CreateInvoiceResponse is the success body of POST /invoices.
type CreateInvoiceResponse struct {
	InvoiceID string `json:"invoiceId"`
	Status    string `json:"status"`
}

// Client calls the remote invoice endpoint.
type Client struct {
	baseURL    *url.URL
	userAgent  string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a new Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote base URL must be http or https, got %q", u.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "invoicesync/1"
	}

	return &Client{
		baseURL:   u,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}, nil
}

// SetToken replaces the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// CreateInvoice submits one invoice. idempotencyKey must be the local invoice id so
// a resend after a lost response collapses onto the same remote invoice.
func (c *Client) CreateInvoice(ctx context.Context, idempotencyKey string, in CreateInvoiceRequest) (*CreateInvoiceResponse, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	if in.Items == nil {
		in.Items = []models.LineItem{}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invoice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("invoices"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	req.Header.Set("User-Agent", c.userAgent)
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "create invoice", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	var out CreateInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &MalformedResponseError{StatusCode: resp.StatusCode, Err: err}
	}
	if out.InvoiceID == "" {
		return nil, &MalformedResponseError{StatusCode: resp.StatusCode, Err: fmt.Errorf("missing invoiceId")}
	}
	return &out, nil
}

func (c *Client) endpoint(p string) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + p
	return u.String()
}

// parseRetryAfter reads a Retry-After header in either delay-seconds or HTTP-date form.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil && secs > 0 {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
