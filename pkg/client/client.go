package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// APIError is a non-2xx response from anchord.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Field      string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e.ErrorKind != "" {
		return fmt.Sprintf("anchord %d (%s): %s", e.StatusCode, e.ErrorKind, e.Message)
	}
	return fmt.Sprintf("anchord %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from anchord.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsNotAnchored reports whether err means the production has no record on
// the ledger.
func IsNotAnchored(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ErrorKind == "not_anchored"
}

// Client talks to the anchord HTTP API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an operator token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a Client for the anchord instance at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Anchoring waits for confirmation, so the default is generous.
		httpClient: &http.Client{Timeout: 3 * time.Minute},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Anchor submits one summary. When the server reports a failed or cancelled
// anchoring, both the result and an *APIError are returned.
func (c *Client) Anchor(ctx context.Context, s CarbonSummary) (*AnchorResult, error) {
	var res AnchorResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/anchors", s, &res); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && res.State != "" {
			apiErr.ErrorKind = res.ErrorKind
			apiErr.Message = res.Error
			if apiErr.Message == "" {
				apiErr.Message = "anchoring " + res.State
			}
			return &res, apiErr
		}
		return nil, err
	}
	return &res, nil
}

// AnchorBatch submits summaries in one request. Results are in input order
// and carry per-item outcomes.
func (c *Client) AnchorBatch(ctx context.Context, summaries []CarbonSummary) ([]*AnchorResult, error) {
	var resp struct {
		Results []*AnchorResult `json:"results"`
	}
	req := struct {
		Summaries []CarbonSummary `json:"summaries"`
	}{summaries}
	if err := c.call(ctx, http.MethodPost, "/api/v1/anchors/batch", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Status returns the anchoring state of a production.
func (c *Client) Status(ctx context.Context, productionID int64) (*AnchorResult, error) {
	var res AnchorResult
	if err := c.call(ctx, http.MethodGet, "/api/v1/anchors/"+itoa(productionID), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Cancel cancels an anchoring that has not been dispatched.
func (c *Client) Cancel(ctx context.Context, productionID int64) (*CancelResult, error) {
	var res CancelResult
	if err := c.call(ctx, http.MethodDelete, "/api/v1/anchors/"+itoa(productionID), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Resume lifts a funds halt and re-drives queued anchors.
func (c *Client) Resume(ctx context.Context) (*ReconcileReport, error) {
	var rep ReconcileReport
	if err := c.call(ctx, http.MethodPost, "/api/v1/anchors/resume", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Verify checks s against the record anchored for productionID. A mismatch
// is a result with Verified false; an absent record is an error for which
// IsNotAnchored is true.
func (c *Client) Verify(ctx context.Context, productionID int64, s CarbonSummary) (*VerificationResult, error) {
	var res VerificationResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/verify/"+itoa(productionID), s, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Audit returns a page of the audit log.
func (c *Client) Audit(ctx context.Context, offset, limit int) (*AuditPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var page AuditPage
	if err := c.call(ctx, http.MethodGet, "/api/v1/audit?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// VerifyAudit asks the server to walk the audit hash chain.
func (c *Client) VerifyAudit(ctx context.Context) (*AuditIntegrity, error) {
	var res AuditIntegrity
	if err := c.call(ctx, http.MethodGet, "/api/v1/audit/verify", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AuditEntry returns the entry at index.
func (c *Client) AuditEntry(ctx context.Context, index int) (*AuditEntry, error) {
	var e AuditEntry
	if err := c.call(ctx, http.MethodGet, "/api/v1/audit/entries/"+strconv.Itoa(index), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// AuditForProduction returns every audit entry for a production.
func (c *Client) AuditForProduction(ctx context.Context, productionID int64) ([]*AuditEntry, error) {
	var resp struct {
		Items []*AuditEntry `json:"items"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/audit/productions/"+itoa(productionID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Gas returns the server's gas recommendation for pending submissions.
func (c *Client) Gas(ctx context.Context, pending int) (*GasRecommendation, error) {
	var rec GasRecommendation
	if err := c.call(ctx, http.MethodGet, "/api/v1/gas?pending="+strconv.Itoa(pending), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Health returns the server's health report. A 503 still decodes the
// report and returns it alongside the error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.call(ctx, http.MethodGet, "/healthz", nil, &h); err != nil {
		if h.Status != "" {
			return &h, err
		}
		return nil, err
	}
	return &h, nil
}

// call sends a JSON request and decodes the response into out. Non-2xx
// responses are returned as *APIError after out has been populated from the
// body where it decodes.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	if out != nil {
		_ = json.Unmarshal(raw, out)
	}
	return apiErr
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
