package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/assessly/assessly/internal/purchases"
)

// HTTPChecker queries the access-check endpoint of a running server.
type HTTPChecker struct {
	baseURL    string
	httpClient *http.Client
}

var _ AccessChecker = (*HTTPChecker)(nil)

// NewHTTPChecker creates a checker for the server at baseURL.
func NewHTTPChecker(baseURL string) *HTTPChecker {
	return &HTTPChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithHTTPClient replaces the underlying client.
func (c *HTTPChecker) WithHTTPClient(hc *http.Client) *HTTPChecker {
	c.httpClient = hc
	return c
}

// HasAccess calls GET /v1/access/:userId/:assessmentId.
func (c *HTTPChecker) HasAccess(ctx context.Context, userID, assessmentID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/access/%s/%s", c.baseURL, url.PathEscape(userID), url.PathEscape(assessmentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("access check returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status purchases.AccessStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("decode access status: %w", err)
	}
	return status.HasAccess, nil
}
