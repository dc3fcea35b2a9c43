package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
)

// DefaultRefreshPath is the marketplace API's renewal endpoint.
const DefaultRefreshPath = "/auth/refresh"

// HTTPRenewer calls the marketplace JSON renewal endpoint with its own
// client, so the request never carries an access token and never passes
// through the request pipeline.
type HTTPRenewer struct {
	BaseURL    string
	Path       string
	HTTPClient *http.Client
}

func NewHTTPRenewer(baseURL string) *HTTPRenewer {
	return &HTTPRenewer{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Path:    DefaultRefreshPath,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (r *HTTPRenewer) Renew(ctx context.Context, refreshToken string) (credstore.TokenPair, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return credstore.TokenPair{}, fmt.Errorf("failed to encode request: %w", err)
	}

	path := r.Path
	if path == "" {
		path = DefaultRefreshPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return credstore.TokenPair{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return credstore.TokenPair{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return credstore.TokenPair{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return credstore.TokenPair{}, parseErrorBody(resp.StatusCode, respBody)
	}

	var pair credstore.TokenPair
	if err := json.Unmarshal(respBody, &pair); err != nil {
		return credstore.TokenPair{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := pair.Validate(); err != nil {
		return credstore.TokenPair{}, fmt.Errorf("renewal response: %w", err)
	}
	return pair, nil
}
