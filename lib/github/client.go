// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bureau-foundation/propagator/lib/clock"
	"github.com/bureau-foundation/propagator/lib/netutil"
	"github.com/bureau-foundation/propagator/lib/version"
)

// githubAPIVersion pins the REST API version header.
const githubAPIVersion = "2022-11-28"

const defaultBaseURL = "https://api.github.com"

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the API root. Defaults to https://api.github.com and
	// must use HTTPS.
	BaseURL string

	// Token is a personal access token or fine-grained token with
	// administration rights on the mirror organization.
	Token string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Client is a GitHub REST API client for repository administration.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	rateLimit  *rateLimitTracker
	clock      clock.Clock
	logger     *slog.Logger
}

// NewClient validates config and returns a Client.
func NewClient(config Config) (*Client, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}
	if config.Token == "" {
		return nil, fmt.Errorf("github: no token configured")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		baseURL:    baseURL,
		token:      config.Token,
		httpClient: httpClient,
		rateLimit:  newRateLimitTracker(clk, logger),
		clock:      clk,
		logger:     logger,
	}, nil
}

// do executes an authenticated request and returns the response body.
// A rate-limited response is retried once after the advertised
// backoff. Non-2xx responses return *APIError.
func (client *Client) do(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, status, header, err := client.roundTrip(ctx, method, path, requestBody)
		if err != nil {
			return nil, err
		}
		if status >= 200 && status < 300 {
			return body, nil
		}

		apiError := parseAPIError(status, body)
		if attempt > 0 || !IsRateLimited(apiError) {
			return nil, apiError
		}
		backoff := client.rateLimit.retryAfter(header)
		if backoff <= 0 {
			return nil, apiError
		}
		client.logger.Info("rate limited, backing off", "duration", backoff, "method", method, "path", path)
		select {
		case <-client.clock.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (client *Client) roundTrip(ctx context.Context, method, path string, requestBody any) ([]byte, int, http.Header, error) {
	if err := client.rateLimit.wait(ctx); err != nil {
		return nil, 0, nil, err
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("github: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	url := client.baseURL + path
	request, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("github: creating request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.token)
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	request.Header.Set("User-Agent", version.UserAgent())
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("github: %s %s: %w", method, url, err)
	}
	defer response.Body.Close()
	client.rateLimit.update(response.Header)

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("github: reading response body: %w", err)
	}
	return body, response.StatusCode, response.Header, nil
}

func (client *Client) get(ctx context.Context, path string, result any) error {
	body, err := client.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

func (client *Client) send(ctx context.Context, method, path string, requestBody, result any) error {
	body, err := client.do(ctx, method, path, requestBody)
	if err != nil {
		return err
	}
	if result != nil && len(body) > 0 {
		return json.Unmarshal(body, result)
	}
	return nil
}
