package deltasync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaymail/internal/maildb"
)

// ProviderClient fetches deltas for one account from the remote provider.
type ProviderClient interface {
	LatestEventID(ctx context.Context, login string) (string, error)
	FetchBootstrap(ctx context.Context, login string, stage maildb.FetchStage, cursor string) (Page, error)
	FetchEvents(ctx context.Context, login, cursor string) (Page, error)
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// HTTPProviderClient talks JSON to a provider bridge. It makes one attempt
// per call; retries belong to WithRetry.
type HTTPProviderClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPProviderClient(baseURL, token string, httpClient *http.Client) *HTTPProviderClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProviderClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *HTTPProviderClient) LatestEventID(ctx context.Context, login string) (string, error) {
	var out struct {
		LatestEventID string `json:"latestEventId"`
	}
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/accounts/%s/latest-event", url.PathEscape(login)), &out)
	return out.LatestEventID, err
}

func (c *HTTPProviderClient) FetchBootstrap(ctx context.Context, login string, stage maildb.FetchStage, cursor string) (Page, error) {
	q := url.Values{}
	q.Set("stage", string(stage))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out Page
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/accounts/%s/bootstrap?%s", url.PathEscape(login), q.Encode()), &out)
	return out, err
}

func (c *HTTPProviderClient) FetchEvents(ctx context.Context, login, cursor string) (Page, error) {
	q := url.Values{}
	if strings.TrimSpace(cursor) != "" {
		q.Set("cursor", strings.TrimSpace(cursor))
	}
	var out Page
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/accounts/%s/events?%s", url.PathEscape(login), q.Encode()), &out)
	return out, err
}

func (c *HTTPProviderClient) doJSON(ctx context.Context, method, requestPath string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(payload)) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
