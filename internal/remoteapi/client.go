package remoteapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tikobros/UserFileSystemSamples/internal/vfsmon"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client fetches remote item metadata over the storage HTTP API. Transient
// failures (429, 5xx) are retried with capped exponential delays honoring
// Retry-After.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type itemPayload struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Attributes []string       `json:"attributes"`
	CreatedAt  time.Time      `json:"createdAt"`
	ModifiedAt time.Time      `json:"modifiedAt"`
	AccessedAt time.Time      `json:"accessedAt"`
	ChangedAt  time.Time      `json:"changedAt"`
	ETag       string         `json:"eTag"`
	Locked     bool           `json:"locked"`
	Properties []itemProperty `json:"properties"`
}

type itemProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FetchItem returns current metadata for the item at remotePath, or
// vfsmon.ErrRemoteNotFound when the item no longer exists.
func (c *Client) FetchItem(ctx context.Context, remotePath string) (*vfsmon.ItemMetadata, error) {
	q := url.Values{}
	q.Set("path", remotePath)
	var out itemPayload
	err := c.doJSON(ctx, http.MethodGet, "/v1/items?"+q.Encode(), nil, nil, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, vfsmon.ErrRemoteNotFound
		}
		return nil, err
	}
	return decodeItem(out)
}

func decodeItem(payload itemPayload) (*vfsmon.ItemMetadata, error) {
	identity, err := hex.DecodeString(strings.TrimSpace(payload.ID))
	if err != nil {
		return nil, fmt.Errorf("invalid item identity %q: %w", payload.ID, err)
	}
	meta := &vfsmon.ItemMetadata{
		Identity:   identity,
		Name:       payload.Name,
		CreatedAt:  payload.CreatedAt,
		ModifiedAt: payload.ModifiedAt,
		AccessedAt: payload.AccessedAt,
		ChangedAt:  payload.ChangedAt,
		VersionTag: payload.ETag,
		Locked:     payload.Locked,
	}
	for _, name := range payload.Attributes {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "directory":
			meta.Attributes |= vfsmon.AttrDirectory
		case "hidden":
			meta.Attributes |= vfsmon.AttrHidden
		case "readonly":
			meta.Attributes |= vfsmon.AttrReadOnly
		case "offline":
			meta.Attributes |= vfsmon.AttrOffline
		}
	}
	for _, prop := range payload.Properties {
		meta.Properties = append(meta.Properties, vfsmon.ItemProperty{
			Name:  prop.Name,
			Value: prop.Value,
		})
	}
	return meta, nil
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", ulid.Make().String())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
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

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
