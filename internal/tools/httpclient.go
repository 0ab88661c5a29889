package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// HTTPClient performs JSON requests with bounded retries and exponential backoff.
type HTTPClient struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

func NewHTTPClient(timeout time.Duration, retries int, backoff time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if backoff == 0 {
		backoff = 300 * time.Millisecond
	}
	return &HTTPClient{client: &http.Client{Timeout: timeout}, retries: retries, backoff: backoff}
}

// DoJSON sends body as JSON (when non-nil) and decodes a 2xx response into out.
// 4xx responses other than 429 are not retried.
func (c *HTTPClient) DoJSON(ctx context.Context, method, url string, headers map[string]string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if payload != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		retryable := true
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			lastErr, retryable = c.readResponse(resp, out)
			if lastErr == nil {
				return nil
			}
		}
		if !retryable || attempt == tries-1 {
			break
		}
		select {
		case <-time.After(c.backoff * time.Duration(1<<attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *HTTPClient) readResponse(resp *http.Response, out any) (error, bool) {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil, false
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err, false
		}
		return nil, false
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return errors.New(resp.Status + ": " + string(b)), retryable
}
