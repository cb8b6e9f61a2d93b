// Package store implements the gateway's view of the remote JSON document
// store. Every read and write goes through one shared, pooled HTTP client
// with bounded timeouts; transient failures are retried with exponential
// backoff, definitive "not found" answers never are.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"authgate/internal/config"
)

// Sentinel errors distinguishing the store failure modes. A timed-out or
// unreachable store is ErrUnavailable, never ErrNotFound: the two must map
// to different outcomes upstream.
var (
	ErrNotFound    = errors.New("store: record not found")
	ErrUnavailable = errors.New("store: unavailable")
	ErrMalformed   = errors.New("store: malformed record")
	ErrConflict    = errors.New("store: conditional update conflict")
)

// Client talks to the remote store.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryBaseDelay time.Duration
	logger         *slog.Logger
	locks          *keyedMutex
}

// NewClient creates a store client from configuration.
func NewClient(cfg config.StoreConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConns:        cfg.MaxIdleConns,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
		logger:         logger.With(slog.String("component", "store")),
		locks:          newKeyedMutex(),
	}
}

// GetJSON fetches the document at path and decodes it into v. Returns
// ErrNotFound for absent documents and ErrMalformed when the stored JSON
// does not decode into v.
func (c *Client) GetJSON(ctx context.Context, path string, v interface{}) error {
	raw, _, err := c.get(ctx, path, false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return nil
}

// Update performs a conditional read-modify-write of the document at path.
// fn receives the current raw document (nil if absent) and returns the value
// to store. The write carries the ETag observed on read; a concurrent writer
// triggers a re-read and retry. Same-key updates within this process are
// additionally serialized through a keyed mutex.
func (c *Client) Update(ctx context.Context, path string, fn func(current json.RawMessage) (interface{}, error)) error {
	unlock := c.locks.Lock(path)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		raw, etag, err := c.get(ctx, path, true)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		next, err := fn(raw)
		if err != nil {
			return err
		}

		body, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("store: marshal %s: %w", path, err)
		}

		err = c.put(ctx, path, body, etag)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err

		c.logger.WarnContext(ctx, "conditional update conflict, retrying",
			slog.String("path", path),
			slog.Int("attempt", attempt+1))
	}
	return fmt.Errorf("store: update %s exhausted retries: %w", path, lastErr)
}

// get fetches raw JSON, optionally requesting an ETag for conditional writes.
// The store answers missing documents with either 404 or a literal "null"
// body; both map to ErrNotFound.
func (c *Client) get(ctx context.Context, path string, withETag bool) (json.RawMessage, string, error) {
	var raw json.RawMessage
	var etag string

	err := c.withRetry(ctx, "GET", path, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
		if err != nil {
			return false, err
		}
		req.Header.Set("Accept", "application/json")
		if withETag {
			req.Header.Set("X-Firebase-ETag", "true")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			etag = resp.Header.Get("ETag")
			return false, ErrNotFound
		case resp.StatusCode >= 500:
			return true, fmt.Errorf("%w: GET %s: HTTP %d", ErrUnavailable, path, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return false, fmt.Errorf("%w: GET %s: HTTP %d", ErrUnavailable, path, resp.StatusCode)
		}

		etag = resp.Header.Get("ETag")
		if isNullDocument(body) {
			return false, ErrNotFound
		}
		raw = body
		return false, nil
	})

	return raw, etag, err
}

// put writes raw JSON, conditionally when etag is non-empty.
func (c *Client) put(ctx context.Context, path string, body []byte, etag string) error {
	return c.withRetry(ctx, "PUT", path, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/"+path, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/json")
		if etag != "" {
			req.Header.Set("if-match", etag)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode == http.StatusPreconditionFailed:
			return false, ErrConflict
		case resp.StatusCode >= 500:
			return true, fmt.Errorf("%w: PUT %s: HTTP %d", ErrUnavailable, path, resp.StatusCode)
		case resp.StatusCode >= 400:
			return false, fmt.Errorf("%w: PUT %s: HTTP %d", ErrUnavailable, path, resp.StatusCode)
		}
		return false, nil
	})
}

// withRetry runs op with exponential backoff. op reports whether its error
// is transient; definitive answers (not found, 4xx, conflicts) come back
// immediately.
func (c *Client) withRetry(ctx context.Context, method, path string, op func() (retryable bool, err error)) error {
	backoff := c.retryBaseDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
				if backoff > 10*time.Second {
					backoff = 10 * time.Second
				}
			}
			c.logger.WarnContext(ctx, "retrying store call",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()))
		}

		retryable, err := op()
		if err == nil || !retryable {
			return err
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
	}
	return lastErr
}

// isNullDocument reports whether the body is the store's "absent" answer.
func isNullDocument(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
