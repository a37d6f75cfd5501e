/*
The httpclient package is a small retrying JSON client for the Parley REST
surface (session login today). Retries ride a cenkalti backoff ticker and
are bounded by the caller's context; client errors in the 4xx range fail
immediately since resending the same request cannot fix them.
*/
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/parleychat/relaykit/logger"
)

const requestTimeout = 30 * time.Second

// The HTTPError is used when the server answered outside the 2xx range. The
// status code decides whether the request is retried.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.Status)
}

func (e *HTTPError) Unwrap() error { return nil }

// retryable reports whether another attempt could plausibly succeed
func (e *HTTPError) retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

type Options struct {
	// Endpoint is joined onto the service url's path when set
	Endpoint string
	Headers  http.Header
	Params   url.Values
}

type Client struct {
	logger *logger.Logger

	// nil means every request is a single attempt
	backoffParams *backoff.ExponentialBackOff

	targetUrl string
	headers   http.Header
	params    url.Values
}

func New(logger *logger.Logger, serviceUrl string, options Options) (*Client, error) {
	if options.Endpoint != "" {
		combo, err := url.ParseRequestURI(serviceUrl)
		if err != nil {
			return nil, err
		}
		combo.Path = path.Join(combo.Path, options.Endpoint)
		serviceUrl = combo.String()
	}

	if options.Headers == nil {
		options.Headers = http.Header{}
	}
	if options.Params == nil {
		options.Params = url.Values{}
	}

	return &Client{
		logger:    logger,
		targetUrl: serviceUrl,
		headers:   options.Headers,
		params:    options.Params,
	}, nil
}

// NewWithBackoff builds a client that keeps retrying failed requests until
// the backoff gives up or the request context is cancelled.
func NewWithBackoff(logger *logger.Logger, serviceUrl string, options Options) (*Client, error) {
	client, err := New(logger, serviceUrl, options)
	if err != nil {
		return nil, err
	}

	backoffParams := backoff.NewExponentialBackOff()
	backoffParams.MaxInterval = 15 * time.Second
	backoffParams.MaxElapsedTime = 2 * time.Minute
	client.backoffParams = backoffParams

	return client, nil
}

// Post sends payload as JSON and decodes the response body into out when
// out is non-nil.
func (c *Client) Post(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	return c.execute(ctx, http.MethodPost, body, out)
}

// Get decodes the response body into out when out is non-nil
func (c *Client) Get(ctx context.Context, out any) error {
	return c.execute(ctx, http.MethodGet, nil, out)
}

func (c *Client) execute(ctx context.Context, method string, body []byte, out any) error {
	if c.backoffParams == nil {
		return c.request(ctx, method, body, out)
	}

	c.backoffParams.Reset()
	ticker := backoff.NewTicker(c.backoffParams)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled before a successful response: %w", ctx.Err())
		case _, ok := <-ticker.C:
			if !ok {
				return fmt.Errorf("no successful response after %s", c.backoffParams.MaxElapsedTime)
			}

			err := c.request(ctx, method, body, out)
			if err == nil {
				return nil
			}

			var httpErr *HTTPError
			if errors.As(err, &httpErr) && !httpErr.retryable() {
				return err
			}

			c.logger.Errorf("Retrying %s %s: %s", method, c.targetUrl, err)
		}
	}
}

func (c *Client) request(ctx context.Context, method string, body []byte, out any) error {
	client := http.Client{
		Timeout: requestTimeout,
	}

	// a fresh reader per attempt, so retries do not send a drained body
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.targetUrl, reader)
	if err != nil {
		return err
	}
	request.Header = c.headers.Clone()
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	request.URL.RawQuery = c.params.Encode()

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return &HTTPError{Status: response.StatusCode, URL: c.targetUrl}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}
