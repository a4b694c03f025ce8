// Package client is the HTTP client of the vottery API, used by the
// command line tools, the tests and the key authority to reach remote
// trustees.
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
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vottery/vottery-backend/log"
)

const (
	// HTTPGET is the method string used for calling Request()
	HTTPGET = http.MethodGet
	// HTTPPOST is the method string used for calling Request()
	HTTPPOST = http.MethodPost

	// PingEndpoint is the health check endpoint of every node.
	PingEndpoint = "/ping"

	errCodeNot200 = "API error"

	// DefaultRetries this enables Request() to handle the situation where the server connection fails
	DefaultRetries = 3
	// DefaultTimeout is the default timeout for the HTTP client
	DefaultTimeout = 10 * time.Second
)

// HTTPclient is the vottery API HTTP client.
type HTTPclient struct {
	c       *http.Client
	host    *url.URL
	retries int
	token   string
}

// New connects to the API host and returns the handle. It fails if the
// host does not answer the ping endpoint.
func New(host string) (*HTTPclient, error) {
	c, err := NewUnchecked(host)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// NewUnchecked returns a client without contacting the host.
func NewUnchecked(host string) (*HTTPclient, error) {
	hostURL, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		IdleConnTimeout:    DefaultTimeout,
		DisableCompression: false,
		WriteBufferSize:    1 * 1024 * 1024, // 1 MiB
		ReadBufferSize:     1 * 1024 * 1024, // 1 MiB
	}
	log.Debugw("http client created", "host", hostURL.String())
	return &HTTPclient{
		c:       &http.Client{Transport: tr, Timeout: DefaultTimeout},
		host:    hostURL,
		retries: DefaultRetries,
	}, nil
}

// Ping checks the host is alive.
func (c *HTTPclient) Ping(ctx context.Context) error {
	data, status, err := c.Request(ctx, HTTPGET, nil, nil, PingEndpoint)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s: %d (%s)", errCodeNot200, status, data)
	}
	return nil
}

// Host returns the host address of the API server.
func (c *HTTPclient) Host() *url.URL {
	return c.host
}

// SetRetries configures the number of retries for the HTTP client.
func (c *HTTPclient) SetRetries(n int) {
	c.retries = n
}

// SetAuthToken sets the bearer token sent with every request.
func (c *HTTPclient) SetAuthToken(token string) {
	c.token = token
}

// SetTimeout configures the timeout for the HTTP client.
func (c *HTTPclient) SetTimeout(d time.Duration) {
	c.c.Timeout = d
	if tr, ok := c.c.Transport.(*http.Transport); ok {
		tr.ResponseHeaderTimeout = d
	}
}

// Request performs a `method` type raw request to the endpoint specified in urlPath parameter.
// Method is either GET or POST. If POST, a JSON struct should be attached. Returns the response,
// the status code and an error. Connection failures are retried with exponential backoff.
//
// Supports query parameters via `params` slice. If the slice is not empty, it should contain pairs of strings;
// the first element of each pair is the key, and the second element is the value.
func (c *HTTPclient) Request(ctx context.Context, method string, jsonBody any, params []string, urlPath ...string) ([]byte, int, error) {
	var body []byte
	if jsonBody != nil {
		var err error
		body, err = json.Marshal(jsonBody)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}

	u := *c.host
	u.Path = path.Join(u.Path, path.Join(urlPath...))
	if len(params) > 0 {
		values := url.Values{}
		for i := 0; i < len(params)-1; i += 2 {
			values.Set(params[i], params[i+1])
		}
		u.RawQuery = values.Encode()
	}

	headers := http.Header{}
	if jsonBody != nil {
		headers.Set("Content-Type", "application/json")
		headers.Set("Accept", "application/json")
	}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	log.Debugw("http client request",
		"type", method,
		"url", u.String(),
		"body", func() string {
			if len(body) > 512 {
				return string(body[:512]) + "..."
			}
			return string(body)
		}(),
	)

	attempt := 0
	resp, err := backoff.RetryWithData(func() (*http.Response, error) {
		attempt++
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header = headers.Clone()
		resp, err := c.c.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			log.Warnw("http request failed", "error", err.Error(), "attempt", attempt, "retries", c.retries)
			return nil, err
		}
		return resp, nil
	}, backoff.WithContext(backoff.WithMaxRetries(retryPolicy(), uint64(max(c.retries-1, 0))), ctx))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, 0, fmt.Errorf("http request ultimately failed after retries: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, resp.StatusCode, nil
}

func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// Error is the decoded error body of a failed API call.
type Error struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code"`
	Kind    string `json:"kind"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %d %s (%s)", errCodeNot200, e.Status, e.Code, e.Message)
}

// Call performs a request and decodes a JSON response into out. Status codes
// outside 2xx are returned as *Error. out may be nil.
func (c *HTTPclient) Call(ctx context.Context, method string, body, out any, urlPath ...string) (int, error) {
	data, status, err := c.Request(ctx, method, body, nil, urlPath...)
	if err != nil {
		return 0, err
	}
	if status < 200 || status > 299 {
		apiErr := &Error{Status: status}
		if jerr := json.Unmarshal(data, apiErr); jerr != nil {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return status, apiErr
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return status, fmt.Errorf("decode response: %w", err)
		}
	}
	return status, nil
}

// Path replaces the {name} placeholder of a route pattern with value.
func Path(pattern, name, value string) string {
	return strings.ReplaceAll(pattern, "{"+name+"}", value)
}
