// Package restapi is a small client for the device's JSON REST API. It handles login and token
// reuse and retries requests that fail with transient errors; it does not model individual
// endpoints. Responses are returned as gjson results so callers can pick out the fields they
// care about.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nasqa/dut-harness/framework"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

// StatusError is returned when the device answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, strings.TrimSpace(e.Body))
}

// IsStatus returns true if err is a *StatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Config describes how to reach and log in to the API.
type Config struct {
	// BaseURL is e.g. "http://10.0.0.5". Paths passed to the request methods are appended to it.
	BaseURL  string
	Username string
	Password string
	// LoginPath is where credentials are posted. An empty LoginPath disables authentication.
	LoginPath string
	Timeout   time.Duration
	// Retries is how many times a request is retried after a connection error or 5xx status.
	Retries int
	Logger  framework.Logger
	// HTTPClient replaces the underlying client, e.g. for a test server.
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *retryablehttp.Client
	logger framework.Logger

	lock  sync.Mutex
	token string
}

// New creates a Client. It does not contact the device; the first request logs in.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rest: base URL is not set")
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = framework.NullLogger()
	}
	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.Retries
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 5 * time.Second
	hc.Logger = cfg.Logger
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.HTTPClient != nil {
		hc.HTTPClient = cfg.HTTPClient
	}
	hc.HTTPClient.Timeout = cfg.Timeout
	return &Client{cfg: cfg, http: hc, logger: cfg.Logger}, nil
}

// Token returns the cached session token, or "" if not logged in.
func (c *Client) Token() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.token
}

// Login posts the credentials and caches the returned token. The token is read from the
// "token" or "access_token" field of the response, or from the Authorization header.
func (c *Client) Login(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	if c.cfg.LoginPath == "" {
		return nil
	}
	body := map[string]string{"username": c.cfg.Username, "password": c.cfg.Password}
	resp, data, err := c.send(ctx, http.MethodPost, c.cfg.LoginPath, body, "")
	if err != nil {
		return fmt.Errorf("rest: login failed: %w", err)
	}
	result := gjson.ParseBytes(data)
	token := result.Get("token").String()
	if token == "" {
		token = result.Get("access_token").String()
	}
	if token == "" {
		token = strings.TrimPrefix(resp.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return errors.New("rest: login response contained no token")
	}
	c.token = token
	c.logger.Printf("REST login as %q succeeded", c.cfg.Username)
	return nil
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.token == "" && c.cfg.LoginPath != "" {
		if err := c.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

func (c *Client) relogin(ctx context.Context, staleToken string) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.token != staleToken {
		return c.token, nil // someone else already logged in again
	}
	c.token = ""
	if err := c.loginLocked(ctx); err != nil {
		return "", err
	}
	return c.token, nil
}

// Do sends a request with a JSON body (nil for none) and parses the JSON response. If the
// device answers 401 the client logs in again and repeats the request once.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (gjson.Result, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return gjson.Result{}, err
	}
	_, data, err := c.send(ctx, method, path, body, token)
	if IsStatus(err, http.StatusUnauthorized) && c.cfg.LoginPath != "" {
		c.logger.Printf("REST %s %s: token rejected, logging in again", method, path)
		if token, err = c.relogin(ctx, token); err != nil {
			return gjson.Result{}, err
		}
		_, data, err = c.send(ctx, method, path, body, token)
	}
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(data), nil
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, path string) (gjson.Result, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post sends a POST request.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (gjson.Result, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put sends a PUT request.
func (c *Client) Put(ctx context.Context, path string, body interface{}) (gjson.Result, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Delete sends a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (gjson.Result, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) send(
	ctx context.Context,
	method, path string,
	body interface{},
	token string,
) (*http.Response, []byte, error) {
	var rawBody interface{}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		rawBody = data
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rawBody)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, data, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(data)}
	}
	return resp, data, nil
}

// Close forgets the session token.
func (c *Client) Close() error {
	c.lock.Lock()
	c.token = ""
	c.lock.Unlock()
	c.http.HTTPClient.CloseIdleConnections()
	return nil
}
