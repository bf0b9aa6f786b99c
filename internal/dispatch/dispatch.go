// Package dispatch sends test-case requests to the service under test.
package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrInvalidMethod is returned by New for an unknown dispatch method.
var ErrInvalidMethod = errors.New("invalid request method")

// Dispatch methods.
const (
	MethodBasic   = "basic"
	MethodSession = "session"
)

const defaultTimeout = 30 * time.Second

// Request is one call to the service under test. Endpoint is appended to the
// base URL and may carry its own query string.
type Request struct {
	Method   string
	Endpoint string
	Params   url.Values
	Body     any
	Header   http.Header
}

// Response is what came back, with the time spent waiting for it.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
}

// JSON decodes the body.
func (r *Response) JSON() (any, error) {
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", r.URL, err)
	}
	return v, nil
}

// Sender sends requests.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Options configure a Sender.
type Options struct {
	Method            string
	BaseURL           string
	VerifySSL         bool
	Timeout           time.Duration
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// New builds the Sender named by opts.Method.
func New(opts Options) (Sender, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	base := client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		logger:  opts.Logger,
	}
	if opts.RequestsPerSecond > 0 {
		base.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	switch strings.ToLower(opts.Method) {
	case MethodBasic, "":
		return &BasicClient{
			client:    base,
			timeout:   opts.Timeout,
			verifySSL: opts.VerifySSL,
		}, nil
	case MethodSession:
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		base.http = &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport(opts.VerifySSL),
			Jar:       jar,
		}
		return &SessionClient{client: base}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, opts.Method)
}

// BasicClient uses a fresh connection for every request and keeps no cookies.
type BasicClient struct {
	client
	timeout   time.Duration
	verifySSL bool
}

// Send implements Sender.
func (c *BasicClient) Send(ctx context.Context, req Request) (*Response, error) {
	hc := &http.Client{
		Timeout:   c.timeout,
		Transport: transport(c.verifySSL),
	}
	defer hc.CloseIdleConnections()
	return c.do(ctx, hc, req)
}

// SessionClient reuses one connection pool and cookie jar across requests.
type SessionClient struct {
	client
}

// Send implements Sender.
func (c *SessionClient) Send(ctx context.Context, req Request) (*Response, error) {
	return c.do(ctx, c.http, req)
}

// Close releases idle connections.
func (c *SessionClient) Close() {
	c.http.CloseIdleConnections()
}

type client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func (c *client) do(ctx context.Context, hc *http.Client, req Request) (*Response, error) {
	target, err := c.url(req.Endpoint, req.Params)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encoding body for %s: %w", target, err)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request %s %s: %w", method, target, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting to send %s: %w", target, err)
		}
	}

	c.logger.Debug("sending request", "method", method, "url", target)
	start := time.Now()
	resp, err := hc.Do(httpReq)
	// Elapsed stops at the response headers; reading the body is not counted.
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Error("request failed", "method", method, "url", target, "error", err)
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("reading response failed", "method", method, "url", target, "error", err)
		return nil, fmt.Errorf("reading response from %s: %w", target, err)
	}

	c.logger.Debug("received response", "url", target, "status", resp.StatusCode, "elapsed", elapsed)
	return &Response{
		URL:        target,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Elapsed:    elapsed,
	}, nil
}

// url joins the base URL and endpoint and merges params into the query.
// A param replaces any value of the same name already in the endpoint.
func (c *client) url(endpoint string, params url.Values) (string, error) {
	raw := c.baseURL + endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "/") && !strings.HasPrefix(endpoint, "?") {
		raw = c.baseURL + "/" + endpoint
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing url %s: %w", raw, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		return strings.NewReader(b), "", nil
	case []byte:
		return bytes.NewReader(b), "", nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(data), "application/json", nil
}

func transport(verifySSL bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if !verifySSL {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via verify_ssl: false
	}
	return t
}

// QueryValues flattens test-case params into URL values. params may be an
// object, a list of single-key objects, or nil. List values become repeated
// keys; nil values are dropped.
func QueryValues(params any) url.Values {
	out := url.Values{}
	switch p := params.(type) {
	case map[string]any:
		addAll(out, p)
	case []any:
		for _, item := range p {
			if m, ok := item.(map[string]any); ok {
				addAll(out, m)
			}
		}
	case map[string]string:
		for k, v := range p {
			out.Add(k, v)
		}
	}
	return out
}

func addAll(out url.Values, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := m[k].(type) {
		case nil:
		case []any:
			for _, item := range v {
				out.Add(k, formatValue(item))
			}
		default:
			out.Add(k, formatValue(v))
		}
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
	case map[string]any:
		data, err := json.Marshal(x)
		if err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(v)
}
