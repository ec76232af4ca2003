// Package transport performs single request/response cycles against the
// identity server and normalizes failures into *domain.APIError.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-session/pkg/domain"
	"golang.org/x/net/publicsuffix"
)

const (
	// DefaultTimeout bounds one request cycle.
	DefaultTimeout = 15 * time.Second

	// ClientTypeMobile makes the server exchange refresh tokens in bodies.
	ClientTypeMobile = "mobile"

	headerClientType = "X-Client-Type"
	headerRequestID  = "X-Request-ID"

	maxErrorBody = 64 << 10
)

// Config holds transport configuration.
type Config struct {
	BaseURL string
	// ClientType is sent as X-Client-Type when set.
	ClientType string
	Timeout    time.Duration
	// Jar carries cookies between calls. Nil disables cookies.
	Jar http.CookieJar
	// HTTPClient overrides the default client. Its Jar is replaced by Jar
	// when Jar is set.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Request describes one call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Token is sent as a bearer credential when set.
	Token string
}

// Response is a successful (2xx) response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v. Empty bodies leave v untouched.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Client issues requests against a base URL.
type Client struct {
	baseURL    *url.URL
	clientType string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a transport client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("transport: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	} else {
		copied := *hc
		hc = &copied
	}
	if cfg.Jar != nil {
		hc.Jar = cfg.Jar
	}

	return &Client{
		baseURL:    base,
		clientType: cfg.ClientType,
		httpClient: hc,
		logger:     cfg.Logger,
	}, nil
}

// NewJar returns a cookie jar using the public suffix list.
func NewJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Do performs one request/response cycle. Non-2xx responses and transport
// failures are returned as *domain.APIError; no response yields Status 0.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Debug("request failed without response",
			"method", req.Method,
			"path", req.Path,
			"error", err,
		)
		return nil, &domain.APIError{
			Status:  domain.StatusNoResponse,
			Code:    domain.CodeNetwork,
			Message: "no response received",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.normalizeError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// Headers arrived but the body did not; still a connectivity failure.
		return nil, &domain.APIError{
			Status:  domain.StatusNoResponse,
			Code:    domain.CodeNetwork,
			Message: "response body interrupted",
			Err:     err,
		}
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := c.baseURL.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.clientType != "" {
		httpReq.Header.Set(headerClientType, c.clientType)
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	httpReq.Header.Set(headerRequestID, uuid.NewString())
	return httpReq, nil
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) normalizeError(resp *http.Response) *domain.APIError {
	apiErr := &domain.APIError{Status: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var eb errorBody
	if err := json.Unmarshal(data, &eb); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Code = eb.Code
	apiErr.Message = eb.Error
	if apiErr.Message == "" {
		apiErr.Message = eb.Message
	}
	return apiErr
}
