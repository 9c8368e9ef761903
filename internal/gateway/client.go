package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/frahmantamala/payment-connector/internal"
)

const DefaultTimeout = 30 * time.Second

type BasicAuth struct {
	Username string
	Password string
}

type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Headers     map[string]string
	BasicAuth   *BasicAuth
	Cookies     []*http.Cookie
	// Operation names the call in logs, e.g. "authorise".
	Operation string
}

type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Cookies    []*http.Cookie
}

func (r *Response) Cookie(name string) string {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// Client is the outbound transport shared by the adapters. It never returns a
// raw net/http error.
type Client struct {
	provider   Name
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(provider Name, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		provider:   provider,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, NewGenericError("failed to create HTTP request", err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	correlationID := internal.CorrelationIDFromContext(ctx)
	if req.BasicAuth != nil {
		httpReq.SetBasicAuth(req.BasicAuth.Username, req.BasicAuth.Password)
	}
	for _, cookie := range req.Cookies {
		httpReq.AddCookie(cookie)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		if IsTimeout(err) {
			c.logger.Warn("gateway call timed out",
				"provider", c.provider,
				"operation", req.Operation,
				"correlation_id", correlationID,
				"duration_ms", elapsed.Milliseconds())
			return nil, NewConnectionTimeoutError(fmt.Sprintf("%s %s timed out", c.provider, req.Operation), err)
		}
		c.logger.Error("gateway call failed",
			"provider", c.provider,
			"operation", req.Operation,
			"correlation_id", correlationID,
			"error", err)
		return nil, NewGenericError(fmt.Sprintf("%s %s request failed", c.provider, req.Operation), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if IsTimeout(err) {
			return nil, NewConnectionTimeoutError(fmt.Sprintf("%s %s response timed out", c.provider, req.Operation), err)
		}
		return nil, NewGenericError("failed to read gateway response", err)
	}

	c.logger.Debug("gateway call completed",
		"provider", c.provider,
		"operation", req.Operation,
		"correlation_id", correlationID,
		"status_code", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewGatewayError(
			fmt.Sprintf("%s %s returned status %d", c.provider, req.Operation, resp.StatusCode),
			resp.StatusCode,
			string(body))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Header:     resp.Header,
		Cookies:    resp.Cookies(),
	}, nil
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
