package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/middleware"
)

const maxResponseBytes = 1 << 20

// Client is a thin HTTP client bound to one provider base URL.
type Client struct {
	Name    string
	BaseURL *url.URL
	HTTP    *http.Client
}

func NewClient(name, baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid %s base url %q", name, baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{Name: name, BaseURL: u, HTTP: httpClient}, nil
}

func (c *Client) Do(ctx context.Context, method, path, rawQuery string, body io.Reader, headers http.Header) (*http.Response, error) {
	rel := &url.URL{Path: path, RawQuery: rawQuery}
	u := c.BaseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vv := range headers {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	if cid := middleware.CorrelationIDFrom(ctx); cid != "" {
		req.Header.Set(middleware.HeaderCorrelationID, cid)
	}

	return c.HTTP.Do(req)
}

// Call performs the request and reads the (bounded) body. Transport failures
// and timeouts come back as gateway-unavailable errors that still match
// context.DeadlineExceeded.
func (c *Client) Call(ctx context.Context, method, path, rawQuery string, body io.Reader, headers http.Header) (int, []byte, error) {
	resp, err := c.Do(ctx, method, path, rawQuery, body, headers)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, nil, Unavailable(c.Name+" gateway timed out", context.DeadlineExceeded)
		}
		return 0, nil, Unavailable(c.Name+" gateway unreachable", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, Unavailable(c.Name+" gateway response unreadable", err)
	}
	return resp.StatusCode, b, nil
}
