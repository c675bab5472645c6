package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-flowcluster/pkg/routing"
    "github.com/amirimatin/go-flowcluster/pkg/transport"
)

// Client is a thin HTTP client for the management API with optional TLS
// and a short retry with backoff on transport errors and 5xx answers.
type Client struct {
    httpc    *http.Client
    tr       *http.Transport
    isTLS    bool
    attempts int
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, tr: tr, attempts: 3}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    c.tr.TLSClientConfig = cfg
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do sends the request built by mk, retrying transport errors and 5xx
// answers other than 501 and 503 (unsupported and backpressure are answers,
// not faults).
func (c *Client) do(ctx context.Context, mk func() (*http.Request, error)) (int, []byte, error) {
    var lastErr error
    for attempt := 0; attempt < c.attempts; attempt++ {
        req, err := mk()
        if err != nil { return 0, nil, err }
        resp, err := c.httpc.Do(req)
        if err == nil {
            b, rerr := io.ReadAll(resp.Body)
            _ = resp.Body.Close()
            if rerr == nil && (resp.StatusCode < 500 || resp.StatusCode == http.StatusNotImplemented || resp.StatusCode == http.StatusServiceUnavailable) {
                return resp.StatusCode, b, nil
            }
            lastErr = rerr
            if lastErr == nil { lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b)) }
            // application errors come back as JSON bodies; let the caller decode them
            if json.Valid(b) { return resp.StatusCode, b, nil }
        } else {
            lastErr = err
        }
        select {
        case <-ctx.Done():
            return 0, nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return 0, nil, lastErr
}

func (c *Client) get(ctx context.Context, addr, path string) ([]byte, error) {
    code, b, err := c.do(ctx, func() (*http.Request, error) {
        return http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, path), nil)
    })
    if err != nil { return nil, err }
    if code != http.StatusOK { return nil, fmt.Errorf("status %d: %s", code, bytes.TrimSpace(b)) }
    return b, nil
}

// postJSON decodes the answer into out for every status that carries a JSON
// body, so callers can read the embedded error field.
func (c *Client) postJSON(ctx context.Context, addr, path string, in, out any) (int, error) {
    body, err := json.Marshal(in)
    if err != nil { return 0, err }
    code, b, err := c.do(ctx, func() (*http.Request, error) {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, path), bytes.NewReader(body))
        if err != nil { return nil, err }
        req.Header.Set("Content-Type", "application/json")
        return req, nil
    })
    if err != nil { return 0, err }
    if err := json.Unmarshal(b, out); err != nil {
        return code, fmt.Errorf("%s status %d: %s", path, code, bytes.TrimSpace(b))
    }
    return code, nil
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) { return c.get(ctx, addr, "/status") }

func (c *Client) GetState(ctx context.Context, addr string) ([]byte, error) { return c.get(ctx, addr, "/state") }

func (c *Client) PostRoute(ctx context.Context, addr string, req routing.JobRoutingRequest) (transport.RouteResponse, error) {
    var out transport.RouteResponse
    if _, err := c.postJSON(ctx, addr, "/route", req, &out); err != nil { return out, err }
    return out, transport.RouteError(out)
}

func (c *Client) PostDeliver(ctx context.Context, addr string, req transport.DeliverRequest) error {
    var out transport.DeliverResponse
    if _, err := c.postJSON(ctx, addr, "/deliver", req, &out); err != nil { return err }
    if out.Error != "" { return errors.New(out.Error) }
    return nil
}

func (c *Client) PostApply(ctx context.Context, addr string, req transport.ApplyRequest) ([]byte, error) {
    var out transport.ApplyResponse
    if _, err := c.postJSON(ctx, addr, "/apply", req, &out); err != nil { return nil, err }
    if out.Error != "" { return nil, errors.New(out.Error) }
    return out.Data, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    if _, err := c.postJSON(ctx, addr, "/join", req, &out); err != nil { return out, err }
    if out.Error != "" { return out, errors.New(out.Error) }
    return out, nil
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    if _, err := c.postJSON(ctx, addr, "/leave", req, &out); err != nil { return out, err }
    if out.Error != "" { return out, errors.New(out.Error) }
    return out, nil
}

var _ transport.RPCClient = (*Client)(nil)
