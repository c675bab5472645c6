package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-flowcluster/pkg/routing"
    "github.com/amirimatin/go-flowcluster/pkg/transport"
)

type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    once sync.Once
    cm   *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call it before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

func (c *Client) conns() *ConnManager {
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dialCtx) })
    return c.cm
}

// invoke runs one unary call over a cached connection and drops the
// connection when the call fails below the application layer.
func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cm := c.conns()
    cc, rel, err := cm.Get(cctx, addr)
    if err != nil { return err }
    err = cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
    rel()
    if err != nil && ctx.Err() == nil { cm.Drop(addr) }
    return err
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(blob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) GetState(ctx context.Context, addr string) ([]byte, error) {
    out := new(blob)
    if err := c.invoke(ctx, addr, "GetState", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

// PostRoute returns routing.ErrNoEligibleNode (wrapped) when the remote
// router reported backpressure.
func (c *Client) PostRoute(ctx context.Context, addr string, req routing.JobRoutingRequest) (transport.RouteResponse, error) {
    var resp transport.RouteResponse
    if err := c.invoke(ctx, addr, "Route", &req, &resp); err != nil { return resp, err }
    return resp, transport.RouteError(resp)
}

func (c *Client) PostDeliver(ctx context.Context, addr string, req transport.DeliverRequest) error {
    var resp transport.DeliverResponse
    if err := c.invoke(ctx, addr, "Deliver", &req, &resp); err != nil { return err }
    if resp.Error != "" { return errors.New(resp.Error) }
    return nil
}

func (c *Client) PostApply(ctx context.Context, addr string, req transport.ApplyRequest) ([]byte, error) {
    var resp transport.ApplyResponse
    if err := c.invoke(ctx, addr, "Apply", &req, &resp); err != nil { return nil, err }
    if resp.Error != "" { return nil, errors.New(resp.Error) }
    return resp.Data, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var resp transport.JoinResponse
    if err := c.invoke(ctx, addr, "Join", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var resp transport.LeaveResponse
    if err := c.invoke(ctx, addr, "Leave", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

// Close releases cached connections.
func (c *Client) Close() { c.conns().Close() }

var _ transport.RPCClient = (*Client)(nil)
