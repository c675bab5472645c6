package httpjson

import (
    "context"
    "errors"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/routing"
    "github.com/amirimatin/go-flowcluster/pkg/transport"
)

func serve(t *testing.T, h transport.Handlers) string {
    t.Helper()
    ts := httptest.NewServer(Handler(h))
    t.Cleanup(ts.Close)
    return strings.TrimPrefix(ts.URL, "http://")
}

func TestRouteAndBackpressure(t *testing.T) {
    addr := serve(t, transport.Handlers{Route: func(_ context.Context, req routing.JobRoutingRequest) (routing.Decision, error) {
        if len(req.RequiredTags) > 0 { return routing.Decision{Strategy: routing.LeastLoaded}, routing.ErrNoEligibleNode }
        return routing.Decision{NodeID: "w1", NodeIDs: []string{"w1"}, Strategy: routing.LeastLoaded}, nil
    }})
    c := NewClient(time.Second)
    ctx := context.Background()

    resp, err := c.PostRoute(ctx, addr, routing.JobRoutingRequest{JobID: "j1", JobType: "http"})
    require.NoError(t, err)
    assert.Equal(t, "w1", resp.Decision.NodeID)

    resp, err = c.PostRoute(ctx, addr, routing.JobRoutingRequest{JobType: "http", RequiredTags: map[string]string{"gpu": "yes"}})
    assert.ErrorIs(t, err, routing.ErrNoEligibleNode)
    assert.True(t, resp.Backpressure)
}

func TestApplyErrorIsNotRetried(t *testing.T) {
    var calls atomic.Int32
    addr := serve(t, transport.Handlers{Apply: func(context.Context, []byte) ([]byte, error) {
        calls.Add(1)
        return nil, errors.New("raftstore: not the leader")
    }})
    _, err := NewClient(time.Second).PostApply(context.Background(), addr, transport.ApplyRequest{Command: []byte(`{}`)})
    assert.ErrorContains(t, err, "not the leader")
    assert.EqualValues(t, 1, calls.Load())
}

func TestUnsupportedAndStatus(t *testing.T) {
    addr := serve(t, transport.Handlers{Status: func(context.Context) ([]byte, error) { return []byte(`{"ok":true}`), nil }})
    c := NewClient(time.Second)
    ctx := context.Background()

    b, err := c.GetStatus(ctx, addr)
    require.NoError(t, err)
    assert.JSONEq(t, `{"ok":true}`, string(b))

    _, err = c.GetState(ctx, addr)
    assert.ErrorContains(t, err, "501")
    err = c.PostDeliver(ctx, addr, transport.DeliverRequest{Payload: []byte("x")})
    assert.ErrorContains(t, err, "not supported")

    res, err := http.Get("http://" + addr + "/healthz")
    require.NoError(t, err)
    res.Body.Close()
    assert.Equal(t, http.StatusOK, res.StatusCode)
    res, err = http.Get("http://" + addr + "/metrics")
    require.NoError(t, err)
    res.Body.Close()
    assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestServerLifecycle(t *testing.T) {
    got := make(chan []byte, 1)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    s := NewServer("127.0.0.1:0", logutil.Discard())
    require.NoError(t, s.Start(ctx, transport.Handlers{Deliver: func(_ context.Context, p []byte) error { got <- p; return nil }}))

    require.NoError(t, NewClient(time.Second).PostDeliver(ctx, s.Addr(), transport.DeliverRequest{Payload: []byte(`{"a":1}`)}))
    assert.Equal(t, `{"a":1}`, string(<-got))
    require.NoError(t, s.Stop(context.Background()))
    require.NoError(t, s.Stop(context.Background()))
}
