// Package transport defines the intra-cluster RPC contracts shared by the
// gRPC and HTTP/JSON implementations.
package transport

import (
    "context"
    "errors"
    "fmt"

    "golang.org/x/sync/errgroup"
)

// Transport exposes the local advertised address of a listener.
type Transport interface {
    Addr() string
}

// PeerBroadcaster delivers event payloads to every peer over RPC. It is the
// point-to-point alternative to gossip broadcast.
type PeerBroadcaster struct {
    Client RPCClient
    // Peers returns the RPC addresses of the other nodes.
    Peers func() []string
    // Fanout bounds concurrent deliveries; <= 0 means unbounded.
    Fanout int
}

// Broadcast sends payload to all peers concurrently and reports every
// peer that could not be reached.
func (b *PeerBroadcaster) Broadcast(ctx context.Context, payload []byte) error {
    if b.Client == nil || b.Peers == nil { return nil }
    peers := b.Peers()
    errs := make([]error, len(peers))
    var g errgroup.Group
    if b.Fanout > 0 { g.SetLimit(b.Fanout) }
    for i, addr := range peers {
        i, addr := i, addr
        g.Go(func() error {
            if err := b.Client.PostDeliver(ctx, addr, DeliverRequest{Payload: payload}); err != nil {
                errs[i] = fmt.Errorf("%s: %w", addr, err)
            }
            return nil
        })
    }
    _ = g.Wait()
    return errors.Join(errs...)
}
