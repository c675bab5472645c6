package discovery

import (
    "context"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/sirupsen/logrus"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
)

// DNSOptions configures DNS discovery.
type DNSOptions struct {
    // Names are SRV names ("_gossip._tcp.example.com"), hostnames resolved
    // to A/AAAA with Port, or literal host:port entries.
    Names []string
    // Port applies to A/AAAA answers. Defaults to 7946.
    Port int
    // Refresh is how long answers are cached. Defaults to 5s.
    Refresh  time.Duration
    Resolver *net.Resolver
    Logger   logrus.FieldLogger
}

type dnsSeeds struct {
    opts DNSOptions
    log  logrus.FieldLogger

    mu    sync.Mutex
    at    time.Time
    cache []string
}

func DNS(opts DNSOptions) Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Port == 0 { opts.Port = 7946 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &dnsSeeds{opts: opts, log: logutil.Component(opts.Logger, "discovery")}
}

func (d *dnsSeeds) Seeds(ctx context.Context) []string {
    d.mu.Lock(); defer d.mu.Unlock()
    if len(d.cache) > 0 && time.Since(d.at) < d.opts.Refresh {
        return append([]string(nil), d.cache...)
    }
    var all []string
    for _, name := range d.opts.Names {
        all = append(all, d.resolve(ctx, strings.TrimSpace(name))...)
    }
    d.cache, d.at = normalize(all), time.Now()
    return append([]string(nil), d.cache...)
}

func (d *dnsSeeds) resolve(ctx context.Context, name string) []string {
    switch {
    case name == "":
        return nil
    case strings.HasPrefix(name, "_") && strings.Contains(name, "._"):
        parts := strings.SplitN(name, ".", 3)
        if len(parts) < 3 { return nil }
        _, recs, err := d.opts.Resolver.LookupSRV(ctx, strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2])
        if err != nil {
            d.log.WithError(err).WithField("name", name).Debug("srv lookup")
            return nil
        }
        out := make([]string, 0, len(recs))
        for _, r := range recs {
            out = append(out, net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port))))
        }
        return out
    }
    if _, _, err := net.SplitHostPort(name); err == nil { return []string{name} }
    ips, err := d.opts.Resolver.LookupHost(ctx, name)
    if err != nil {
        d.log.WithError(err).WithField("name", name).Debug("host lookup")
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port))) }
    return out
}
