// Package discovery supplies the gossip seed addresses a node joins on
// start-up and whenever it finds itself alone.
package discovery

import (
    "context"
    "sort"
    "strings"
)

// Discovery returns candidate seed addresses (host:port).
type Discovery interface {
    Seeds(ctx context.Context) []string
}

// Func adapts a function to Discovery.
type Func func(ctx context.Context) []string

func (f Func) Seeds(ctx context.Context) []string { return f(ctx) }

// Static always returns the given seeds.
func Static(seeds ...string) Discovery {
    s := normalize(seeds)
    return Func(func(context.Context) []string { return append([]string(nil), s...) })
}

// Merge unions the seeds of every source.
func Merge(srcs ...Discovery) Discovery {
    return Func(func(ctx context.Context) []string {
        var all []string
        for _, d := range srcs {
            if d != nil { all = append(all, d.Seeds(ctx)...) }
        }
        return normalize(all)
    })
}

// Parse splits a comma-separated list.
func Parse(csv string) []string { return normalize(strings.Split(csv, ",")) }

// normalize trims, drops empties and duplicates, and sorts.
func normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    out := make([]string, 0, len(in))
    for _, v := range in {
        v = strings.TrimSpace(v)
        if v == "" { continue }
        if _, dup := set[v]; dup { continue }
        set[v] = struct{}{}
        out = append(out, v)
    }
    sort.Strings(out)
    return out
}

// Exclude drops self from seeds so a node does not join itself.
func Exclude(seeds []string, self ...string) []string {
    var out []string
    for _, s := range seeds {
        skip := false
        for _, x := range self {
            if x != "" && s == x { skip = true; break }
        }
        if !skip { out = append(out, s) }
    }
    return out
}
