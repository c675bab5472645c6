package discovery

import (
    "bufio"
    "context"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"
)

// FileOptions configures file/env discovery.
type FileOptions struct {
    // Path is a file, or glob of files, with one or more comma-separated
    // seeds per line; '#' starts a comment line.
    Path string
    // Env names a variable that, when set, overrides the file.
    Env string
    // Refresh bounds how long a read is reused. Defaults to 5s.
    Refresh time.Duration
}

type fileSeeds struct {
    opts FileOptions

    mu    sync.Mutex
    at    time.Time
    cache []string
}

func File(opts FileOptions) Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &fileSeeds{opts: opts}
}

func (f *fileSeeds) Seeds(context.Context) []string {
    if f.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(f.opts.Env)); v != "" { return Parse(v) }
    }
    if f.opts.Path == "" { return nil }
    f.mu.Lock(); defer f.mu.Unlock()
    if f.cache != nil && time.Since(f.at) < f.opts.Refresh {
        return append([]string(nil), f.cache...)
    }
    matches, err := filepath.Glob(f.opts.Path)
    if err != nil || len(matches) == 0 { return append([]string(nil), f.cache...) }
    var all []string
    for _, m := range matches { all = append(all, readSeeds(m)...) }
    f.cache, f.at = normalize(all), time.Now()
    return append([]string(nil), f.cache...)
}

func readSeeds(path string) []string {
    fh, err := os.Open(path)
    if err != nil { return nil }
    defer fh.Close()
    var out []string
    sc := bufio.NewScanner(fh)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        out = append(out, strings.Split(line, ",")...)
    }
    return out
}
