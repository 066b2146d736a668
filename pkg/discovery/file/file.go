// Package file reads join seeds from a file (or a glob of files), one or
// more comma separated seeds per line, '#' starting a comment. A non-empty
// environment variable takes precedence over the file.
package file

import (
    "bufio"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-ticketd/pkg/discovery"
)

type Options struct {
    Path string
    // Env names a variable holding a comma separated list.
    Env string
    // Port is used for seeds without one.
    Port int
    // Refresh bounds how long a read is reused. Defaults to 5s.
    Refresh time.Duration
}

type source struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &source{opts: opts}
}

func (s *source) Seeds() []string {
    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" {
            return discovery.Normalize(discovery.SplitList(v), s.opts.Port)
        }
    }
    if s.opts.Path == "" { return nil }
    s.mu.Lock()
    defer s.mu.Unlock()
    now := time.Now()
    if fi, err := os.Stat(s.opts.Path); err == nil {
        if fi.ModTime().After(s.mtime) || now.Sub(s.last) >= s.opts.Refresh {
            s.cache = discovery.Normalize(readSeeds(s.opts.Path), s.opts.Port)
            s.last, s.mtime = now, fi.ModTime()
        }
        return append([]string(nil), s.cache...)
    }
    if now.Sub(s.last) < s.opts.Refresh && s.cache != nil { return append([]string(nil), s.cache...) }
    matches, _ := filepath.Glob(s.opts.Path)
    var all []string
    for _, m := range matches { all = append(all, readSeeds(m)...) }
    if len(matches) > 0 {
        s.cache = discovery.Normalize(all, s.opts.Port)
        s.last = now
    }
    return append([]string(nil), s.cache...)
}

func readSeeds(path string) []string {
    f, err := os.Open(path)
    if err != nil { return nil }
    defer f.Close()
    var out []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := sc.Text()
        if i := strings.IndexByte(line, '#'); i >= 0 { line = line[:i] }
        out = append(out, discovery.SplitList(line)...)
    }
    if sc.Err() != nil { return nil }
    return out
}
