// Package discovery supplies the seed addresses a joining node dials. A
// seed is any "host:port" of a running member; the member answers with the
// leader's address when it is not the leader itself.
package discovery

import (
    "net"
    "sort"
    "strconv"
    "strings"
)

// DefaultPort is assumed for seeds given without a port.
const DefaultPort = 9000

// Discovery is a source of join seeds. Seeds may be called on every rejoin
// attempt, so implementations cache.
type Discovery interface {
    Seeds() []string
}

// Func adapts a function to Discovery.
type Func func() []string

func (f Func) Seeds() []string { return f() }

// Multi merges several sources.
func Multi(ds ...Discovery) Discovery {
    return Func(func() []string {
        var all []string
        for _, d := range ds {
            if d != nil { all = append(all, d.Seeds()...) }
        }
        return Normalize(all, 0)
    })
}

// SplitList splits a comma separated seed list, dropping empty items.
func SplitList(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

// Normalize appends port (DefaultPort when zero) to bare hosts, drops
// duplicates and returns the seeds sorted.
func Normalize(seeds []string, port int) []string {
    if port <= 0 { port = DefaultPort }
    set := make(map[string]struct{}, len(seeds))
    for _, s := range seeds {
        s = strings.TrimSpace(s)
        if s == "" { continue }
        if _, _, err := net.SplitHostPort(s); err != nil {
            s = net.JoinHostPort(strings.Trim(s, "[]"), strconv.Itoa(port))
        }
        set[s] = struct{}{}
    }
    if len(set) == 0 { return nil }
    out := make([]string, 0, len(set))
    for s := range set { out = append(out, s) }
    sort.Strings(out)
    return out
}
