// Package static serves a fixed seed list, typically the --peers flag.
package static

import "github.com/amirimatin/go-ticketd/pkg/discovery"

type seeds []string

func (s seeds) Seeds() []string { return append([]string(nil), s...) }

// New returns a Discovery over the given seeds. Bare hosts get port.
func New(port int, addrs ...string) discovery.Discovery {
    return seeds(discovery.Normalize(addrs, port))
}

// Parse builds a Discovery from a comma separated list.
func Parse(csv string, port int) discovery.Discovery {
    return New(port, discovery.SplitList(csv)...)
}
