package dns

import (
    "io"
    "log"
    "strings"
    "testing"
    "time"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestParseSRVName(t *testing.T) {
    s, p, n := parseSRVName("_ticketd._tcp.example.com")
    if s != "ticketd" || p != "tcp" || n != "example.com" {
        t.Fatalf("parseSRVName failed: got (%q,%q,%q)", s, p, n)
    }
    for _, bad := range []string{"bad.srv", "ticketd._tcp.example.com"} {
        if s, _, _ := parseSRVName(bad); s != "" {
            t.Fatalf("expected no service for %q, got %q", bad, s)
        }
    }
}

func TestPassthroughHostPort(t *testing.T) {
    d := New(Options{Names: []string{"10.0.0.4:9002", "10.0.0.4:9002"}, Logger: quiet()})
    got := d.Seeds()
    if len(got) != 1 || got[0] != "10.0.0.4:9002" {
        t.Fatalf("unexpected seeds: %#v", got)
    }
}

func TestLookupHostLocalhost(t *testing.T) {
    d := New(Options{Names: []string{"localhost"}, Port: 12345, Refresh: 5 * time.Millisecond, Logger: quiet()})
    got := d.Seeds()
    if len(got) == 0 {
        t.Fatalf("expected at least one resolved host:port, got %#v", got)
    }
    for _, s := range got {
        if !strings.HasSuffix(s, ":12345") {
            t.Fatalf("expected port suffix, got %#v", got)
        }
    }
}
