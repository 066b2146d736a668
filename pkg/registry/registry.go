// Package registry is a fixed-capacity name index used to resolve storage
// schemas. Keys are spread over buckets with a jump consistent hash so the
// bucket of a key only moves when capacity grows past it.
package registry

import (
    "sync"
    "sync/atomic"

    "github.com/cespare/xxhash/v2"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 64

type entry[V any] struct {
    hash  uint64
    key   string
    value V
    next  *entry[V]
}

// bucket is a singly linked chain. Insertion prepends. The mutex guards the
// chain pointers; count is read without it.
type bucket[V any] struct {
    mu    sync.Mutex
    head  *entry[V]
    count atomic.Int64
}

// Registry maps string keys to values. All methods are safe for concurrent
// use: each bucket carries its own lock, so operations on different buckets
// never contend and operations on the same bucket serialize.
type Registry[V any] struct {
    buckets []bucket[V]
    count   atomic.Int64
}

// New returns a registry with the given number of buckets.
func New[V any](capacity int) *Registry[V] {
    if capacity <= 0 { capacity = DefaultCapacity }
    return &Registry[V]{buckets: make([]bucket[V], capacity)}
}

// JumpHash maps key to a bucket in [0, buckets) using Lamping and Veach's
// jump consistent hash.
func JumpHash(key uint64, buckets int32) int32 {
    if buckets <= 0 { return 0 }
    var b, j int64 = -1, 0
    for j < int64(buckets) {
        b = j
        key = key*2862933555777941757 + 1
        j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
    }
    return int32(b)
}

// Hash is the content hash used for bucket selection.
func Hash(key string) uint64 { return xxhash.Sum64String(key) }

func (r *Registry[V]) locate(key string) (uint64, *bucket[V]) {
    h := Hash(key)
    return h, &r.buckets[JumpHash(h, int32(len(r.buckets)))]
}

// BucketOf returns the bucket index key hashes to.
func (r *Registry[V]) BucketOf(key string) int {
    return int(JumpHash(Hash(key), int32(len(r.buckets))))
}

// Put inserts key. It never overwrites: false is returned when the key is
// already present.
func (r *Registry[V]) Put(key string, value V) bool {
    h, b := r.locate(key)
    b.mu.Lock()
    defer b.mu.Unlock()
    for e := b.head; e != nil; e = e.next {
        if e.hash == h && e.key == key { return false }
    }
    b.head = &entry[V]{hash: h, key: key, value: value, next: b.head}
    b.count.Add(1)
    r.count.Add(1)
    return true
}

// Get returns the value stored under key.
func (r *Registry[V]) Get(key string) (V, bool) {
    h, b := r.locate(key)
    b.mu.Lock()
    defer b.mu.Unlock()
    for e := b.head; e != nil; e = e.next {
        if e.hash == h && e.key == key { return e.value, true }
    }
    var zero V
    return zero, false
}

// Delete removes key and returns the value it held.
func (r *Registry[V]) Delete(key string) (V, bool) {
    h, b := r.locate(key)
    b.mu.Lock()
    defer b.mu.Unlock()
    var prev *entry[V]
    for e := b.head; e != nil; prev, e = e, e.next {
        if e.hash != h || e.key != key { continue }
        if prev == nil {
            b.head = e.next
        } else {
            prev.next = e.next
        }
        b.count.Add(-1)
        r.count.Add(-1)
        return e.value, true
    }
    var zero V
    return zero, false
}

// Len is the total number of keys.
func (r *Registry[V]) Len() int { return int(r.count.Load()) }

// Capacity is the number of buckets.
func (r *Registry[V]) Capacity() int { return len(r.buckets) }

// BucketLen is the number of keys chained in bucket i.
func (r *Registry[V]) BucketLen(i int) int {
    if i < 0 || i >= len(r.buckets) { return 0 }
    return int(r.buckets[i].count.Load())
}

// Range calls fn for every key until fn returns false. Each bucket is
// snapshotted under its lock, so fn may call back into the registry.
func (r *Registry[V]) Range(fn func(key string, value V) bool) {
    for i := range r.buckets {
        b := &r.buckets[i]
        b.mu.Lock()
        var snap []*entry[V]
        for e := b.head; e != nil; e = e.next { snap = append(snap, e) }
        b.mu.Unlock()
        for _, e := range snap {
            if !fn(e.key, e.value) { return }
        }
    }
}
