package registry

import (
    "fmt"
    "sync"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestRegistry_PutGetDelete(t *testing.T) {
    r := New[int](8)

    require.True(t, r.Put("entries", 1))
    require.True(t, r.Put("state", 2))
    require.False(t, r.Put("entries", 3), "put must not overwrite")

    v, ok := r.Get("entries")
    require.True(t, ok)
    assert.Equal(t, 1, v)
    assert.Equal(t, 2, r.Len())

    v, ok = r.Delete("entries")
    require.True(t, ok)
    assert.Equal(t, 1, v)
    _, ok = r.Get("entries")
    assert.False(t, ok)
    _, ok = r.Delete("entries")
    assert.False(t, ok)
    assert.Equal(t, 1, r.Len())

    require.True(t, r.Put("entries", 4))
    v, _ = r.Get("entries")
    assert.Equal(t, 4, v)
}

func TestRegistry_CountsMatchChains(t *testing.T) {
    r := New[string](4)
    for i := 0; i < 100; i++ {
        require.True(t, r.Put(fmt.Sprintf("k%d", i), "v"))
    }
    total := 0
    for i := 0; i < r.Capacity(); i++ { total += r.BucketLen(i) }
    assert.Equal(t, 100, total)
    assert.Equal(t, 100, r.Len())

    seen := 0
    r.Range(func(key string, _ string) bool {
        _, ok := r.Get(key)
        assert.True(t, ok)
        assert.Less(t, r.BucketOf(key), r.Capacity())
        seen++
        return true
    })
    assert.Equal(t, 100, seen)
}

func TestRegistry_DefaultCapacity(t *testing.T) {
    r := New[int](0)
    assert.Equal(t, DefaultCapacity, r.Capacity())
    assert.Equal(t, 0, r.BucketLen(-1))
    assert.Equal(t, 0, r.BucketLen(DefaultCapacity))
}

func TestJumpHash_StableAndInRange(t *testing.T) {
    for k := uint64(0); k < 1000; k++ {
        b := JumpHash(k*0x9e3779b97f4a7c15, 16)
        require.GreaterOrEqual(t, b, int32(0))
        require.Less(t, b, int32(16))
        require.Equal(t, b, JumpHash(k*0x9e3779b97f4a7c15, 16))
    }
    assert.Equal(t, int32(0), JumpHash(42, 1))
    assert.Equal(t, int32(0), JumpHash(42, 0))
}

func TestJumpHash_MinimalMovement(t *testing.T) {
    // Growing from n to n+1 buckets only moves keys into the new bucket.
    for k := uint64(1); k < 2000; k++ {
        h := Hash(fmt.Sprint(k))
        a, b := JumpHash(h, 10), JumpHash(h, 11)
        if a != b {
            require.Equal(t, int32(10), b, "key %d moved from %d to %d", k, a, b)
        }
    }
}

// A one-bucket registry forces every key into the same chain so writers
// contend on a single lock.
func TestRegistry_ConcurrentSameBucket(t *testing.T) {
    r := New[int](1)
    const workers = 8
    const perWorker = 500
    var wg sync.WaitGroup
    for w := 0; w < workers; w++ {
        wg.Add(1)
        go func(w int) {
            defer wg.Done()
            for i := 0; i < perWorker; i++ {
                k := fmt.Sprintf("w%d-%d", w, i)
                if !r.Put(k, i) { t.Errorf("put %s failed", k); return }
                if i%2 == 0 {
                    if _, ok := r.Delete(k); !ok { t.Errorf("delete %s failed", k); return }
                }
            }
        }(w)
    }
    wg.Wait()

    want := workers * perWorker / 2
    assert.Equal(t, want, r.Len())
    assert.Equal(t, want, r.BucketLen(0))
    for w := 0; w < workers; w++ {
        for i := 0; i < perWorker; i++ {
            _, ok := r.Get(fmt.Sprintf("w%d-%d", w, i))
            assert.Equal(t, i%2 == 1, ok)
        }
    }
}
