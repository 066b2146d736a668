package store

import (
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
)

func openTemp(t *testing.T, opts Options) *Store {
    t.Helper()
    if opts.Dir == "" { opts.Dir = t.TempDir() }
    opts.NoSync = true
    s, err := Open(opts)
    require.NoError(t, err)
    t.Cleanup(func() { _ = s.Close() })
    return s
}

func TestOpen_MissingDirIsFatal(t *testing.T) {
    _, err := Open(Options{Dir: filepath.Join(t.TempDir(), "nope")})
    require.ErrorIs(t, err, ErrNoDataDir)
}

func TestStore_GetPutDelete(t *testing.T) {
    s := openTemp(t, Options{})

    _, ok, err := s.Get(SchemaDocs, []byte("42"))
    require.NoError(t, err)
    assert.False(t, ok)

    require.NoError(t, s.Put(SchemaDocs, []byte("42"), nil))
    v, ok, err := s.Get(SchemaDocs, []byte("42"))
    require.NoError(t, err)
    assert.True(t, ok)
    assert.Empty(t, v)

    require.NoError(t, s.Delete(SchemaDocs, []byte("42")))
    _, ok, err = s.Get(SchemaDocs, []byte("42"))
    require.NoError(t, err)
    assert.False(t, ok)

    _, _, err = s.Get("nope", []byte("k"))
    require.ErrorIs(t, err, ErrUnknownSchema)
}

func TestStore_SchemaHandles(t *testing.T) {
    s := openTemp(t, Options{})
    _, err := s.Register(SchemaDocs)
    require.ErrorIs(t, err, ErrSchemaExists)

    sc, err := s.Register("extra")
    require.NoError(t, err)
    assert.Equal(t, "extra", sc.Name())
    require.NoError(t, sc.Put([]byte("a"), []byte("b")))
    v, ok, err := sc.Get([]byte("a"))
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, []byte("b"), v)

    require.NoError(t, s.Unregister("extra"))
    require.ErrorIs(t, s.Unregister("extra"), ErrUnknownSchema)
    _, err = s.Schema("extra")
    require.ErrorIs(t, err, ErrUnknownSchema)
}

func TestStore_StateValues(t *testing.T) {
    s := openTemp(t, Options{})
    require.NoError(t, s.PutUint64(SchemaState, KeyTerm, 7))
    require.NoError(t, s.PutInt64(SchemaState, KeyVotedFor, -1))

    term, ok, err := s.GetUint64(SchemaState, KeyTerm)
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, uint64(7), term)

    vote, ok, err := s.GetInt64(SchemaState, KeyVotedFor)
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, int64(-1), vote)

    _, ok, err = s.GetUint64(SchemaState, KeyCommitIndex)
    require.NoError(t, err)
    assert.False(t, ok)

    require.NoError(t, s.Put(SchemaState, []byte(KeyID), []byte("x")))
    _, _, err = s.GetUint64(SchemaState, KeyID)
    require.Error(t, err)
}

func TestStore_EntryKeysInterleave(t *testing.T) {
    assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 6}, MetaKey(3))
    assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 7}, PayloadKey(3))
}

func TestStore_AppendAndReplayInOrder(t *testing.T) {
    dir := t.TempDir()
    s := openTemp(t, Options{Dir: dir})
    want := []consensus.Entry{
        {ID: 10, Term: 1, Type: consensus.EntryAddNode, Data: []byte{1, 2}},
        {ID: 11, Term: 1, Type: consensus.EntryNormal, Data: []byte("123")},
        {ID: 12, Term: 2, Type: consensus.EntryNormal},
    }
    // write out of order: key order, not insertion order, drives replay
    for _, i := range []int{2, 0, 1} {
        require.NoError(t, s.AppendEntry(uint64(i+1), want[i]))
    }
    assert.Equal(t, 3, s.EntryCount())
    require.NoError(t, s.Close())

    s2 := openTemp(t, Options{Dir: dir})
    assert.Equal(t, 3, s2.EntryCount())
    var got []consensus.Entry
    var idx []uint64
    require.NoError(t, s2.Replay(func(i uint64, e consensus.Entry) error {
        idx = append(idx, i)
        got = append(got, e)
        return nil
    }))
    assert.Equal(t, []uint64{1, 2, 3}, idx)
    assert.Equal(t, want, got)
}

func TestStore_ReplayMayWrite(t *testing.T) {
    s := openTemp(t, Options{})
    require.NoError(t, s.AppendEntry(1, consensus.Entry{ID: 1, Term: 1, Data: []byte("5")}))
    require.NoError(t, s.Replay(func(i uint64, e consensus.Entry) error {
        return s.Put(SchemaDocs, e.Data, nil)
    }))
    _, ok, err := s.Get(SchemaDocs, []byte("5"))
    require.NoError(t, err)
    assert.True(t, ok)
}

func TestStore_ReplayDetectsOrphanPayload(t *testing.T) {
    s := openTemp(t, Options{})
    require.NoError(t, s.Put(SchemaEntries, PayloadKey(4), []byte("x")))
    err := s.Replay(func(uint64, consensus.Entry) error { return nil })
    require.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_DeleteEntry(t *testing.T) {
    s := openTemp(t, Options{})
    require.NoError(t, s.AppendEntry(1, consensus.Entry{ID: 1, Term: 1}))
    require.NoError(t, s.AppendEntry(2, consensus.Entry{ID: 2, Term: 1}))
    require.NoError(t, s.DeleteEntry(2))
    require.NoError(t, s.DeleteEntry(2))
    assert.Equal(t, 1, s.EntryCount())
    n := 0
    require.NoError(t, s.Replay(func(uint64, consensus.Entry) error { n++; return nil }))
    assert.Equal(t, 1, n)
}

func TestStore_FullRejectsAppend(t *testing.T) {
    s := openTemp(t, Options{MaxEntries: 2})
    require.NoError(t, s.AppendEntry(1, consensus.Entry{ID: 1, Term: 1}))
    require.NoError(t, s.AppendEntry(2, consensus.Entry{ID: 2, Term: 1}))
    require.ErrorIs(t, s.AppendEntry(3, consensus.Entry{ID: 3, Term: 1}), ErrStoreFull)
    // overwriting an existing index does not grow the log
    require.NoError(t, s.AppendEntry(2, consensus.Entry{ID: 4, Term: 2}))
    assert.Equal(t, 2, s.EntryCount())
    _, ok, err := s.Get(SchemaEntries, MetaKey(3))
    require.NoError(t, err)
    assert.False(t, ok)
}

func TestStore_Drop(t *testing.T) {
    s := openTemp(t, Options{})
    require.NoError(t, s.AppendEntry(1, consensus.Entry{ID: 1, Term: 1}))
    require.NoError(t, s.Drop())
    _, err := os.Stat(s.Path())
    assert.True(t, os.IsNotExist(err))
    require.ErrorIs(t, s.Put(SchemaDocs, []byte("a"), nil), ErrUnknownSchema)
    require.NoError(t, s.Close())
}

func TestStore_EntriesGoThroughRegistry(t *testing.T) {
    s := openTemp(t, Options{})
    require.NoError(t, s.AppendEntry(1, consensus.Entry{ID: 1, Term: 1}))
    require.NoError(t, s.Unregister(SchemaEntries))

    require.ErrorIs(t, s.AppendEntry(2, consensus.Entry{ID: 2, Term: 1}), ErrUnknownSchema)
    require.ErrorIs(t, s.DeleteEntry(1), ErrUnknownSchema)
    require.ErrorIs(t, s.Replay(func(uint64, consensus.Entry) error { return nil }), ErrUnknownSchema)
}

func TestStore_DropRemovesRegisteredSchemas(t *testing.T) {
    s := openTemp(t, Options{})
    extra, err := s.Register("extra")
    require.NoError(t, err)
    require.NoError(t, extra.Put([]byte("k"), []byte("v")))
    require.NoError(t, s.Drop())
    _, err = s.Schema("extra")
    require.ErrorIs(t, err, ErrUnknownSchema)
}

func TestStore_ConcurrentUse(t *testing.T) {
    s := openTemp(t, Options{})
    var wg sync.WaitGroup
    for w := 0; w < 4; w++ {
        wg.Add(1)
        go func(w int) {
            defer wg.Done()
            for i := 0; i < 50; i++ {
                k := []byte(strconv.Itoa(w*1000 + i))
                assert.NoError(t, s.Put(SchemaDocs, k, nil))
                _, ok, err := s.Get(SchemaDocs, k)
                assert.NoError(t, err)
                assert.True(t, ok)
                assert.NoError(t, s.PutUint64(SchemaState, KeyCommitIndex, uint64(i)))
            }
        }(w)
    }
    wg.Add(1)
    go func() {
        defer wg.Done()
        for i := uint64(1); i <= 50; i++ {
            assert.NoError(t, s.AppendEntry(i, consensus.Entry{ID: i, Term: 1, Data: []byte("x")}))
        }
    }()
    wg.Wait()
    assert.Equal(t, 50, s.EntryCount())
    n := 0
    require.NoError(t, s.Replay(func(uint64, consensus.Entry) error { n++; return nil }))
    assert.Equal(t, 50, n)
}
