package store

import (
    "encoding/binary"
    "fmt"

    "github.com/hashicorp/go-msgpack/v2/codec"
    bolt "go.etcd.io/bbolt"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    obsmetrics "github.com/amirimatin/go-ticketd/pkg/observability/metrics"
)

// MetaKey is the key of the metadata record of the entry at index.
func MetaKey(index uint64) []byte { return u64Key(index * 2) }

// PayloadKey is the key of the payload record of the entry at index.
func PayloadKey(index uint64) []byte { return u64Key(index*2 + 1) }

func u64Key(v uint64) []byte {
    var b [8]byte
    binary.BigEndian.PutUint64(b[:], v)
    return b[:]
}

// AppendEntry writes the metadata and payload of the entry at index in one
// transaction, metadata first. Writing an index that already exists
// replaces it.
func (s *Store) AppendEntry(index uint64, e consensus.Entry) error {
    if index == 0 { return fmt.Errorf("store: entry index must be positive") }
    var meta []byte
    if err := codec.NewEncoderBytes(&meta, mh).Encode(entryMeta{ID: e.ID, Term: e.Term, Type: e.Type}); err != nil {
        return err
    }
    payload := e.Data
    if payload == nil { payload = []byte{} }
    sc, err := s.Schema(SchemaEntries)
    if err != nil { return err }
    added := false
    err = s.update(func(tx *bolt.Tx) error {
        b, err := sc.in(tx)
        if err != nil { return err }
        mk := MetaKey(index)
        if b.Get(mk) == nil {
            if limit := s.opts.MaxEntries; limit > 0 && s.entries.Load() >= int64(limit) {
                return ErrStoreFull
            }
            added = true
        }
        if err := b.Put(mk, meta); err != nil { return err }
        return b.Put(PayloadKey(index), payload)
    })
    obsmetrics.StoreOps.WithLabelValues(SchemaEntries, "append").Inc()
    if err != nil { return err }
    if added {
        obsmetrics.StoreEntries.Set(float64(s.entries.Add(1)))
    }
    return nil
}

// DeleteEntry removes both records of the entry at index.
func (s *Store) DeleteEntry(index uint64) error {
    sc, err := s.Schema(SchemaEntries)
    if err != nil { return err }
    removed := false
    err = s.update(func(tx *bolt.Tx) error {
        b, err := sc.in(tx)
        if err != nil { return err }
        if b.Get(MetaKey(index)) != nil { removed = true }
        if err := b.Delete(MetaKey(index)); err != nil { return err }
        return b.Delete(PayloadKey(index))
    })
    obsmetrics.StoreOps.WithLabelValues(SchemaEntries, "delete").Inc()
    if err != nil { return err }
    if removed {
        obsmetrics.StoreEntries.Set(float64(s.entries.Add(-1)))
    }
    return nil
}

// EntryCount is the number of entries stored.
func (s *Store) EntryCount() int { return int(s.entries.Load()) }

// Replay scans the entries schema in key order and calls fn for every
// entry, lowest index first. Metadata and payload must pair up; anything
// else is reported as ErrCorrupt. fn runs after the read transaction ends,
// so it may write to the store.
func (s *Store) Replay(fn func(index uint64, e consensus.Entry) error) error {
    type indexed struct {
        idx uint64
        e   consensus.Entry
    }
    sc, err := s.Schema(SchemaEntries)
    if err != nil { return err }
    var out []indexed
    err = s.view(func(tx *bolt.Tx) error {
        b, err := sc.in(tx)
        if err != nil { return err }
        var (
            cur     consensus.Entry
            curIdx  uint64
            haveCur bool
        )
        c := b.Cursor()
        for k, v := c.First(); k != nil; k, v = c.Next() {
            if len(k) != 8 { return fmt.Errorf("%w: key length %d", ErrCorrupt, len(k)) }
            n := binary.BigEndian.Uint64(k)
            idx := n / 2
            if n%2 == 0 {
                if haveCur { return fmt.Errorf("%w: entry %d has no payload", ErrCorrupt, curIdx) }
                var m entryMeta
                if err := codec.NewDecoderBytes(v, mh).Decode(&m); err != nil {
                    return fmt.Errorf("%w: entry %d metadata: %v", ErrCorrupt, idx, err)
                }
                cur = consensus.Entry{ID: m.ID, Term: m.Term, Type: m.Type}
                curIdx, haveCur = idx, true
                continue
            }
            if !haveCur || curIdx != idx {
                return fmt.Errorf("%w: payload %d without metadata", ErrCorrupt, idx)
            }
            if len(v) > 0 { cur.Data = append([]byte{}, v...) }
            haveCur = false
            out = append(out, indexed{idx: idx, e: cur})
        }
        if haveCur { return fmt.Errorf("%w: entry %d has no payload", ErrCorrupt, curIdx) }
        return nil
    })
    obsmetrics.StoreOps.WithLabelValues(SchemaEntries, "replay").Inc()
    if err != nil { return err }
    for _, it := range out {
        if err := fn(it.idx, it.e); err != nil { return err }
    }
    return nil
}

func (s *Store) countEntries() error {
    sc, err := s.Schema(SchemaEntries)
    if err != nil { return err }
    var n int64
    err = s.view(func(tx *bolt.Tx) error {
        b, err := sc.in(tx)
        if err != nil { return err }
        c := b.Cursor()
        for k, _ := c.First(); k != nil; k, _ = c.Next() {
            if len(k) == 8 && binary.BigEndian.Uint64(k)%2 == 0 { n++ }
        }
        return nil
    })
    s.entries.Store(n)
    obsmetrics.StoreEntries.Set(float64(n))
    return err
}
