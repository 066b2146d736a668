// Package store persists the replicated log, the node's consensus state and
// the application documents in a single bolt database. Each schema is a
// bolt bucket resolved through a registry of schema handles.
package store

import (
    "encoding/binary"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hashicorp/go-msgpack/v2/codec"
    "github.com/hashicorp/go-multierror"
    bolt "go.etcd.io/bbolt"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
    "github.com/amirimatin/go-ticketd/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ticketd/pkg/observability/metrics"
    "github.com/amirimatin/go-ticketd/pkg/registry"
)

// Schema names.
const (
    SchemaEntries = "entries"
    SchemaState   = "state"
    SchemaDocs    = "docs"
)

// Keys of the state schema.
const (
    KeyTerm        = "term"
    KeyVotedFor    = "voted_for"
    KeyCommitIndex = "commit_idx"
    KeyID          = "id"
    KeyRaftPort    = "raft_port"
)

// DefaultName is the database file created inside the data directory.
const DefaultName = "ticketd.db"

var (
    ErrNoDataDir     = errors.New("store: data directory does not exist")
    ErrUnknownSchema = errors.New("store: unknown schema")
    ErrSchemaExists  = errors.New("store: schema already registered")
    ErrStoreFull     = errors.New("store: full")
    ErrCorrupt       = errors.New("store: corrupt log")
    ErrClosed        = errors.New("store: closed")
)

// Options configure Open.
type Options struct {
    // Dir must exist.
    Dir string
    // Name of the database file, DefaultName when empty.
    Name string
    // NoSync skips fsync on commit. Only for tests and benchmarks.
    NoSync bool
    // MaxEntries caps the number of log entries; zero means unbounded.
    MaxEntries int
    // Timeout for acquiring the file lock.
    Timeout time.Duration
    Logger  *log.Logger
}

// Schema is a handle to one named keyspace.
type Schema struct {
    name   string
    bucket []byte
    store  *Store
}

func (s *Schema) Name() string { return s.name }

func (s *Schema) Get(key []byte) ([]byte, bool, error) { return s.store.get(s, key) }
func (s *Schema) Put(key, val []byte) error           { return s.store.put(s, key, val) }
func (s *Schema) Delete(key []byte) error             { return s.store.del(s, key) }

// in resolves the schema's bucket inside tx.
func (s *Schema) in(tx *bolt.Tx) (*bolt.Bucket, error) {
    b := tx.Bucket(s.bucket)
    if b == nil { return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, s.name) }
    return b, nil
}

// Store is the persistent state store. Methods are safe for concurrent use,
// though the replication layer only calls them under its global lock.
type Store struct {
    opts    Options
    path    string
    log     *log.Logger
    mu      sync.RWMutex
    db      *bolt.DB
    schemas *registry.Registry[*Schema]
    entries atomic.Int64
}

var mh = &codec.MsgpackHandle{}

type entryMeta struct {
    ID   uint64              `codec:"id"`
    Term uint64              `codec:"term"`
    Type consensus.EntryType `codec:"type"`
}

// Open opens or creates the database and registers the entries, state and
// docs schemas.
func Open(opts Options) (*Store, error) {
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.Name == "" { opts.Name = DefaultName }
    if opts.Timeout <= 0 { opts.Timeout = time.Second }
    fi, err := os.Stat(opts.Dir)
    if err != nil || !fi.IsDir() {
        return nil, fmt.Errorf("%w: %q", ErrNoDataDir, opts.Dir)
    }
    path := filepath.Join(opts.Dir, opts.Name)
    db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout})
    if err != nil { return nil, fmt.Errorf("store: open %s: %w", path, err) }
    db.NoSync = opts.NoSync
    s := &Store{opts: opts, path: path, log: opts.Logger, db: db, schemas: registry.New[*Schema](16)}
    for _, name := range []string{SchemaEntries, SchemaState, SchemaDocs} {
        if _, err := s.Register(name); err != nil {
            _ = db.Close()
            return nil, err
        }
    }
    if err := s.countEntries(); err != nil {
        _ = db.Close()
        return nil, err
    }
    logutil.Infof(s.log, "store opened: path=%s entries=%d", path, s.entries.Load())
    return s, nil
}

// Path is the database file.
func (s *Store) Path() string { return s.path }

// Register creates the bucket backing name and records its handle.
func (s *Store) Register(name string) (*Schema, error) {
    sc := &Schema{name: name, bucket: []byte(name), store: s}
    if !s.schemas.Put(name, sc) {
        return nil, fmt.Errorf("%w: %s", ErrSchemaExists, name)
    }
    err := s.update(func(tx *bolt.Tx) error {
        _, err := tx.CreateBucketIfNotExists(sc.bucket)
        return err
    })
    if err != nil {
        s.schemas.Delete(name)
        return nil, err
    }
    return sc, nil
}

// Unregister forgets the handle for name. The data is kept.
func (s *Store) Unregister(name string) error {
    if _, ok := s.schemas.Delete(name); !ok {
        return fmt.Errorf("%w: %s", ErrUnknownSchema, name)
    }
    return nil
}

// Schema resolves a registered handle.
func (s *Store) Schema(name string) (*Schema, error) {
    sc, ok := s.schemas.Get(name)
    if !ok { return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, name) }
    return sc, nil
}

// Get reads key from schema. The returned slice is owned by the caller.
func (s *Store) Get(schema string, key []byte) ([]byte, bool, error) {
    sc, err := s.Schema(schema)
    if err != nil { return nil, false, err }
    return s.get(sc, key)
}

// Put writes key in its own committed transaction.
func (s *Store) Put(schema string, key, val []byte) error {
    sc, err := s.Schema(schema)
    if err != nil { return err }
    return s.put(sc, key, val)
}

// Delete removes key in its own committed transaction.
func (s *Store) Delete(schema string, key []byte) error {
    sc, err := s.Schema(schema)
    if err != nil { return err }
    return s.del(sc, key)
}

func (s *Store) get(sc *Schema, key []byte) ([]byte, bool, error) {
    var out []byte
    var ok bool
    err := s.view(func(tx *bolt.Tx) error {
        b, err := sc.in(tx)
        if err != nil { return err }
        if v := b.Get(key); v != nil {
            out = append([]byte{}, v...)
            ok = true
        }
        return nil
    })
    obsmetrics.StoreOps.WithLabelValues(sc.name, "get").Inc()
    return out, ok, err
}

func (s *Store) put(sc *Schema, key, val []byte) error {
    err := s.update(func(tx *bolt.Tx) error {
        b, err := sc.in(tx)
        if err != nil { return err }
        if val == nil { val = []byte{} }
        return b.Put(key, val)
    })
    obsmetrics.StoreOps.WithLabelValues(sc.name, "put").Inc()
    return err
}

func (s *Store) del(sc *Schema, key []byte) error {
    err := s.update(func(tx *bolt.Tx) error {
        b, err := sc.in(tx)
        if err != nil { return err }
        return b.Delete(key)
    })
    obsmetrics.StoreOps.WithLabelValues(sc.name, "delete").Inc()
    return err
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.db == nil { return ErrClosed }
    return s.db.Update(fn)
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.db == nil { return ErrClosed }
    return s.db.View(fn)
}

// registered lists the handles currently in the registry.
func (s *Store) registered() []*Schema {
    var out []*Schema
    s.schemas.Range(func(_ string, sc *Schema) bool {
        out = append(out, sc)
        return true
    })
    return out
}

// Close releases the database. Safe to call twice.
func (s *Store) Close() error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.db == nil { return nil }
    var result error
    for _, sc := range s.registered() { s.schemas.Delete(sc.name) }
    if err := s.db.Close(); err != nil {
        result = multierror.Append(result, fmt.Errorf("store: close: %w", err))
    }
    s.db = nil
    return result
}

// Drop deletes every schema, closes the database and removes its file. It is
// the teardown a node performs once its removal from the cluster committed.
func (s *Store) Drop() error {
    var result error
    schemas := s.registered()
    err := s.update(func(tx *bolt.Tx) error {
        for _, sc := range schemas {
            if tx.Bucket(sc.bucket) == nil { continue }
            if err := tx.DeleteBucket(sc.bucket); err != nil { return err }
        }
        return nil
    })
    if err != nil { result = multierror.Append(result, err) }
    if err := s.Close(); err != nil { result = multierror.Append(result, err) }
    if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
        result = multierror.Append(result, err)
    }
    s.entries.Store(0)
    obsmetrics.StoreEntries.Set(0)
    logutil.Infof(s.log, "store dropped: path=%s", s.path)
    return result
}

// PutUint64 writes an 8-byte big-endian value under key in schema.
func (s *Store) PutUint64(schema, key string, v uint64) error {
    var b [8]byte
    binary.BigEndian.PutUint64(b[:], v)
    return s.Put(schema, []byte(key), b[:])
}

// GetUint64 reads a value written by PutUint64.
func (s *Store) GetUint64(schema, key string) (uint64, bool, error) {
    b, ok, err := s.Get(schema, []byte(key))
    if err != nil || !ok { return 0, ok, err }
    if len(b) != 8 { return 0, false, fmt.Errorf("store: %s/%s: want 8 bytes, got %d", schema, key, len(b)) }
    return binary.BigEndian.Uint64(b), true, nil
}

func (s *Store) PutInt64(schema, key string, v int64) error {
    return s.PutUint64(schema, key, uint64(v))
}

func (s *Store) GetInt64(schema, key string) (int64, bool, error) {
    v, ok, err := s.GetUint64(schema, key)
    return int64(v), ok, err
}
