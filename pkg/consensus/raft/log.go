package raftcons

import (
    "encoding/binary"
    "errors"
    "fmt"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
)

// entryLog adapts a raft.LogStore to consensus entries. The entry id and
// type ride in the log's Extensions; membership entries are stored as
// LogConfiguration so tooling reading the store can tell them apart.
type entryLog struct {
    store raft.LogStore
    last  uint64
}

func newEntryLog(store raft.LogStore) (*entryLog, error) {
    last, err := store.LastIndex()
    if err != nil { return nil, err }
    return &entryLog{store: store, last: last}, nil
}

func toRaftLog(index uint64, e consensus.Entry) *raft.Log {
    ext := make([]byte, 9)
    ext[0] = byte(e.Type)
    binary.BigEndian.PutUint64(ext[1:], e.ID)
    t := raft.LogCommand
    if e.Type.IsConfigChange() { t = raft.LogConfiguration }
    return &raft.Log{Index: index, Term: e.Term, Type: t, Data: e.Data, Extensions: ext}
}

func fromRaftLog(l *raft.Log) (consensus.Entry, error) {
    if len(l.Extensions) != 9 { return consensus.Entry{}, fmt.Errorf("raftcons: log %d: bad extensions", l.Index) }
    return consensus.Entry{
        ID:   binary.BigEndian.Uint64(l.Extensions[1:]),
        Term: l.Term,
        Type: consensus.EntryType(l.Extensions[0]),
        Data: l.Data,
    }, nil
}

func (l *entryLog) lastIndex() uint64 { return l.last }

func (l *entryLog) lastTerm() uint64 {
    if l.last == 0 { return 0 }
    e, ok := l.get(l.last)
    if !ok { return 0 }
    return e.Term
}

func (l *entryLog) get(index uint64) (consensus.Entry, bool) {
    if index == 0 || index > l.last { return consensus.Entry{}, false }
    var rl raft.Log
    if err := l.store.GetLog(index, &rl); err != nil { return consensus.Entry{}, false }
    e, err := fromRaftLog(&rl)
    if err != nil { return consensus.Entry{}, false }
    return e, true
}

func (l *entryLog) termAt(index uint64) (uint64, bool) {
    if index == 0 { return 0, true }
    e, ok := l.get(index)
    return e.Term, ok
}

func (l *entryLog) append(e consensus.Entry) (uint64, error) {
    idx := l.last + 1
    if err := l.store.StoreLog(toRaftLog(idx, e)); err != nil { return 0, err }
    l.last = idx
    return idx, nil
}

// truncate removes every entry from index onwards.
func (l *entryLog) truncate(index uint64) error {
    if index == 0 || index > l.last { return nil }
    if err := l.store.DeleteRange(index, l.last); err != nil {
        return err
    }
    l.last = index - 1
    return nil
}

var errMissingEntry = errors.New("raftcons: missing log entry")
