package wire

import (
    "encoding/binary"
    "errors"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
)

func sampleMessages() []Message {
    return []Message{
        Handshake{RaftPort: 9000, NodeID: 3},
        HandshakeResponse{Success: false, LeaderPort: 9001, NodeID: 1, LeaderHost: "10.0.0.7"},
        HandshakeResponse{Success: true, NodeID: 2},
        Leave{},
        LeaveResponse{},
        RequestVote{consensus.RequestVote{Term: 4, CandidateID: 2, LastLogIndex: 17, LastLogTerm: 3}},
        RequestVoteResponse{consensus.RequestVoteResponse{Term: 4, VoteGranted: true}},
        AppendEntries{consensus.AppendEntries{Term: 5, PrevLogIndex: 9, PrevLogTerm: 4, LeaderCommit: 8}},
        AppendEntries{consensus.AppendEntries{Term: 5, PrevLogIndex: 10, PrevLogTerm: 5, LeaderCommit: 9,
            Entries: []consensus.Entry{{ID: 77, Term: 5, Type: consensus.EntryNormal, Data: []byte("1234")}}}},
        AppendEntries{consensus.AppendEntries{Term: 6, PrevLogIndex: 11, PrevLogTerm: 5, LeaderCommit: 11,
            Entries: []consensus.Entry{{ID: 78, Term: 6, Type: consensus.EntryAddNode, Data: []byte{0x81, 0x01}}}}},
        AppendEntriesResponse{consensus.AppendEntriesResponse{Term: 5, Success: true, CurrentIndex: 10, FirstIndex: 10}},
    }
}

func encodeAll(t *testing.T, msgs []Message) []byte {
    t.Helper()
    var stream []byte
    for _, m := range msgs {
        b, err := Encode(m)
        require.NoError(t, err, "encode %s", m.Type())
        stream = append(stream, b...)
    }
    return stream
}

func drain(t *testing.T, d *Decoder) []Message {
    t.Helper()
    var out []Message
    for {
        m, err := d.Next()
        if errors.Is(err, ErrNeedMore) { return out }
        require.NoError(t, err)
        out = append(out, m)
    }
}

func TestCodec_RoundTripAllKinds(t *testing.T) {
    msgs := sampleMessages()
    var d Decoder
    d.Feed(encodeAll(t, msgs))
    got := drain(t, &d)
    require.Equal(t, msgs, got)
    assert.Equal(t, 0, d.Buffered())
    assert.Equal(t, 0, d.Expecting())
}

func TestCodec_PointerMessagesEncodeLikeValues(t *testing.T) {
    a, err := Encode(&Handshake{RaftPort: 1, NodeID: 2})
    require.NoError(t, err)
    b, err := Encode(Handshake{RaftPort: 1, NodeID: 2})
    require.NoError(t, err)
    assert.Equal(t, b, a)
}

// Splitting the stream at every byte boundary must yield exactly the
// original sequence.
func TestCodec_SplitAtEveryByte(t *testing.T) {
    msgs := sampleMessages()
    stream := encodeAll(t, msgs)
    for cut := 0; cut <= len(stream); cut++ {
        var d Decoder
        d.Feed(stream[:cut])
        got := drain(t, &d)
        d.Feed(stream[cut:])
        got = append(got, drain(t, &d)...)
        require.Equal(t, msgs, got, "cut at %d", cut)
    }
}

func TestCodec_ByteAtATime(t *testing.T) {
    msgs := sampleMessages()
    stream := encodeAll(t, msgs)
    var d Decoder
    var got []Message
    for i := range stream {
        d.Feed(stream[i : i+1])
        got = append(got, drain(t, &d)...)
    }
    require.Equal(t, msgs, got)
}

func TestCodec_AppendEntriesWaitsForEntryFrame(t *testing.T) {
    ae := AppendEntries{consensus.AppendEntries{Term: 2, PrevLogIndex: 1, PrevLogTerm: 1, LeaderCommit: 1,
        Entries: []consensus.Entry{{ID: 9, Term: 2, Data: []byte("x")}}}}
    b, err := Encode(ae)
    require.NoError(t, err)

    hdrLen := headerSize + int(binary.BigEndian.Uint32(b[:headerSize]))
    var d Decoder
    d.Feed(b[:hdrLen])
    _, err = d.Next()
    require.ErrorIs(t, err, ErrNeedMore)
    assert.Equal(t, 1, d.Expecting())

    d.Feed(b[hdrLen:])
    m, err := d.Next()
    require.NoError(t, err)
    assert.Equal(t, ae, m)
    assert.Equal(t, 0, d.Expecting())
}

func TestCodec_OnlyFirstEntrySent(t *testing.T) {
    ae := AppendEntries{consensus.AppendEntries{Term: 2,
        Entries: []consensus.Entry{{ID: 1, Term: 2, Data: []byte("a")}, {ID: 2, Term: 2, Data: []byte("b")}}}}
    b, err := Encode(ae)
    require.NoError(t, err)
    var d Decoder
    d.Feed(b)
    m, err := d.Next()
    require.NoError(t, err)
    got := m.(AppendEntries)
    require.Len(t, got.Entries, 1)
    assert.Equal(t, uint64(1), got.Entries[0].ID)
}

func TestCodec_UnknownType(t *testing.T) {
    frame := []byte{0, 0, 0, 1, 0xEE}
    var d Decoder
    d.Feed(frame)
    _, err := d.Next()
    require.ErrorIs(t, err, ErrUnknownType)
}

func TestCodec_FrameTooLarge(t *testing.T) {
    var hdr [4]byte
    binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
    var d Decoder
    d.Feed(hdr[:])
    _, err := d.Next()
    require.ErrorIs(t, err, ErrFrameTooLarge)

    _, err = Encode(AppendEntries{consensus.AppendEntries{
        Entries: []consensus.Entry{{Data: make([]byte, MaxFrameSize)}}}})
    require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCodec_MalformedBody(t *testing.T) {
    frame := []byte{0, 0, 0, 3, byte(TypeRequestVote), 0xc1, 0xc1}
    var d Decoder
    d.Feed(frame)
    _, err := d.Next()
    require.ErrorIs(t, err, ErrMalformed)

    d.Reset()
    d.Feed([]byte{0, 0, 0, 0})
    _, err = d.Next()
    require.ErrorIs(t, err, ErrMalformed)
}

func TestCodec_ResetClearsPendingEntries(t *testing.T) {
    ae := AppendEntries{consensus.AppendEntries{Term: 1, Entries: []consensus.Entry{{ID: 1, Term: 1}}}}
    b, err := Encode(ae)
    require.NoError(t, err)
    hdrLen := headerSize + int(binary.BigEndian.Uint32(b[:headerSize]))

    var d Decoder
    d.Feed(b[:hdrLen])
    _, err = d.Next()
    require.ErrorIs(t, err, ErrNeedMore)
    require.Equal(t, 1, d.Expecting())
    d.Reset()
    assert.Equal(t, 0, d.Expecting())
    assert.Equal(t, 0, d.Buffered())

    lv, err := Encode(Leave{})
    require.NoError(t, err)
    d.Feed(lv)
    m, err := d.Next()
    require.NoError(t, err)
    assert.Equal(t, Leave{}, m)
}

func TestType_String(t *testing.T) {
    assert.Equal(t, "appendentries", TypeAppendEntries.String())
    assert.Equal(t, "type(200)", Type(200).String())
}
