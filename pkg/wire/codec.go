// Package wire encodes the peer protocol. Every frame is a 4-byte big-endian
// body length followed by the body. A tagged body starts with the message
// Type and continues with the msgpack encoding of the message's fixed
// fields. An AppendEntries carrying an entry is followed by one untagged
// frame holding the entry.
package wire

import (
    "encoding/binary"
    "errors"
    "fmt"

    "github.com/hashicorp/go-msgpack/v2/codec"

    "github.com/amirimatin/go-ticketd/pkg/consensus"
)

const (
    headerSize = 4
    // MaxFrameSize bounds a single frame body.
    MaxFrameSize = 1 << 20
    // MaxEntriesPerMessage bounds the entry count a peer may announce.
    MaxEntriesPerMessage = 64
)

var (
    // ErrNeedMore means the buffered bytes do not yet hold a complete frame.
    ErrNeedMore      = errors.New("wire: need more bytes")
    ErrUnknownType   = errors.New("wire: unknown message type")
    ErrMalformed     = errors.New("wire: malformed frame")
    ErrFrameTooLarge = errors.New("wire: frame too large")
)

var mh = &codec.MsgpackHandle{}

func encodeBody(v any) ([]byte, error) {
    var out []byte
    if err := codec.NewEncoderBytes(&out, mh).Encode(v); err != nil { return nil, err }
    return out, nil
}

func decodeBody(b []byte, v any) error {
    if err := codec.NewDecoderBytes(b, mh).Decode(v); err != nil {
        return fmt.Errorf("%w: %v", ErrMalformed, err)
    }
    return nil
}

func appendFrame(dst []byte, tag *Type, body []byte) []byte {
    n := len(body)
    if tag != nil { n++ }
    var hdr [headerSize]byte
    binary.BigEndian.PutUint32(hdr[:], uint32(n))
    dst = append(dst, hdr[:]...)
    if tag != nil { dst = append(dst, byte(*tag)) }
    return append(dst, body...)
}

// Encode serializes m into one frame, or two for an AppendEntries carrying
// entries. Only the first entry is sent; the header advertises exactly the
// number of entry frames that follow.
func Encode(m Message) ([]byte, error) {
    var (
        fixed any
        entry *consensus.Entry
    )
    switch v := m.(type) {
    case Handshake:
        fixed = v
    case *Handshake:
        fixed = *v
    case HandshakeResponse:
        fixed = v
    case *HandshakeResponse:
        fixed = *v
    case Leave, *Leave, LeaveResponse, *LeaveResponse:
        fixed = nil
    case RequestVote:
        fixed = v.RequestVote
    case *RequestVote:
        fixed = v.RequestVote
    case RequestVoteResponse:
        fixed = v.RequestVoteResponse
    case *RequestVoteResponse:
        fixed = v.RequestVoteResponse
    case AppendEntries:
        fixed, entry = aeHeader(v.AppendEntries)
    case *AppendEntries:
        fixed, entry = aeHeader(v.AppendEntries)
    case AppendEntriesResponse:
        fixed = v.AppendEntriesResponse
    case *AppendEntriesResponse:
        fixed = v.AppendEntriesResponse
    default:
        return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
    }
    var body []byte
    if fixed != nil {
        b, err := encodeBody(fixed)
        if err != nil { return nil, err }
        body = b
    }
    if len(body)+1 > MaxFrameSize { return nil, ErrFrameTooLarge }
    tag := m.Type()
    out := appendFrame(nil, &tag, body)
    if entry != nil {
        eb, err := encodeBody(entryFrame{ID: entry.ID, Term: entry.Term, Type: entry.Type, Data: entry.Data})
        if err != nil { return nil, err }
        if len(eb) > MaxFrameSize { return nil, ErrFrameTooLarge }
        out = appendFrame(out, nil, eb)
    }
    return out, nil
}

func aeHeader(ae consensus.AppendEntries) (appendEntriesHeader, *consensus.Entry) {
    h := appendEntriesHeader{
        Term:         ae.Term,
        PrevLogIndex: ae.PrevLogIndex,
        PrevLogTerm:  ae.PrevLogTerm,
        LeaderCommit: ae.LeaderCommit,
    }
    if len(ae.Entries) == 0 { return h, nil }
    h.NEntries = 1
    e := ae.Entries[0]
    return h, &e
}

// Decoder reassembles frames from a byte stream. It is not safe for
// concurrent use; each connection owns one.
type Decoder struct {
    buf     []byte
    expect  int
    pending *AppendEntries
}

// Feed appends raw bytes read from the connection.
func (d *Decoder) Feed(b []byte) { d.buf = append(d.buf, b...) }

// Buffered is the number of bytes not yet consumed.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Expecting is the number of entry frames still owed to a pending
// AppendEntries.
func (d *Decoder) Expecting() int { return d.expect }

// Reset drops buffered bytes and any pending AppendEntries.
func (d *Decoder) Reset() {
    d.buf = nil
    d.expect = 0
    d.pending = nil
}

func (d *Decoder) frame() ([]byte, error) {
    if len(d.buf) < headerSize { return nil, ErrNeedMore }
    n := binary.BigEndian.Uint32(d.buf[:headerSize])
    if n > MaxFrameSize { return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n) }
    if len(d.buf) < headerSize+int(n) { return nil, ErrNeedMore }
    body := d.buf[headerSize : headerSize+int(n)]
    d.buf = d.buf[headerSize+int(n):]
    if len(d.buf) == 0 { d.buf = nil }
    return body, nil
}

// Next returns the next complete message. ErrNeedMore means more input is
// required; any other error is a protocol failure and the stream cannot be
// resynchronized.
func (d *Decoder) Next() (Message, error) {
    for {
        body, err := d.frame()
        if err != nil { return nil, err }
        if d.expect > 0 {
            var ef entryFrame
            if err := decodeBody(body, &ef); err != nil { return nil, err }
            if len(ef.Data) == 0 { ef.Data = nil }
            d.pending.Entries = append(d.pending.Entries, consensus.Entry{ID: ef.ID, Term: ef.Term, Type: ef.Type, Data: ef.Data})
            d.expect--
            if d.expect > 0 { continue }
            m := *d.pending
            d.pending = nil
            return m, nil
        }
        if len(body) == 0 { return nil, fmt.Errorf("%w: empty frame", ErrMalformed) }
        m, err := d.decodeTagged(Type(body[0]), body[1:])
        if err != nil { return nil, err }
        if m == nil { continue }
        return m, nil
    }
}

// decodeTagged returns a nil message when an AppendEntries header armed the
// entry state and the message is not complete yet.
func (d *Decoder) decodeTagged(t Type, b []byte) (Message, error) {
    var (
        m   Message
        err error
    )
    switch t {
    case TypeHandshake:
        var v Handshake
        err = decodeBody(b, &v)
        m = v
    case TypeHandshakeResponse:
        var v HandshakeResponse
        err = decodeBody(b, &v)
        m = v
    case TypeLeave:
        m = Leave{}
    case TypeLeaveResponse:
        m = LeaveResponse{}
    case TypeRequestVote:
        var v RequestVote
        err = decodeBody(b, &v.RequestVote)
        m = v
    case TypeRequestVoteResponse:
        var v RequestVoteResponse
        err = decodeBody(b, &v.RequestVoteResponse)
        m = v
    case TypeAppendEntriesResponse:
        var v AppendEntriesResponse
        err = decodeBody(b, &v.AppendEntriesResponse)
        m = v
    case TypeAppendEntries:
        return d.armAppendEntries(b)
    default:
        return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
    }
    if err != nil { return nil, err }
    return m, nil
}

func (d *Decoder) armAppendEntries(b []byte) (Message, error) {
    var h appendEntriesHeader
    if err := decodeBody(b, &h); err != nil { return nil, err }
    if h.NEntries < 0 || h.NEntries > MaxEntriesPerMessage {
        return nil, fmt.Errorf("%w: entry count %d", ErrMalformed, h.NEntries)
    }
    m := AppendEntries{consensus.AppendEntries{
        Term:         h.Term,
        PrevLogIndex: h.PrevLogIndex,
        PrevLogTerm:  h.PrevLogTerm,
        LeaderCommit: h.LeaderCommit,
    }}
    if h.NEntries == 0 { return m, nil }
    d.pending = &m
    d.expect = h.NEntries
    return nil, nil
}
