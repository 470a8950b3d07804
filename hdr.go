package derecho

import (
	"fmt"

	"github.com/tchajed/marshal"
)

// HeaderSize is the fixed number of bytes of MessageHeader at the
// front of every multicast payload, SMM slot, and persisted record.
const HeaderSize = 32

// MessageHeader is the fixed little-endian prefix of every
// multicast message. The layout is:
//
//	header_size:u32  index:i32  timestamp:u64  num_nulls:u32
//	cooked_send:u8   3 reserved bytes          reserved:u64
//
// Timestamp is the sender's wall clock capture, in nanoseconds, at
// send time. A message with NumNulls > 0 is a null message: it
// reserves NumNulls sequence slots and carries no payload.
type MessageHeader struct {
	HeaderSize uint32
	Index      int32
	Timestamp  uint64
	NumNulls   uint32
	CookedSend uint8
}

// IsNull reports whether the header marks a null message.
func (h *MessageHeader) IsNull() bool {
	return h.NumNulls > 0
}

func (h *MessageHeader) String() string {
	return fmt.Sprintf("MessageHeader{Index: %v, Timestamp: %v, NumNulls: %v, CookedSend: %v}",
		h.Index, h.Timestamp, h.NumNulls, h.CookedSend)
}

// EncodeHeaderTo appends the 32-byte wire form of h to bs.
func EncodeHeaderTo(bs []byte, h *MessageHeader) []byte {
	bs = marshal.WriteInt32(bs, h.HeaderSize)
	bs = marshal.WriteInt32(bs, uint32(h.Index))
	bs = marshal.WriteInt(bs, h.Timestamp)
	bs = marshal.WriteInt32(bs, h.NumNulls)
	bs = append(bs, h.CookedSend, 0, 0, 0)
	bs = marshal.WriteInt(bs, 0) // reserved quad
	return bs
}

// EncodeHeader writes h into the first HeaderSize bytes of buf.
// buf must be at least HeaderSize long.
func EncodeHeader(buf []byte, h *MessageHeader) {
	if len(buf) < HeaderSize {
		panicf("EncodeHeader: buf too small, %v < %v", len(buf), HeaderSize)
	}
	out := EncodeHeaderTo(buf[:0], h)
	_ = out
}

// DecodeHeader reads the header from the front of buf, returning
// the remaining payload bytes.
func DecodeHeader(buf []byte) (h MessageHeader, payload []byte, err error) {
	if len(buf) < HeaderSize {
		return h, nil, fmt.Errorf("derecho: short header: %v < %v bytes", len(buf), HeaderSize)
	}
	var u32 uint32
	bs := buf
	u32, bs = marshal.ReadInt32(bs)
	h.HeaderSize = u32
	u32, bs = marshal.ReadInt32(bs)
	h.Index = int32(u32)
	h.Timestamp, bs = marshal.ReadInt(bs)
	h.NumNulls, bs = marshal.ReadInt32(bs)
	h.CookedSend = bs[0]
	bs = bs[4:]
	_, bs = marshal.ReadInt(bs) // reserved quad
	if h.HeaderSize != HeaderSize {
		return h, nil, fmt.Errorf("derecho: bad header_size %v, want %v", h.HeaderSize, HeaderSize)
	}
	return h, bs, nil
}

// newHeader stamps a header for a fresh send.
func newHeader(index int32, tsNanos uint64, numNulls uint32, cooked bool) MessageHeader {
	h := MessageHeader{
		HeaderSize: HeaderSize,
		Index:      index,
		Timestamp:  tsNanos,
		NumNulls:   numNulls,
	}
	if cooked {
		h.CookedSend = 1
	}
	return h
}

// Round-robin sequence arithmetic. Within a shard with numSenders
// senders, the message (senderRank, index) occupies global slot
// senderRank + numSenders*index, giving a dense total order.

func seqOf(senderRank, numSenders int, index int64) int64 {
	return int64(senderRank) + int64(numSenders)*index
}

func senderOfSeq(seq int64, numSenders int) int {
	return int(seq % int64(numSenders))
}

func indexOfSeq(seq int64, numSenders int) int64 {
	return seq / int64(numSenders)
}

// seqUptoCounts converts per-sender received counts into the
// highest prefix-complete global sequence number, or -1 when
// nothing is deliverable. With counts c, the sequence s is covered
// iff c[sender(s)] > index(s); the returned value is the largest s
// such that every s' <= s is covered.
func seqUptoCounts(counts []int32) int64 {
	n := len(counts)
	if n == 0 {
		return -1
	}
	min := counts[0]
	argmin := 0
	for k := 1; k < n; k++ {
		if counts[k] < min {
			min = counts[k]
			argmin = k
		}
	}
	// every sender has at least min full rounds; then the senders
	// before the first laggard may have one more message each.
	seq := int64(min) * int64(n)
	for k := 0; k < argmin; k++ {
		if counts[k] > min {
			seq++
		} else {
			break
		}
	}
	return seq - 1
}
