package codec

import (
	"encoding/binary"
	"errors"
	"mini-mesh/message"
	"sort"
)

var errShortBuffer = errors.New("BinaryCodec: truncated message")

// BinaryCodec lays an RPCMessage out as length-prefixed fields:
//
//	method(2+n) | mdCount(2) | [key(2+n) value(2+n)]* | deadline(8) | code(2) | payload(4+n) | error(2+n)
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}

	total := 2 + len(msg.ServiceMethod) + 2 + 8 + 2 + 4 + len(msg.Payload) + 2 + len(msg.Error)
	keys := make([]string, 0, len(msg.Metadata))
	for k, val := range msg.Metadata {
		keys = append(keys, k)
		total += 4 + len(k) + len(val)
	}
	// Stable output for equal messages
	sort.Strings(keys)

	buf := make([]byte, 0, total)
	buf = appendString16(buf, msg.ServiceMethod)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = appendString16(buf, k)
		buf = appendString16(buf, msg.Metadata[k])
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(msg.Deadline))
	buf = binary.BigEndian.AppendUint16(buf, msg.Code)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = appendString16(buf, msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	r := reader{data: data}
	msg.ServiceMethod = r.string16()
	n := int(r.uint16())
	if n > 0 {
		msg.Metadata = make(message.Metadata, n)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.string16()
			msg.Metadata[k] = r.string16()
		}
	}
	msg.Deadline = int64(r.uint64())
	msg.Code = r.uint16()
	msg.Payload = r.bytes(int(r.uint32()))
	msg.Error = r.string16()
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader walks a buffer and remembers the first out-of-bounds read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) string16() string {
	return string(r.take(int(r.uint16())))
}

func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
