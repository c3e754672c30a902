// Package transport implements the client side of the frame protocol.
//
// ClientTransport multiplexes concurrent calls over one TCP connection.
// Each request gets a sequence ID, and a background goroutine (recvLoop)
// routes every response to the caller waiting on that ID.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan → goroutine-2 wakes up
//
// A caller whose context ends stops waiting and sends a cancel frame for
// its sequence ID so the server cancels the handler too.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"mini-mesh/codec"
	"mini-mesh/message"
	"mini-mesh/protocol"
	"mini-mesh/status"
)

const defaultHeartbeat = 30 * time.Second

// ErrClosed is returned for calls on a closed transport.
var ErrClosed = errors.New("transport: connection closed")

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32     // Last sequence number (protected by sending)
	pending sync.Map   // map[uint32]chan *message.RPCMessage
	sending sync.Mutex // Serializes frame writes so frames never interleave

	done      chan struct{}
	closeOnce sync.Once
	err       error // Why the connection ended, set before done is closed
}

// NewClientTransport wraps conn and starts the receive and heartbeat loops.
func NewClientTransport(conn net.Conn, codecType codec.CodecType) *ClientTransport {
	return newClientTransport(conn, codecType, defaultHeartbeat)
}

func newClientTransport(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration) *ClientTransport {
	t := &ClientTransport{
		conn:  conn,
		codec: codecType,
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	go t.heartbeatLoop(heartbeat)
	return t
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, codecType codec.CodecType) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, codecType), nil
}

// Call sends req and waits for its response. The deadline of ctx, if any,
// is sent along with the request.
func (t *ClientTransport) Call(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	if err := status.FromContext(ctx); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.SetDeadline(deadline)
	}

	seq, ch, err := t.send(req)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if _, waiting := t.pending.LoadAndDelete(seq); waiting {
			t.writeFrame(&protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeCancel, Seq: seq}, nil)
		}
		return nil, status.FromContext(ctx)
	case <-t.done:
		// recvLoop may have delivered the response just before exiting
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, status.Errorf(status.Unavailable, "%v", t.err)
	}
}

// send encodes and writes req. It returns the sequence number and the
// channel that receives the response.
func (t *ClientTransport) send(req *message.RPCMessage) (uint32, <-chan *message.RPCMessage, error) {
	body, err := codec.GetCodec(t.codec).Encode(req)
	if err != nil {
		return 0, nil, status.Errorf(status.Internal, "encode request: %v", err)
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	select {
	case <-t.done:
		return 0, nil, status.Errorf(status.Unavailable, "%v", t.err)
	default:
	}

	t.seq++
	seq := t.seq

	// Register the channel before writing so recvLoop cannot miss it
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	header := protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeRequest, Seq: seq}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.closeWith(err)
		return 0, nil, status.Errorf(status.Unavailable, "write request: %v", err)
	}
	return seq, respChan, nil
}

func (t *ClientTransport) writeFrame(h *protocol.Header, body []byte) error {
	t.sending.Lock()
	defer t.sending.Unlock()
	return protocol.Encode(t.conn, h, body)
}

// recvLoop is the only reader of the connection, since frame boundaries
// can only be parsed sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeWith(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = &message.RPCMessage{Code: uint16(status.Internal), Error: "malformed response: " + err.Error()}
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- resp
		}
	}
}

// closeWith records why the connection ended, wakes every pending caller
// and closes the connection.
func (t *ClientTransport) closeWith(err error) {
	t.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		t.err = err
		close(t.done)
		t.conn.Close()
	})
}

// Close closes the connection. Pending calls fail with Unavailable.
func (t *ClientTransport) Close() error {
	t.closeWith(ErrClosed)
	return nil
}

// Done is closed once the connection is no longer usable.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop sends periodic heartbeat frames (no body) so idle
// connections stay open through middleboxes.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			header := &protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeHeartbeat}
			if err := t.writeFrame(header, nil); err != nil {
				t.closeWith(err)
				return
			}
		case <-t.done:
			return
		}
	}
}
