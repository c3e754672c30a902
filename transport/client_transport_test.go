package transport

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-mesh/codec"
	"mini-mesh/message"
	"mini-mesh/schema"
	"mini-mesh/server"
	"mini-mesh/status"
)

const arithBlob = `{"services":{"test.Arith":{"methods":{
	"Add":{"requestType":"Args","responseType":"Reply"},
	"Block":{"requestType":"Empty","responseType":"Empty"}}}}}`

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

// startArith serves test.Arith on a free port. Block reports its context
// error on cancelled.
func startArith(t *testing.T, cancelled chan<- error) (*server.Server, string) {
	t.Helper()
	svc, _, err := schema.LoadBuffer([]byte(arithBlob), "test.Arith", schema.LoadOptions{})
	require.NoError(t, err)

	svr := server.NewServer()
	require.NoError(t, svr.AddService(svc, map[string]server.Handler{
		"Add": func(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
			var args Args
			if err := json.Unmarshal(req.Payload, &args); err != nil {
				return nil, err
			}
			return json.Marshal(Reply{Result: args.A + args.B})
		},
		"Block": func(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
			<-ctx.Done()
			if cancelled != nil {
				cancelled <- ctx.Err()
			}
			return nil, ctx.Err()
		},
	}))
	port, err := svr.Bind("127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(svr.ForceShutdown)
	return svr, net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func add(t *testing.T, ct *ClientTransport, a, b int) int {
	t.Helper()
	payload, err := json.Marshal(&Args{A: a, B: b})
	require.NoError(t, err)
	resp, err := ct.Call(context.Background(), &message.RPCMessage{ServiceMethod: "/test.Arith/Add", Payload: payload})
	require.NoError(t, err)
	require.Zero(t, resp.Code, resp.Error)

	var reply Reply
	require.NoError(t, json.Unmarshal(resp.Payload, &reply))
	return reply.Result
}

func TestClientTransportSerial(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		_, addr := startArith(t, nil)
		tr, err := Dial(context.Background(), addr, ct)
		require.NoError(t, err)

		for _, tc := range []struct{ a, b, expect int }{{1, 2, 3}, {10, 20, 30}, {100, 200, 300}} {
			assert.Equal(t, tc.expect, add(t, tr, tc.a, tc.b))
		}
		require.NoError(t, tr.Close())
	}
}

// Many goroutines share one connection; every response must reach its caller.
func TestClientTransportConcurrent(t *testing.T) {
	_, addr := startArith(t, nil)
	tr, err := Dial(context.Background(), addr, codec.CodecTypeBinary)
	require.NoError(t, err)
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 2*i, add(t, tr, i, i))
		}()
	}
	wg.Wait()
}

func TestCallCancelPropagates(t *testing.T) {
	cancelled := make(chan error, 1)
	_, addr := startArith(t, cancelled)
	tr, err := Dial(context.Background(), addr, codec.CodecTypeBinary)
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = tr.Call(ctx, &message.RPCMessage{ServiceMethod: "/test.Arith/Block"})
	assert.Equal(t, status.Canceled, status.CodeOf(err))

	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("server handler was not cancelled")
	}

	// The connection stays usable after a cancelled call.
	assert.Equal(t, 5, add(t, tr, 2, 3))
}

func TestCallDeadlineTravels(t *testing.T) {
	cancelled := make(chan error, 1)
	_, addr := startArith(t, cancelled)
	tr, err := Dial(context.Background(), addr, codec.CodecTypeBinary)
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Call(ctx, &message.RPCMessage{ServiceMethod: "/test.Arith/Block"})
	assert.Equal(t, status.DeadlineExceeded, status.CodeOf(err))

	select {
	case err := <-cancelled:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server handler outlived the deadline")
	}
}

func TestCallAfterServerGone(t *testing.T) {
	svr, addr := startArith(t, nil)
	tr, err := Dial(context.Background(), addr, codec.CodecTypeBinary)
	require.NoError(t, err)
	assert.Equal(t, 3, add(t, tr, 1, 2))

	svr.ForceShutdown()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not notice the closed connection")
	}
	_, err = tr.Call(context.Background(), &message.RPCMessage{ServiceMethod: "/test.Arith/Add"})
	assert.Equal(t, status.Unavailable, status.CodeOf(err))
}

func TestPoolFailsOver(t *testing.T) {
	_, live := startArith(t, nil)
	p := NewPool(PoolOptions{Codec: codec.CodecTypeBinary})
	defer p.Close()

	target := deadAddr(t) + "," + live
	resp, err := p.Invoke(context.Background(), target, false, &message.RPCMessage{
		ServiceMethod: "/test.Arith/Add",
		Payload:       []byte(`{"A":4,"B":5}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Result":9}`, string(resp.Payload))

	// The transport is reused for the same address.
	t1, err := p.Get(context.Background(), live, false)
	require.NoError(t, err)
	t2, err := p.Get(context.Background(), live, false)
	require.NoError(t, err)
	assert.Same(t, t1, t2)
}

func TestPoolUnavailable(t *testing.T) {
	p := NewPool(PoolOptions{})
	defer p.Close()

	_, err := p.Get(context.Background(), deadAddr(t), false)
	assert.Equal(t, status.Unavailable, status.CodeOf(err))

	_, err = p.Get(context.Background(), "", false)
	assert.Equal(t, status.Unavailable, status.CodeOf(err))
}

func TestPoolWaitForReady(t *testing.T) {
	p := NewPool(PoolOptions{})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Get(ctx, deadAddr(t), true)
	assert.Equal(t, status.DeadlineExceeded, status.CodeOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestPoolClosed(t *testing.T) {
	_, addr := startArith(t, nil)
	p := NewPool(PoolOptions{})
	_, err := p.Get(context.Background(), addr, false)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Get(context.Background(), addr, true)
	assert.Equal(t, status.Unavailable, status.CodeOf(err))
}
