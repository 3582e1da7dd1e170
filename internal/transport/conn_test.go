package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hongjun500/signal/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestConnRpc_OutOfOrderReplies(t *testing.T) {
	a, b := pipePair(t)
	const n = 20
	withHandler(b, func(req *Request) *Response {
		i, _ := strconv.Atoi(string(req.Data))
		// 先发出的请求最后返回
		time.Sleep(time.Duration(n-i) * 10 * time.Millisecond)
		return Ok(req.Data)
	})

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := strconv.Itoa(i)
			resp, err := a.RpcRequest(context.Background(), 3*time.Second, protocol.TagHeader("echo"), want)
			if err != nil {
				errs <- err
				return
			}
			if resp.StatusCode != protocol.StatusOk || string(resp.Data) != want {
				errs <- fmt.Errorf("request %s got %v %q", want, resp.StatusCode, resp.Data)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.EqualValues(t, 0, a.Pending())
}

func TestConnRpc_Timeout(t *testing.T) {
	a, b := pipePair(t)
	var slow atomic.Bool
	slow.Store(true)
	withHandler(b, func(req *Request) *Response {
		if slow.Load() {
			time.Sleep(1500 * time.Millisecond)
		}
		return Ok("done")
	})

	start := time.Now()
	_, err := a.RpcRequest(context.Background(), time.Second, protocol.TagHeader("slow"), nil)
	elapsed := time.Since(start)
	require.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 1400*time.Millisecond)
	assert.EqualValues(t, 0, a.Pending())

	// the late reply is discarded and the connection stays usable
	slow.Store(false)
	time.Sleep(700 * time.Millisecond)
	resp, err := a.RpcRequest(context.Background(), time.Second, protocol.TagHeader("fast"), nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOk, resp.StatusCode)
}

func TestConnRpc_InvalidArguments(t *testing.T) {
	a, _ := pipePair(t)
	_, err := a.RpcRequest(context.Background(), 500*time.Millisecond, protocol.TagHeader("x"), nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = a.RpcRequest(context.Background(), time.Second, nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = a.RpcRequest(context.Background(), time.Second, protocol.NewHeader(), struct{ X int }{1})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestConnRpc_HandlerOutcomes(t *testing.T) {
	a, b := pipePair(t)
	ctx := context.Background()

	resp, err := a.RpcRequest(ctx, time.Second, protocol.TagHeader("none"), nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusUnsupported, resp.StatusCode)

	withHandler(b, func(req *Request) *Response {
		switch req.Tag() {
		case "panic":
			panic("boom")
		case "nil":
			return nil
		}
		return Conflict("taken")
	})
	tests := []struct {
		tag  string
		want protocol.StatusCode
	}{
		{"panic", protocol.StatusUnknown},
		{"nil", protocol.StatusNullValue},
		{"other", protocol.StatusConflict},
	}
	for _, tt := range tests {
		resp, err := a.RpcRequest(ctx, time.Second, protocol.TagHeader(tt.tag), nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, resp.StatusCode, tt.tag)
	}
}

type greeting struct {
	Name string `json:"name"`
}

func TestRpcRequestAs_PointerTargets(t *testing.T) {
	a, b := pipePair(t)
	a.Payloads().Register(greeting{})
	b.Payloads().Register(greeting{})
	withHandler(b, func(req *Request) *Response {
		switch req.Tag() {
		case "proto":
			return Ok(wrapperspb.String("pong"))
		case "json":
			return Ok(&greeting{Name: "alice"})
		}
		return Ok("plain")
	})
	ctx := context.Background()

	pv, status := RpcRequestAs[*wrapperspb.StringValue](ctx, a, time.Second, protocol.TagHeader("proto"), nil)
	require.Equal(t, protocol.StatusOk, status)
	require.NotNil(t, pv)
	assert.Equal(t, "pong", pv.GetValue())

	gp, status := RpcRequestAs[*greeting](ctx, a, time.Second, protocol.TagHeader("json"), nil)
	require.Equal(t, protocol.StatusOk, status)
	require.NotNil(t, gp)
	assert.Equal(t, "alice", gp.Name)

	gv, status := RpcRequestAs[greeting](ctx, a, time.Second, protocol.TagHeader("json"), nil)
	require.Equal(t, protocol.StatusOk, status)
	assert.Equal(t, "alice", gv.Name)

	sp, status := RpcRequestAs[*string](ctx, a, time.Second, protocol.TagHeader("text"), nil)
	require.Equal(t, protocol.StatusOk, status)
	assert.Equal(t, "plain", *sp)

	// 未注册的类型
	up, status := RpcRequestAs[*struct{ X int }](ctx, a, time.Second, protocol.TagHeader("json"), nil)
	assert.Equal(t, protocol.StatusUnsupported, status)
	assert.Nil(t, up)
}

func TestConnDispatch_OversizedBodyIsFatal(t *testing.T) {
	na, nb := net.Pipe()
	defer na.Close()
	c := newConn(nb, connOptions{side: "server", events: NewEvents("oversized"), maxProxied: 8, maxMessage: 16})
	done := make(chan struct{})
	go func() {
		defer close(done)
		pump(c)
	}()

	m := protocol.NewRequest(protocol.TagHeader("big"), nil, "conv-1", time.Time{})
	m.ContentLength = 1 << 50
	_, err := na.Write(protocol.BuildHeaderBytes(m))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop on an oversized body")
	}
	assert.True(t, c.Closed())
}

func TestConnDispatch_LargeStreamBypassesMessageLimit(t *testing.T) {
	a, b := pipePair(t)
	b.maxMessage = 16
	got := make(chan int64, 1)
	b.events.Subscribe(EventStreamMessage, func(e Event) {
		se := e.(*StreamEvent)
		n, _ := io.Copy(io.Discard, se.Stream)
		got <- n
	})
	body := bytes.Repeat([]byte("s"), 64)
	require.True(t, a.SendStream(protocol.TagHeader("s"), bytes.NewReader(body), int64(len(body))))
	select {
	case n := <-got:
		assert.EqualValues(t, len(body), n)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not delivered")
	}
	assert.False(t, b.Closed())
}

func TestConnRpc_Canceled(t *testing.T) {
	a, b := pipePair(t)
	withHandler(b, func(req *Request) *Response {
		time.Sleep(time.Second)
		return Ok(nil)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := a.RpcRequest(ctx, 5*time.Second, protocol.TagHeader("x"), nil)
	assert.True(t, errors.Is(err, ErrCanceled), "got %v", err)
	assert.EqualValues(t, 0, a.Pending())
}

func TestConnRpc_AbortsWhenConnectionCloses(t *testing.T) {
	a, b := pipePair(t)
	withHandler(b, func(req *Request) *Response {
		time.Sleep(2 * time.Second)
		return Ok(nil)
	})
	go func() {
		time.Sleep(100 * time.Millisecond)
		b.Close()
	}()
	start := time.Now()
	_, err := a.RpcRequest(context.Background(), 5*time.Second, protocol.TagHeader("x"), nil)
	assert.True(t, errors.Is(err, ErrConnClosed), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConn_ExpiredRequestIsDropped(t *testing.T) {
	a, b := pipePair(t)
	var calls atomic.Int32
	withHandler(b, func(req *Request) *Response {
		calls.Add(1)
		return Ok(nil)
	})
	now := time.Now().UTC()
	msg := protocol.NewRequest(protocol.TagHeader("late"), nil, "expired-1", now.Add(-time.Second))
	msg.SenderTimestamp = now
	require.NoError(t, a.write(msg))

	// unmatched responses are dropped too
	require.NoError(t, a.write(protocol.NewResponse(protocol.NewHeader(), []byte("x"), "nobody", now.Add(time.Minute))))

	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 0, calls.Load())
	assert.False(t, b.Closed())
}

func TestConnSend_ConcurrentWritesDoNotInterleave(t *testing.T) {
	a, b := pipePair(t)
	const senders = 32
	const size = 10 * 1024

	var mu sync.Mutex
	got := make(map[string][]byte)
	b.events.Subscribe(EventBroadcastMessage, func(e Event) {
		be := e.(*BroadcastEvent)
		mu.Lock()
		got[be.Header.Tag()] = be.Data
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := bytes.Repeat([]byte{byte(i)}, size)
			assert.True(t, a.Send(protocol.TagHeader(strconv.Itoa(i)), body))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == senders
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < senders; i++ {
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, size), got[strconv.Itoa(i)], "sender %d", i)
	}
}

func TestConnSendStream(t *testing.T) {
	a, b := pipePair(t)
	type result struct {
		tag  string
		data []byte
	}
	out := make(chan result, 2)
	b.events.Subscribe(EventStreamMessage, func(e Event) {
		se := e.(*StreamEvent)
		data, err := io.ReadAll(se.Stream)
		assert.NoError(t, err)
		assert.EqualValues(t, se.ContentLength, len(data))
		out <- result{tag: se.Header.Tag(), data: data}
	})

	small := bytes.Repeat([]byte("s"), 1024)
	require.True(t, a.SendStream(protocol.TagHeader("small"), bytes.NewReader(small), int64(len(small))))
	// larger than maxProxied, delivered live from the connection
	large := bytes.Repeat([]byte("L"), 3<<20)
	require.True(t, a.SendStream(protocol.TagHeader("large"), bytes.NewReader(large), int64(len(large))))

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-out:
			seen[r.tag] = len(r.data)
		case <-time.After(3 * time.Second):
			t.Fatal("stream not delivered")
		}
	}
	assert.Equal(t, len(small), seen["small"])
	assert.Equal(t, len(large), seen["large"])
}

func TestConnSendStream_ShortReaderFails(t *testing.T) {
	na, nb := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, nb) }()
	c := newConn(na, connOptions{side: "client", events: NewEvents("short")})
	defer nb.Close()

	ok := c.SendStream(protocol.TagHeader("s"), bytes.NewReader([]byte("abc")), 10)
	assert.False(t, ok)
	// a partially written frame leaves the connection unusable
	assert.True(t, c.Closed())
	assert.Equal(t, ReasonProtocolError, c.Reason())
}

func TestConnSendAsync(t *testing.T) {
	a, b := pipePair(t)
	received := make(chan []byte, 1)
	b.events.Subscribe(EventBroadcastMessage, func(e Event) {
		received <- e.(*BroadcastEvent).Data
	})
	ok := <-a.SendAsync(context.Background(), protocol.TagHeader("async"), "hello")
	require.True(t, ok)
	select {
	case data := <-received:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, <-a.SendAsync(canceled, protocol.TagHeader("async"), "ignored"))
}

func TestConnClosed(t *testing.T) {
	a, _ := pipePair(t)
	a.Close()
	a.Close()
	assert.True(t, a.Closed())
	assert.False(t, a.Send(protocol.TagHeader("x"), "y"))
	_, err := a.RpcRequest(context.Background(), time.Second, protocol.TagHeader("x"), nil)
	assert.True(t, errors.Is(err, ErrConnClosed), "got %v", err)

	assert.Panics(t, func() { a.Send(nil, "y") })
	assert.Panics(t, func() { a.SendStream(protocol.NewHeader(), nil, 5) })
	assert.Panics(t, func() { a.SendStream(protocol.NewHeader(), bytes.NewReader(nil), -1) })
}
