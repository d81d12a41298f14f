package xdrcall

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/rxrpc/internal/rxtest"
	"github.com/marmos91/rxrpc/pkg/rx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	opEcho   = 1
	opBlob   = 2
	opFail   = 3
	opCustom = 4
)

type echoArgs struct {
	Msg string
	N   uint32
}

type echoReply struct {
	Msg    string
	Double uint64
	Server [16]byte
}

type blobArgs struct {
	Data []byte
}

type blobReply struct {
	Len  uint32
	Data []byte
}

var serverID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func testService() *Service {
	svc := NewService(context.Background())
	svc.Register(opEcho, "ECHO", Typed(func(_ context.Context, req *echoArgs) (*echoReply, error) {
		return &echoReply{Msg: strings.ToUpper(req.Msg), Double: uint64(req.N) * 2, Server: serverID}, nil
	}))
	svc.Register(opBlob, "BLOB", Typed(func(_ context.Context, req *blobArgs) (*blobReply, error) {
		return &blobReply{Len: uint32(len(req.Data)), Data: req.Data}, nil
	}))
	svc.Register(opFail, "FAIL", func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("not today")
	})
	svc.Register(opCustom, "CUSTOM", func(context.Context, []byte) ([]byte, error) {
		return nil, rx.NewAbortError(17, errors.New("custom"))
	})
	return svc
}

var testPeer = rx.PeerAddress{Family: rx.FamilyIPv4, IP: []byte{127, 0, 0, 1}, Port: 7003}

// startServer runs svc behind a pipe and returns a client connection to it.
func startServer(t *testing.T, svc rx.Service) *rx.Connection {
	t.Helper()
	p := rxtest.NewPipe()

	srv, err := rx.ListenSocket(p.Server(), rx.Options{LocalService: 52, PollInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, svc, 2) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	require.Eventually(t, func() bool { return p.ChargedCount() >= 2 }, time.Second, time.Millisecond)

	cn, err := rx.OpenSocket(p.Client(), testPeer, rx.Options{Service: 52, PollInterval: time.Millisecond})
	require.NoError(t, err)
	return cn
}

// ============================================================================
// XDR helpers
// ============================================================================

func TestMarshal(t *testing.T) {
	t.Run("StructLayout", func(t *testing.T) {
		b, err := Marshal(&echoArgs{Msg: "hi", N: 1})
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 0, 0, 2, 'h', 'i', 0, 0, 0, 0, 0, 1}, b)

		var back echoArgs
		require.NoError(t, Unmarshal(b, &back))
		assert.Equal(t, echoArgs{Msg: "hi", N: 1}, back)
	})

	t.Run("NilIsEmpty", func(t *testing.T) {
		b, err := Marshal(nil)
		require.NoError(t, err)
		assert.Empty(t, b)
		assert.NoError(t, Unmarshal([]byte{1, 2}, nil))
	})

	t.Run("ShortInput", func(t *testing.T) {
		var back echoArgs
		assert.Error(t, Unmarshal([]byte{0, 0, 0, 9, 'x'}, &back))
	})
}

// ============================================================================
// Calls through the engine
// ============================================================================

func TestInvoke(t *testing.T) {
	cn := startServer(t, testService())
	ctx := context.Background()

	t.Run("TypedRoundTrip", func(t *testing.T) {
		var reply echoReply
		require.NoError(t, Invoke(ctx, cn, opEcho, &echoArgs{Msg: "afs", N: 21}, &reply))
		assert.Equal(t, "AFS", reply.Msg)
		assert.Equal(t, uint64(42), reply.Double)
		assert.Equal(t, [16]byte(serverID), reply.Server)
	})

	t.Run("LargeBodiesSpanManyBuffers", func(t *testing.T) {
		data := bytes.Repeat([]byte("0123456789abcdef"), 700)
		var reply blobReply
		require.NoError(t, Invoke(ctx, cn, opBlob, &blobArgs{Data: data}, &reply))
		assert.Equal(t, uint32(len(data)), reply.Len)
		assert.Equal(t, data, reply.Data)
	})

	t.Run("UnknownOpcode", func(t *testing.T) {
		err := Invoke(ctx, cn, 999, nil, nil)
		var ce *rx.CallError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, rx.AbortOpcode, ce.AbortCode)
		assert.ErrorIs(t, err, unix.ECONNABORTED)
	})

	t.Run("HandlerError", func(t *testing.T) {
		var ce *rx.CallError
		require.ErrorAs(t, Invoke(ctx, cn, opFail, nil, nil), &ce)
		assert.Equal(t, rx.AbortInvalidOp, ce.AbortCode)
	})

	t.Run("HandlerChoosesAbortCode", func(t *testing.T) {
		var ce *rx.CallError
		require.ErrorAs(t, Invoke(ctx, cn, opCustom, nil, nil), &ce)
		assert.Equal(t, int32(17), ce.AbortCode)
	})

	t.Run("MalformedArguments", func(t *testing.T) {
		var ce *rx.CallError
		require.ErrorAs(t, Invoke(ctx, cn, opEcho, nil, nil), &ce)
		assert.Equal(t, rx.AbortServerUnmarshal, ce.AbortCode)
	})

	t.Run("NoCallsLeak", func(t *testing.T) {
		assert.Equal(t, 0, cn.LiveCalls())
		assert.Equal(t, int64(0), cn.BuffersOutstanding())
	})
}

func TestInvokeTimeout(t *testing.T) {
	p := rxtest.NewPipe()
	cn, err := rx.OpenSocket(p.Client(), testPeer, rx.Options{PollInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = Invoke(ctx, cn, opEcho, &echoArgs{Msg: "anyone?"}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, cn.LiveCalls())
}
