package socket

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espressif/esp-protocols-sub002/errs"
	"github.com/espressif/esp-protocols-sub002/execctx"
	"github.com/espressif/esp-protocols-sub002/iobuf"
)

func newTestContext(t *testing.T) *execctx.ExecutionContext {
	t.Helper()
	ctx, err := execctx.New(execctx.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func loopback(port int) unix.Sockaddr {
	return &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
}

func portOf(t *testing.T, fd int) int {
	t.Helper()
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	addr, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return addr.Port
}

func newListeningAcceptor(t *testing.T, ctx *execctx.ExecutionContext) (*Acceptor, int) {
	t.Helper()
	acc := NewAcceptor(ctx)
	require.NoError(t, acc.Open(unix.AF_INET, unix.SOCK_STREAM, 0))
	require.NoError(t, acc.Listen(loopback(0), 16))
	fd, ok := acc.Fd()
	require.True(t, ok)
	return acc, portOf(t, fd)
}

// TestAsyncConnectAcceptSendRecvEchoOnce drives one full connect/accept/
// send/recv cycle using only the execution context's own polling, with no
// background goroutines — the async surface end to end.
func TestAsyncConnectAcceptSendRecvEchoOnce(t *testing.T) {
	ctx := newTestContext(t)
	acc, port := newListeningAcceptor(t, ctx)

	serverSide := NewStream(ctx)
	var acceptErr error
	acceptDone := false
	acc.AsyncAccept(serverSide, func(_ unix.Sockaddr, err error) {
		acceptErr = err
		acceptDone = true
	})

	client := NewStream(ctx)
	require.NoError(t, client.Open(unix.AF_INET, unix.SOCK_STREAM, 0))
	var connectErr error
	connectDone := false
	client.AsyncConnect(loopback(port), func(err error) {
		connectErr = err
		connectDone = true
	})

	deadline := time.Now().Add(2 * time.Second)
	for !(acceptDone && connectDone) && time.Now().Before(deadline) {
		ctx.PollOne()
	}
	require.True(t, acceptDone && connectDone, "connect/accept did not complete in time")
	require.NoError(t, acceptErr)
	require.NoError(t, connectErr)

	payload := []byte("ping")
	sendDone := false
	client.AsyncSend(iobuf.Single(payload), func(n int, err error) {
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)
		sendDone = true
	})

	recvBuf := make([]byte, 16)
	recvDone := false
	serverSide.AsyncRecv(iobuf.Single(recvBuf), func(n int, err error) {
		require.NoError(t, err)
		assert.Equal(t, payload, recvBuf[:n])
		recvDone = true
	})

	deadline = time.Now().Add(2 * time.Second)
	for !(sendDone && recvDone) && time.Now().Before(deadline) {
		ctx.PollOne()
	}
	assert.True(t, sendDone && recvDone, "echo-once scenario did not complete in time")
}

func TestSyncSendRecvOverLoopback(t *testing.T) {
	ctx := newTestContext(t)
	acc, port := newListeningAcceptor(t, ctx)

	client := NewStream(ctx)
	require.NoError(t, client.Open(unix.AF_INET, unix.SOCK_STREAM, 0))

	serverSide := NewStream(ctx)
	acceptDone := make(chan error, 1)
	go func() {
		_, err := acc.Accept(serverSide)
		acceptDone <- err
	}()

	require.NoError(t, client.Connect(loopback(port)))
	require.NoError(t, <-acceptDone)

	n, err := client.Send(iobuf.Single([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = serverSide.Recv(iobuf.Single(buf))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestRecvReportsEOFOnPeerClose(t *testing.T) {
	ctx := newTestContext(t)
	acc, port := newListeningAcceptor(t, ctx)

	client := NewStream(ctx)
	require.NoError(t, client.Open(unix.AF_INET, unix.SOCK_STREAM, 0))
	serverSide := NewStream(ctx)
	acceptDone := make(chan error, 1)
	go func() {
		_, err := acc.Accept(serverSide)
		acceptDone <- err
	}()
	require.NoError(t, client.Connect(loopback(port)))
	require.NoError(t, <-acceptDone)

	require.NoError(t, client.Close())

	buf := make([]byte, 16)
	_, err := serverSide.Recv(iobuf.Single(buf))
	assert.True(t, errs.IsKind(err, errs.EOF))
}

func TestCancelDeliversAbortedToPendingRecv(t *testing.T) {
	ctx := newTestContext(t)
	acc, port := newListeningAcceptor(t, ctx)

	client := NewStream(ctx)
	require.NoError(t, client.Open(unix.AF_INET, unix.SOCK_STREAM, 0))
	serverSide := NewStream(ctx)
	acceptDone := make(chan error, 1)
	go func() {
		_, err := acc.Accept(serverSide)
		acceptDone <- err
	}()
	require.NoError(t, client.Connect(loopback(port)))
	require.NoError(t, <-acceptDone)

	var gotErr error
	done := false
	buf := make([]byte, 16)
	serverSide.AsyncRecv(iobuf.Single(buf), func(n int, err error) {
		gotErr = err
		done = true
	})

	serverSide.Cancel()

	deadline := time.Now().Add(2 * time.Second)
	for !done && time.Now().Before(deadline) {
		ctx.PollOne()
	}
	require.True(t, done)
	assert.True(t, errs.IsKind(gotErr, errs.Aborted))
}

func TestDatagramSendToRecvFromSync(t *testing.T) {
	ctx := newTestContext(t)

	receiver := NewDatagram(ctx)
	require.NoError(t, receiver.Open(unix.AF_INET, unix.SOCK_DGRAM, 0))
	require.NoError(t, receiver.Bind(loopback(0)))
	fd, ok := receiver.Fd()
	require.True(t, ok)
	port := portOf(t, fd)

	sender := NewDatagram(ctx)
	require.NoError(t, sender.Open(unix.AF_INET, unix.SOCK_DGRAM, 0))

	recvDone := make(chan struct{})
	buf := make([]byte, 16)
	go func() {
		n, _, err := receiver.RecvFrom(buf)
		require.NoError(t, err)
		assert.Equal(t, "hi", string(buf[:n]))
		close(recvDone)
	}()

	time.Sleep(10 * time.Millisecond)
	n, err := sender.SendTo([]byte("hi"), loopback(port))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	<-recvDone
}

func TestCloseThenOperationFailsWithBadDescriptor(t *testing.T) {
	ctx := newTestContext(t)
	s := NewStream(ctx)
	require.NoError(t, s.Open(unix.AF_INET, unix.SOCK_STREAM, 0))
	require.NoError(t, s.Close())

	_, err := s.Send(iobuf.Single([]byte("x")))
	assert.True(t, errs.IsKind(err, errs.BadDescriptor))

	err = s.Close()
	assert.True(t, errs.IsKind(err, errs.BadDescriptor))
}

func TestLingerAndDuplicateFailOnClosedSocket(t *testing.T) {
	ctx := newTestContext(t)
	s := NewStream(ctx)
	require.NoError(t, s.Open(unix.AF_INET, unix.SOCK_STREAM, 0))

	require.NoError(t, s.SetLinger(1, 5))
	l, err := s.Linger()
	require.NoError(t, err)
	require.NotNil(t, l)
	require.NotZero(t, l.Onoff)
	require.EqualValues(t, 5, l.Linger)

	dup, err := s.Duplicate()
	require.NoError(t, err)
	require.NotEqual(t, -1, dup)
	require.NoError(t, unix.Close(dup))

	require.NoError(t, s.Close())

	_, err = s.Linger()
	assert.True(t, errs.IsKind(err, errs.BadDescriptor))
	_, err = s.Duplicate()
	assert.True(t, errs.IsKind(err, errs.BadDescriptor))
}
