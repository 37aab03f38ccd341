package zmqtransport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dermesser/sessionrpc/transport"

	zmq "github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDealerRouterRoundTrip(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:*", nil)
	require.NoError(t, err)
	defer l.Close()
	require.True(t, strings.HasPrefix(l.Addr(), "tcp://127.0.0.1:"), l.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dialer{}.Dial(ctx, l.Addr())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Write(ctx, []byte("hello")))
	server, err := l.Accept(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(server.RemoteAddr(), "zmq://"))

	msg, err := server.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg)

	require.NoError(t, server.Write(ctx, []byte("world")))
	msg, err = client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), msg)

	// empty writes are not sent, they would look like a close
	require.NoError(t, client.Write(ctx, nil))

	require.NoError(t, client.Close())
	_, err = server.Read(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, server.Write(ctx, []byte("late")), transport.ErrClosed)
}

func TestServerCloseEndsClient(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:*", nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dialer{}.Dial(ctx, l.Addr())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Write(ctx, []byte("ping")))
	server, err := l.Accept(ctx)
	require.NoError(t, err)
	_, err = server.Read(ctx)
	require.NoError(t, err)

	require.NoError(t, server.Close())
	_, err = client.Read(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestListenerClose(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:*", nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestWakerSignalsPoll(t *testing.T) {
	w, err := newWaker()
	require.NoError(t, err)
	defer w.close()

	poller := zmq.NewPoller()
	poller.Add(w.recv, zmq.POLLIN)

	polled, err := poller.Poll(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, polled)

	// pending wakeups collapse into one readable socket
	for i := 0; i < 100; i++ {
		w.wake()
	}
	polled, err = poller.Poll(time.Second)
	require.NoError(t, err)
	assert.Len(t, polled, 1)

	w.drain()
	polled, err = poller.Poll(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, polled)
}

func TestWakeAfterCloseIsIgnored(t *testing.T) {
	w, err := newWaker()
	require.NoError(t, err)
	w.close()
	w.wake()
}

func TestIdleChannelsAnswerPromptly(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:*", nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dialer{}.Dial(ctx, l.Addr())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Write(ctx, []byte("0")))
	server, err := l.Accept(ctx)
	require.NoError(t, err)
	_, err = server.Read(ctx)
	require.NoError(t, err)

	// both loops sleep in Poll between messages; every write wakes them
	for i := 0; i < 200; i++ {
		time.Sleep(time.Millisecond)
		require.NoError(t, server.Write(ctx, []byte("ping")))
		_, err := client.Read(ctx)
		require.NoError(t, err)
		require.NoError(t, client.Write(ctx, []byte("pong")))
		_, err = server.Read(ctx)
		require.NoError(t, err)
	}
}
