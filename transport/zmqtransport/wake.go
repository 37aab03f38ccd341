package zmqtransport

import (
	"sync"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
)

/*
waker interrupts a socket loop blocked in Poll. The loop owns recv and polls it next to its main
socket; any goroutine may call wake, which sends a byte over an inproc PAIR connection. A signal
sent while the loop is busy stays queued, so the next Poll returns at once.
*/
type waker struct {
	recv *zmq.Socket

	mu   sync.Mutex
	send *zmq.Socket
}

func newWaker() (*waker, error) {
	endpoint := "inproc://sessionrpc-wake-" + uuid.NewString()
	recv, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		return nil, err
	}
	if err := recv.Bind(endpoint); err != nil {
		recv.Close()
		return nil, err
	}
	send, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		recv.Close()
		return nil, err
	}
	if err := send.Connect(endpoint); err != nil {
		send.Close()
		recv.Close()
		return nil, err
	}
	return &waker{recv: recv, send: send}, nil
}

// wake never blocks: if the pipe is full, a wakeup is pending anyway.
func (w *waker) wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.send != nil {
		w.send.SendBytes([]byte{0}, zmq.DONTWAIT)
	}
}

// drain consumes pending wakeups. Called by the loop only.
func (w *waker) drain() {
	for {
		if _, err := w.recv.RecvBytes(zmq.DONTWAIT); err != nil {
			return
		}
	}
}

// close is called by the loop when it exits; later wake calls do nothing.
func (w *waker) close() {
	w.mu.Lock()
	w.send.Close()
	w.send = nil
	w.mu.Unlock()
	w.recv.Close()
}
