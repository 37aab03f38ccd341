package client

import (
	"context"
	"errors"
	"sync"

	"github.com/dermesser/sessionrpc/log"
	"github.com/dermesser/sessionrpc/queue"
	"github.com/dermesser/sessionrpc/routines"
)

type Callback func([]byte, error)

type asyncRequest struct {
	callback Callback
	data     []byte
	service  uint32
}

// ErrAsyncClientClosed is returned by AsyncClient.Request after Close.
var ErrAsyncClientClosed = errors.New("async client closed")

type AsyncClient struct {
	request_queue *queue.Queue[*asyncRequest]
	qlength       uint

	client  *Client
	workers *routines.Group

	mu     sync.Mutex
	closed bool
}

/*
Create an asynchronous client on top of an open client. An AsyncClient is also called using
Request(), but it queues the request and returns immediately. workers routines take requests from
the queue and call the callback with the outcome; at most workers requests are in flight at once.
queue_length is only a warning threshold: a warning is logged when more requests are waiting.
*/
func NewAsyncClient(cl *Client, workers, queue_length uint) *AsyncClient {
	if workers == 0 {
		workers = 1
	}
	acl := &AsyncClient{
		request_queue: queue.New[*asyncRequest](),
		qlength:       queue_length,
		client:        cl,
		workers:       routines.NewGroup(context.Background(), cl.cfg.Scheduler),
	}
	for i := uint(0); i < workers; i++ {
		acl.workers.Spawn(acl.worker)
	}
	return acl
}

func (cl *AsyncClient) worker(ctx context.Context) error {
	for {
		rq, err := cl.request_queue.Pop(ctx)
		if err != nil {
			return nil
		}
		if cl.qlength > 0 && uint(cl.request_queue.Len()) > cl.qlength {
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "AsyncClient", cl.client.name, "Warning: more than", cl.qlength, "requests queued")
		}

		rsp, err := cl.client.SendRequest(ctx, rq.service, rq.data)
		rq.callback(rsp, err)
	}
}

// Request queues a call of service; cb is called from a worker routine with the outcome.
func (cl *AsyncClient) Request(service uint32, data []byte, cb Callback) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return ErrAsyncClientClosed
	}
	return cl.request_queue.Push(&asyncRequest{callback: cb, data: data, service: service})
}

/*
Close stops taking requests, waits until the queued ones were sent and answered and closes the
underlying client.
*/
func (cl *AsyncClient) Close(ctx context.Context) error {
	cl.mu.Lock()
	cl.closed = true
	cl.request_queue.Break(nil)
	cl.mu.Unlock()

	if err := cl.workers.Wait(ctx); err != nil {
		return err
	}
	return cl.client.Close()
}
