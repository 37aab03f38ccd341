package client

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/dermesser/sessionrpc/services"
	"github.com/dermesser/sessionrpc/transport"
)

/*
ConnectionCache is a pool of RPC connections. Applications call Connect() and get, transparently,
either a cached connection or a newly created one. After being finished with using the connection,
the application should call Return() with the connection if it wants to use it later again.
*/
type ConnectionCache struct {
	// Map address -> connections
	cache       map[string]*list.List
	client_name string
	dialer      transport.Dialer
	opts        []Option

	mx sync.Mutex
}

// opts are applied to every client the cache creates.
func NewConnCache(client_name string, dialer transport.Dialer, opts ...Option) *ConnectionCache {
	return &ConnectionCache{cache: make(map[string]*list.List),
		client_name: client_name, dialer: dialer, opts: opts}
}

/*
Get a connection, either from the pool or a new one, depending on if there are connections
available. Cached connections that were closed meanwhile are dropped.
*/
func (cc *ConnectionCache) Connect(ctx context.Context, addr string) (*Client, error) {
	cc.mx.Lock()
	if cls, ok := cc.cache[addr]; ok {
		for cls.Len() > 0 {
			cl := cls.Remove(cls.Front()).(*Client)
			if cl.State() == services.StateOpen {
				cc.mx.Unlock()
				return cl, nil
			}
			cl.Close()
		}
	}
	cc.mx.Unlock()

	return Dial(ctx, cc.client_name, addr, cc.dialer, cc.opts...)
}

/*
Return a connection into the pool. Argument is a pointer to a pointer to make sure that the client
is not used by the calling function after this call.
*/
func (cc *ConnectionCache) Return(clp **Client) {
	cl := *clp
	*clp = nil
	if cl == nil {
		return
	}
	if cl.State() != services.StateOpen {
		cl.Close()
		return
	}

	cc.mx.Lock()
	defer cc.mx.Unlock()

	cls, ok := cc.cache[cl.addr]
	if !ok {
		// Happens when there was a garbage collection (CleanOld()) in between
		cls = list.New()
		cc.cache[cl.addr] = cls
	}
	cls.PushBack(cl)
}

/*
Remove and close all connections from the pool that were not used for older_than. Also
cleans up empty cache entries.
*/
func (cc *ConnectionCache) CleanOld(older_than time.Duration) {
	cc.mx.Lock()
	defer cc.mx.Unlock()

	for h, cls := range cc.cache {
		for e := cls.Front(); e != nil; {
			next := e.Next()
			cl := e.Value.(*Client)
			if cl.idle() >= older_than || cl.State() != services.StateOpen {
				cl.Close()
				cls.Remove(e)
			}
			e = next
		}
		if cls.Len() == 0 {
			delete(cc.cache, h)
		}
	}
}

// Len returns the number of idle connections in the pool.
func (cc *ConnectionCache) Len() int {
	cc.mx.Lock()
	defer cc.mx.Unlock()

	n := 0
	for _, cls := range cc.cache {
		n += cls.Len()
	}
	return n
}

// Closes all connections
func (cc *ConnectionCache) CloseAll() {
	cc.CleanOld(0 * time.Second)
}
