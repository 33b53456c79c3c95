package client

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"encore.app/pkg/wire"
)

// Conn is the minimal transport a Channel needs: a newline-delimited JSON
// duplex stream. A net.Conn satisfies this directly.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Channel wraps one open TCP connection to a single server instance. It owns
// the futures table for requests in flight on this connection and a receive
// loop that routes inbound wire.TCPMessage frames to the right future.
type Channel struct {
	conn    Conn
	enc     *json.Encoder
	futures *futureTable

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

// NewChannel wraps conn and starts its receive loop in the background.
func NewChannel(conn Conn) *Channel {
	ch := &Channel{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		futures: newFutureTable(),
		done:    make(chan struct{}),
	}
	go ch.receiveLoop()
	return ch
}

// Closed reports whether the channel's receive loop has exited.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// Send writes req as a TCP message and registers a Future for its response,
// keyed by req.RequestID.
func (c *Channel) Send(req *wire.Request) (*Future, error) {
	if c.Closed() {
		return nil, newDispatchError(KindChannelClosed, "channel already closed")
	}

	future := c.futures.register(req.RequestID)

	c.writeMu.Lock()
	err := c.enc.Encode(wire.TCPMessage{Request: req})
	c.writeMu.Unlock()
	if err != nil {
		c.futures.forget(req.RequestID)
		return nil, newDispatchError(KindTransientNetwork, "write: %v", err)
	}
	return future, nil
}

// Forget drops a pending future without completing it, used when the
// dispatcher gives up waiting (attempt timeout) so a late reply for an
// abandoned request doesn't leak the future forever.
func (c *Channel) Forget(requestID string) {
	c.futures.forget(requestID)
}

// Close tears the channel down, completing every outstanding future with a
// cancellation marker so waiters fall back to retry/HTTP instead of hanging.
func (c *Channel) Close(reason string, shouldRetry bool) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	_ = c.conn.Close()
	c.futures.cancelAll(reason, shouldRetry)
	close(c.done)
}

// Done is closed once the channel has fully shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) receiveLoop() {
	reader := bufio.NewReader(c.conn)
	dec := json.NewDecoder(reader)

	for {
		var msg wire.TCPMessage
		if err := dec.Decode(&msg); err != nil {
			c.Close("read error: "+err.Error(), true)
			return
		}

		if msg.Cancelled {
			c.Close(msg.Reason, msg.ShouldRetry)
			return
		}
		if msg.Response != nil {
			c.futures.complete(msg.Response.RequestID, msg.Response)
		}
	}
}
