package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"encore.app/pkg/middleware"
	"encore.app/pkg/wire"
)

// maxPortProbes bounds how far above the base port the listener searches
// for a free port before giving up.
const maxPortProbes = 64

// Listener accepts persistent full-duplex TCP channels from clients. It
// never executes operations itself: each decoded request frame is handed to
// the engine (which enqueues it for the single worker) on its own goroutine
// so the connection's read loop stays free, and the reply is written back on
// the same connection the request arrived on.
type Listener struct {
	engine  *Engine
	ln      net.Listener
	port    int
	perPeer *middleware.TokenBucket

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	done  chan struct{}
}

// StartListener binds the first free port at or above cfg.TCPPortBase and
// begins accepting channels.
func StartListener(engine *Engine, cfg Config) (*Listener, error) {
	var ln net.Listener
	var port int
	var err error
	for probe := 0; probe < maxPortProbes; probe++ {
		port = cfg.TCPPortBase + probe
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			break
		}
	}
	if ln == nil {
		return nil, fmt.Errorf("no free port in [%d, %d): %w", cfg.TCPPortBase, cfg.TCPPortBase+maxPortProbes, err)
	}

	l := &Listener{
		engine: engine,
		ln:     ln,
		port:   port,
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
	if cfg.ListenerRPS > 0 {
		l.perPeer = middleware.NewTokenBucket(cfg.ListenerRPS, int64(cfg.ListenerBurst))
	}
	go l.acceptLoop()
	return l, nil
}

// Port returns the port the listener actually bound.
func (l *Listener) Port() int { return l.port }

// Close stops accepting and tears down every open channel, sending each peer
// a cancellation frame so their outstanding futures complete promptly
// instead of waiting out the attempt timeout.
func (l *Listener) Close() {
	close(l.done)
	_ = l.ln.Close()

	l.mu.Lock()
	conns := make([]net.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		writeFrame(c, &sync.Mutex{}, wire.TCPMessage{
			Cancelled:   true,
			Reason:      "server shutting down",
			ShouldRetry: true,
		})
		_ = c.Close()
	}
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			log.Printf("executor listener accept error: %v", err)
			return
		}
		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		go l.serveConn(conn)
	}
}

// serveConn runs one channel's read loop. Frames are newline-delimited JSON,
// matching the client side's encoder.
func (l *Listener) serveConn(conn net.Conn) {
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		_ = conn.Close()
	}()

	peer := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		if host, _, err := net.SplitHostPort(addr.String()); err == nil {
			peer = host
		}
	}

	writeMu := &sync.Mutex{}
	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var msg wire.TCPMessage
		if err := dec.Decode(&msg); err != nil {
			return
		}
		if msg.Request == nil {
			continue
		}
		req := msg.Request

		// A per-peer admission failure is a normal reply, not a channel
		// cancellation; tearing the channel down would punish every other
		// in-flight request from this client.
		if l.perPeer != nil && !l.perPeer.Allow(peer) {
			writeFrame(conn, writeMu, wire.TCPMessage{
				Response: &wire.ResponseBody{
					RequestID:  req.RequestID,
					Operation:  req.Op,
					Cancelled:  true,
					Exceptions: []string{KindOperationFailed.String() + ": rate limited"},
				},
			})
			continue
		}

		go func() {
			resp := l.engine.Execute(context.Background(), req)
			writeFrame(conn, writeMu, wire.TCPMessage{Response: resp})
		}()
	}
}

func writeFrame(conn net.Conn, mu *sync.Mutex, msg wire.TCPMessage) {
	mu.Lock()
	defer mu.Unlock()
	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		log.Printf("executor listener write error: %v", err)
	}
}
