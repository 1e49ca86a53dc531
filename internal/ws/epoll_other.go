//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the goroutine-per-connection fallback for platforms without
// epoll. Each connection gets a monitor goroutine that peeks for pending
// data, reports the connection as ready, and then waits for Resume before
// peeking again, so the monitor and the server never read at the same time.
type Epoll struct {
	mu        sync.Mutex
	watched   map[net.Conn]*watch
	readyCh   chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

type watch struct {
	resume chan struct{}
	stop   chan struct{}
}

// bufferedConn routes reads through the buffer the monitor peeks into.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// NewEpoll creates a fallback readiness monitor.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watched: make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn. The returned handle must be used for all
// subsequent reads and is the value yielded by Wait.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	bc := &bufferedConn{Conn: conn, r: bufio.NewReader(conn)}
	w := &watch{resume: make(chan struct{}, 1), stop: make(chan struct{})}

	e.mu.Lock()
	e.watched[bc] = w
	e.mu.Unlock()

	go e.monitor(bc, w)
	return bc, nil
}

func (e *Epoll) monitor(bc *bufferedConn, w *watch) {
	for {
		// Errors are reported as readiness too, so the server's read path
		// observes the closure.
		_, err := bc.r.Peek(1)

		select {
		case e.readyCh <- bc:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor look for the next frame once the server has
// finished reading from conn.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.watched[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.watched[conn]
	delete(e.watched, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading or the
// instance is closed, and returns every connection ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback monitor.
func (e *Epoll) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	e.mu.Lock()
	e.watched = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}

// socketFD is only meaningful on Linux.
func socketFD(net.Conn) int {
	return -1
}
