package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
// It satisfies room.Member.
type Connection struct {
	id           string
	conn         net.Conn // as returned by Epoll.Add; reads must go through it
	createdAt    time.Time
	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanos of the last frame read
	processing   atomic.Int32 // 0 = idle, 1 = being read by handleConn
	writeMu      sync.Mutex   // serializes writes to this connection
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		conn:         conn,
		createdAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// ID returns the connection ID (a UUID assigned on upgrade).
func (c *Connection) ID() string { return c.id }

// CreatedAt returns when the connection was established.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Connection) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// Send writes a WebSocket text frame to this connection. The write mutex
// ensures concurrent goroutines do not interleave frame bytes, and the write
// deadline keeps a stalled client from blocking its room indefinitely.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

// writePong answers a client ping, echoing its payload.
func (c *Connection) writePong(h ws.Header, r io.Reader) error {
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.conn, ws.NewPongFrame(payload))
}

// writeClose sends a close frame with the given status. Errors are ignored;
// the connection is torn down right after.
func (c *Connection) writeClose(code ws.StatusCode, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// ConnectionManager is a thread-safe registry mapping connection IDs and
// network connections to their Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection ID -> Connection
	byConn map[net.Conn]*Connection // readiness handle from Epoll.Wait -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.id] = c
	cm.byConn[c.conn] = c
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes it. It returns true if the
// connection was found, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.conn)
	}
	cm.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	c := cm.byID[id]
	cm.mu.RUnlock()
	return c
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(conn net.Conn) *Connection {
	cm.mu.RLock()
	c := cm.byConn[conn]
	cm.mu.RUnlock()
	return c
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
