package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	// ErrConnNotFound is returned when sending to an unknown connection id.
	ErrConnNotFound = errors.New("ws: connection not found")

	// ErrSlowConsumer is returned when a connection's send buffer is full.
	// The connection is closed.
	ErrSlowConsumer = errors.New("ws: send buffer full")

	// ErrConnClosed is returned when sending to a connection being torn down.
	ErrConnClosed = errors.New("ws: connection closed")
)

// Connection is one upgraded WebSocket client. Outbound frames go through a
// bounded buffer drained by a dedicated write goroutine, so producers never
// block on a slow socket.
type Connection struct {
	ID        string    // connection id (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	RemoteIP  string    // client address used for per-IP limits
	CreatedAt time.Time // when the connection was established

	rd         io.Reader // frame source; buffered on platforms without epoll
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	resume     chan struct{} // signalled when a read finishes (fallback poller)
	writeMu    sync.Mutex    // serializes writes to Conn
	lastActive atomic.Int64  // unix nanos of the last frame read
	processing int32         // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(id string, conn net.Conn, remoteIP string, sendBuffer int) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		RemoteIP:  remoteIP,
		CreatedAt: now,
		rd:        frameReader(conn),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		resume:    make(chan struct{}, 1),
	}
	c.touch(now)
	return c
}

// Enqueue hands data to the write goroutine without blocking.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

// writeLoop drains the send buffer until the connection is closed or a write
// fails. onError is called once on a failed write.
func (c *Connection) writeLoop(timeout time.Duration, onError func(error)) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data, timeout); err != nil {
				onError(err)
				return
			}
		}
	}
}

// WriteMessage writes one text frame directly, bypassing the send buffer.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing(timeout time.Duration) error {
	return c.writeFrame(ws.NewPingFrame(nil), timeout)
}

func (c *Connection) writeFrame(f ws.Frame, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}

// Close stops the write goroutine and closes the socket. It is idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// LastActive reports when the last frame was read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch(t time.Time) {
	c.lastActive.Store(t.UnixNano())
}

// ConnectionManager maps connection ids and file descriptors to connections.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection under its id and fd.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.ID] = c
	if c.Fd >= 0 {
		cm.byFd[c.Fd] = c
	}
	cm.mu.Unlock()
}

// Remove unregisters and closes the connection with id. It reports whether
// the connection was still registered, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[c.Fd] == c {
			delete(cm.byFd, c.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection with id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByFd returns the connection registered for fd, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byFd[fd]
}

// Count returns the number of registered connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of every registered connection.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
