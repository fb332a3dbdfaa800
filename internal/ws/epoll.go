//go:build linux

package ws

import (
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller wraps Linux epoll. Connections are registered by file descriptor and
// Wait hands back the ones with pending input, so no goroutine sits in a
// blocking read per client.
type poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (p *poller) Add(c *Connection) error {
	if c.Fd < 0 {
		return fmt.Errorf("ws: epoll add %s: no file descriptor", c.ID)
	}
	err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(c.Fd),
	})
	if err != nil {
		return fmt.Errorf("ws: epoll add %s: %w", c.ID, err)
	}
	p.mu.Lock()
	p.conns[c.Fd] = c
	p.mu.Unlock()
	return nil
}

func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	if p.conns[c.Fd] == c {
		delete(p.conns, c.Fd)
	}
	p.mu.Unlock()
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil); err != nil {
		return fmt.Errorf("ws: epoll del %s: %w", c.ID, err)
	}
	return nil
}

// Wait blocks until registered connections are readable. Descriptors removed
// while epoll_wait was returning are skipped.
func (p *poller) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

func (p *poller) Close() error {
	p.mu.Lock()
	p.conns = make(map[int]*Connection)
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// frameReader reads straight from the socket; a userspace buffer would hide
// pending bytes from level-triggered epoll.
func frameReader(conn net.Conn) io.Reader {
	return conn
}

// isEINTR reports an epoll_wait interrupted by a signal.
func isEINTR(err error) bool {
	return err == unix.EINTR
}

// socketFD extracts the descriptor through SyscallConn, which unlike File()
// does not duplicate it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
