//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// poller is the portable fallback for platforms without epoll. One goroutine
// per connection peeks for input and reports readiness; it waits for the
// read worker to finish before peeking again.
type poller struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
	ready chan *Connection
	done  chan struct{}
	once  sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		conns: make(map[*Connection]struct{}),
		ready: make(chan *Connection, 128),
		done:  make(chan struct{}),
	}, nil
}

func (p *poller) Add(c *Connection) error {
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()
	go p.watch(c)
	return nil
}

func (p *poller) watch(c *Connection) {
	br, _ := c.rd.(*bufio.Reader)
	for {
		if br != nil {
			// Errors surface to the read worker, which removes the connection.
			_, _ = br.Peek(1)
		}
		select {
		case p.ready <- c:
		case <-c.done:
			return
		case <-p.done:
			return
		}
		select {
		case <-c.resume:
		case <-c.done:
			return
		case <-p.done:
			return
		}
	}
}

func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	return nil
}

// Wait blocks for one ready connection and drains any others already queued.
func (p *poller) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}
	ready := []*Connection{first}
	for {
		select {
		case c := <-p.ready:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

func (p *poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// frameReader buffers the socket so the watcher can peek without consuming
// frame bytes.
func frameReader(conn net.Conn) io.Reader {
	return bufio.NewReader(conn)
}

func isEINTR(error) bool {
	return false
}

func socketFD(net.Conn) int {
	return -1
}
