package fakes

import (
	"net"
	"sync"
)

// TCPConn wraps an inner connection and overrides its endpoint addresses.
// In memory pipes report the same address on both ends, which breaks any
// code keyed by remote address; this fake gives every peer its own.
type TCPConn struct {
	net.Conn
	LAddr net.TCPAddr
	RAddr net.TCPAddr
}

func (c *TCPConn) LocalAddr() net.Addr {
	return &c.LAddr
}

func (c *TCPConn) RemoteAddr() net.Addr {
	return &c.RAddr
}

// Pipe returns both ends of an in memory connection. The server end reports
// 127.0.0.1:port as its peer, so two pipes with different ports look like
// two distinct clients.
func Pipe(port int) (server net.Conn, client net.Conn) {
	s, c := net.Pipe()
	server = &TCPConn{
		Conn:  s,
		LAddr: net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11111},
		RAddr: net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
	}
	client = &TCPConn{
		Conn:  c,
		LAddr: net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		RAddr: net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11111},
	}
	return server, client
}

// TCPListener hands out prearranged connections. Close unblocks Accept.
type TCPListener struct {
	LAddr net.TCPAddr
	Conns chan net.Conn

	closeOnce sync.Once
}

func NewTCPListener() *TCPListener {
	return &TCPListener{
		LAddr: net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11111},
		Conns: make(chan net.Conn),
	}
}

// Accept waits for and returns the next connection to the listener.
func (l *TCPListener) Accept() (net.Conn, error) {
	conn, ok := <-l.Conns
	if !ok {
		return nil, net.ErrClosed
	}
	return conn, nil
}

// Close closes the listener.
// Any blocked Accept operations will be unblocked and return errors.
func (l *TCPListener) Close() error {
	l.closeOnce.Do(func() { close(l.Conns) })
	return nil
}

// Addr returns the listener's network address.
func (l *TCPListener) Addr() net.Addr {
	return &l.LAddr
}
