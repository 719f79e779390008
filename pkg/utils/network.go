package utils

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// minThroughputBytesPerSecond is the slowest transfer rate a client may
// sustain before its deadline expires.
const minThroughputBytesPerSecond = 4000

// Listener wraps a net.Listener and hands out connections that enforce a
// read and write deadline on every operation.
type Listener struct {
	net.Listener
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{
		Conn:         c,
		ReadTimeout:  l.ReadTimeout,
		WriteTimeout: l.WriteTimeout,
	}, nil
}

// Conn sets a deadline before every read and write. The deadline grows with
// the bytes already transferred so that large batches from slow agents are
// not cut off while idle clients still are.
type Conn struct {
	net.Conn
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	bytesRead    int64
	bytesWritten int64
}

// scaledTimeout is base multiplied by one plus the number of whole
// minimum-throughput windows already transferred.
func scaledTimeout(base time.Duration, transferred int64) time.Duration {
	perWindow := int64(float64(minThroughputBytesPerSecond) * base.Seconds())
	if perWindow <= 0 {
		perWindow = 1
	}
	return base * time.Duration(transferred/perWindow+1)
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.ReadTimeout != 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(scaledTimeout(c.ReadTimeout, c.bytesRead))); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Read(b)
	c.bytesRead += int64(n)
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.WriteTimeout != 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(scaledTimeout(c.WriteTimeout, c.bytesWritten))); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Write(b)
	c.bytesWritten += int64(n)
	return n, err
}

// NewListener listens on addr with the same read and write timeout.
func NewListener(addr string, timeout time.Duration) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		Listener:     l,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}, nil
}

// JoinHostPort is net.JoinHostPort that tolerates an already bracketed
// IPv6 host.
func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}
