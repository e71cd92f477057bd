package resolver

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/proxy"
)

// ReceiveFunc is invoked with each datagram read off a DatagramSocket. It
// runs on the socket's private read-pump goroutine, so implementations must
// not block; the dispatcher only does a map lookup and a non-blocking
// handoff to the worker pool before returning.
type ReceiveFunc func(s DatagramSocket, data []byte)

// DatagramSocket is the external transport boundary named in §1 ("A
// DatagramSocket abstraction is assumed: bind, send, recv; non-blocking with
// readiness notifications"). The concrete udpSocket below realizes it over
// net.Conn; tests substitute a fake that needs no real network.
type DatagramSocket interface {
	// Send writes one encoded query datagram.
	Send(ctx context.Context, data []byte) error
	// Close releases the underlying transport. Close is idempotent.
	Close() error
	// LocalAddr reports the ephemeral local address bound for this socket.
	LocalAddr() net.Addr
}

// udpSocket is the concrete DatagramSocket, "connected" to one upstream
// server address. It dials through a proxy.ContextDialer rather than calling
// net.Dial directly (grounded on golang.org/x/net/proxy's ContextDialer
// abstraction), which lets callers route resolver traffic through a SOCKS
// proxy or other x/net/proxy-compatible dialer in deployments that need it,
// while defaulting to directContextDialer (a plain net.Dialer) for the
// common case.
type udpSocket struct {
	conn    net.Conn
	onRecv  ReceiveFunc
	closeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

// socketBufferBytes is the minimum send/receive buffer size §6 requires
// ("large send and receive buffer, >= 1 MiB") so a burst of concurrent
// queries doesn't drop datagrams under kernel socket-buffer pressure.
const socketBufferBytes = 1 << 20

// bufferSizer is implemented by *net.UDPConn but not guaranteed by arbitrary
// proxy.ContextDialer results (e.g. a SOCKS-proxied conn), so it is applied
// via a best-effort type assertion rather than assumed.
type bufferSizer interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

// dialUDPSocket opens a new UDP socket bound to an ephemeral local port and
// connected to address, then starts its read pump. onRecv is called for
// every datagram received until the socket is closed.
func dialUDPSocket(ctx context.Context, dialer proxy.ContextDialer, address string, onRecv ReceiveFunc) (*udpSocket, error) {
	conn, err := dialer.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrTransport, address, err)
	}
	if bs, ok := conn.(bufferSizer); ok {
		_ = bs.SetReadBuffer(socketBufferBytes)
		_ = bs.SetWriteBuffer(socketBufferBytes)
	}
	s := &udpSocket{conn: conn, onRecv: onRecv, done: make(chan struct{})}
	go s.readPump()
	return s, nil
}

func (s *udpSocket) readPump() {
	defer close(s.done)
	buf := make([]byte, 65535)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		if s.onRecv != nil && n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			s.onRecv(s, cp)
		}
	}
}

func (s *udpSocket) Send(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (s *udpSocket) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *udpSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// directContextDialer adapts net.Dialer to proxy.ContextDialer so it can
// stand in as the default when no proxy is configured.
type directContextDialer struct {
	net.Dialer
}

func (d *directContextDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, network, address)
}
