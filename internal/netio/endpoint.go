// Package netio is the UDP endpoint collaborator: opening a listening or
// ephemeral UDP socket and moving datagrams between it and the event
// loop.
//
// A select()-style readiness set over many file descriptors has no
// direct Go analogue without syscall-level polling, so this package
// takes the idiomatic Go shape instead: each Endpoint runs its own
// blocking-read goroutine that does nothing but copy bytes and forward
// them on a shared channel. The event loop (internal/server) is the
// single consumer of that channel and is therefore still the only
// goroutine that ever touches session state or the file registry —
// serialized dispatch with no locks beyond the registry, fitting Go's
// fan-in idiom instead of reimplementing select().
package netio

import (
	"net"
)

// Endpoint owns one UDP socket: the listening endpoint or one session's
// ephemeral endpoint.
type Endpoint struct {
	conn *net.UDPConn
	id   uint64
}

var nextID uint64

// Listen opens the well-known listening endpoint on (localIP, port).
// localIP may be empty to bind to all addresses.
func Listen(localIP string, port int) (*Endpoint, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(localIP), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return newEndpoint(conn), nil
}

// Open allocates a fresh ephemeral-port endpoint bound to localIP (the
// address family that received the originating request).
func Open(localIP string) (*Endpoint, error) {
	ip := net.ParseIP(localIP)
	addr := &net.UDPAddr{IP: ip, Port: 0}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return newEndpoint(conn), nil
}

func newEndpoint(conn *net.UDPConn) *Endpoint {
	nextID++
	return &Endpoint{conn: conn, id: nextID}
}

// ID uniquely identifies this endpoint for the lifetime of the process;
// it is the map key the event loop uses in place of a raw file
// descriptor.
func (e *Endpoint) ID() uint64 { return e.id }

// LocalAddr returns the endpoint's bound local address.
func (e *Endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Send writes data to peer.
func (e *Endpoint) Send(peer net.Addr, data []byte) error {
	udpPeer, ok := peer.(*net.UDPAddr)
	if !ok {
		return &net.AddrError{Err: "netio: peer is not a UDP address", Addr: peer.String()}
	}
	_, err := e.conn.WriteToUDP(data, udpPeer)
	return err
}

// Close releases the underlying socket. Safe to call once; ReadLoop
// observes the resulting error and returns.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// Datagram is one inbound packet, tagged with the endpoint it arrived
// on so the event loop can demux by endpoint identity.
type Datagram struct {
	Endpoint *Endpoint
	Data     []byte
	From     net.Addr
	Err      error
}

// maxDatagramSize covers the largest legal TFTP packet (4-byte header +
// 512-byte payload) with headroom for malformed oversized input, which
// the wire codec rejects rather than this layer.
const maxDatagramSize = 576

// ReadLoop blocks reading datagrams from e and forwards each as a
// Datagram on out, until Close is called on e (at which point it sends
// one final Datagram carrying the read error and returns). This is the
// only goroutine that touches e.conn.Read; all protocol logic runs in
// the event loop goroutine that consumes out.
func (e *Endpoint) ReadLoop(out chan<- Datagram) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			out <- Datagram{Endpoint: e, Err: err}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		out <- Datagram{Endpoint: e, Data: data, From: from}
	}
}
