// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package datagram provides implementations of the natter.Conn interface.
//
// A UDP adapts a real socket. A Switch is an in-memory datagram network
// with UDP-like delivery semantics, intended for tests: sends to unknown
// addresses vanish, and a destination whose queue is full drops the
// datagram rather than blocking the sender.
package datagram

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// A UDP sends and receives datagrams on a single UDP socket.
// Its Recv method must not be called concurrently with itself.
type UDP struct {
	Conn         *net.UDPConn  // the underlying socket (required)
	WriteTimeout time.Duration // bound on each Send; 0 means no bound

	buf []byte // receive buffer, allocated on first use
}

// Listen opens a UDP socket on the given local port. If port is 0 an
// unused port is chosen; LocalPort reports the result.
func Listen(port int) (*UDP, error) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &UDP{Conn: pc}, nil
}

// LocalPort reports the port the socket is bound to.
func (u *UDP) LocalPort() int { return u.Conn.LocalAddr().(*net.UDPAddr).Port }

// Send implements the corresponding method of the natter.Conn interface.
// The datagram is addressed to the given host and port; the host may be a
// literal IP or a name to resolve.
func (u *UDP) Send(addr string, port int, payload []byte) error {
	dst, err := net.ResolveUDPAddr("udp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolve %q: %w", addr, err)
	}
	if u.WriteTimeout > 0 {
		if err := u.Conn.SetWriteDeadline(time.Now().Add(u.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err = u.Conn.WriteToUDP(payload, dst)
	return err
}

// Recv implements the corresponding method of the natter.Conn interface.
// It blocks until a datagram arrives or the socket is closed, and reports
// net.ErrClosed after close.
func (u *UDP) Recv() ([]byte, string, error) {
	if u.buf == nil {
		u.buf = make([]byte, 65536)
	}
	n, from, err := u.Conn.ReadFromUDP(u.buf)
	if err != nil {
		return nil, "", err
	}
	return bytes.Clone(u.buf[:n]), from.String(), nil
}

// Close implements the corresponding method of the natter.Conn interface.
func (u *UDP) Close() error { return u.Conn.Close() }

// queueLen is the per-port delivery queue length of a Switch.
const queueLen = 64

type packet struct {
	payload []byte
	from    string
}

// A Switch is an in-memory datagram network. Ports bound on the same
// switch can send datagrams to each other by address; the datagrams are
// delivered in sending order. Sends to addresses with no bound port
// succeed and deliver nothing.
type Switch struct {
	μ     sync.Mutex
	ports map[string]*Port
	next  int // next automatically assigned port number
}

// NewSwitch constructs an empty switch.
func NewSwitch() *Switch {
	return &Switch{ports: make(map[string]*Port), next: 40001}
}

// Bind creates a port on s addressed as host:port. If port is 0, an
// unused port number is assigned. Bind reports an error if the address is
// already bound.
func (s *Switch) Bind(host string, port int) (*Port, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if port == 0 {
		for {
			port = s.next
			s.next++
			if _, ok := s.ports[net.JoinHostPort(host, strconv.Itoa(port))]; !ok {
				break
			}
		}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if _, ok := s.ports[addr]; ok {
		return nil, fmt.Errorf("address %s already bound", addr)
	}
	p := &Port{
		sw:   s,
		addr: addr,
		port: port,
		in:   make(chan packet, queueLen),
		done: make(chan struct{}),
	}
	s.ports[addr] = p
	return p, nil
}

// lookup reports the port bound as addr, or nil.
func (s *Switch) lookup(addr string) *Port {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.ports[addr]
}

func (s *Switch) unbind(addr string) {
	s.μ.Lock()
	defer s.μ.Unlock()
	delete(s.ports, addr)
}

// A Port is one endpoint of a Switch.
type Port struct {
	sw     *Switch
	addr   string
	port   int
	in     chan packet
	done   chan struct{}
	closed atomic.Bool
}

// Addr reports the address the port is bound to, in host:port form.
func (p *Port) Addr() string { return p.addr }

// LocalPort reports the port number the port is bound to.
func (p *Port) LocalPort() int { return p.port }

// Send implements the corresponding method of the natter.Conn interface.
// The payload is copied, so the caller may reuse it after Send returns.
func (p *Port) Send(addr string, port int, payload []byte) error {
	if p.closed.Load() {
		return net.ErrClosed
	}
	dst := p.sw.lookup(net.JoinHostPort(addr, strconv.Itoa(port)))
	if dst == nil {
		return nil // unknown destination, the datagram vanishes
	}
	pk := packet{payload: bytes.Clone(payload), from: p.addr}
	select {
	case <-dst.done: // destination closed, the datagram vanishes
	case dst.in <- pk:
	default: // destination queue full, the datagram vanishes
	}
	return nil
}

// Recv implements the corresponding method of the natter.Conn interface.
// It blocks until a datagram arrives or the port is closed, and reports
// net.ErrClosed after close.
func (p *Port) Recv() ([]byte, string, error) {
	select {
	case <-p.done:
		return nil, "", net.ErrClosed
	default:
	}
	select {
	case <-p.done:
		return nil, "", net.ErrClosed
	case pk := <-p.in:
		return pk.payload, pk.from, nil
	}
}

// Close implements the corresponding method of the natter.Conn interface.
// Closing unbinds the port; datagrams still queued are discarded.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return net.ErrClosed
	}
	close(p.done)
	p.sw.unbind(p.addr)
	return nil
}
