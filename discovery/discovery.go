// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package discovery announces the local peer to the LAN and collects
// announcements from others, using a UDP multicast group.
//
// A Service periodically multicasts an announcement payload and delivers
// every payload it hears to a callback. It does not interpret payloads:
// typically the announcement is an encoded keepalive line, and the
// callback feeds received lines to a peer engine, whose dispatcher
// already drops echoes of the local identity.
package discovery

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"golang.org/x/net/ipv4"
)

// Defaults applied where Options leave the corresponding values zero.
const (
	DefaultGroup    = "239.255.78.78:40404" // multicast group, host:port
	DefaultInterval = 30 * time.Second      // announcement period
)

// Options are optional settings for a Service. A nil *Options is ready
// for use and provides the default values described.
type Options struct {
	// Group is the multicast group the service joins, in host:port form.
	// If empty, DefaultGroup is used.
	Group string

	// Interval is the announcement period. If zero, DefaultInterval is
	// used.
	Interval time.Duration

	// Logf, if set, receives debug logs. Nothing is logged when nil.
	Logf func(string, ...any)
}

func (o *Options) group() string {
	if o == nil || o.Group == "" {
		return DefaultGroup
	}
	return o.Group
}

func (o *Options) interval() time.Duration {
	if o == nil || o.Interval <= 0 {
		return DefaultInterval
	}
	return o.Interval
}

func (o *Options) logf() func(string, ...any) {
	if o == nil {
		return nil
	}
	return o.Logf
}

// A Service announces one peer on a multicast group and listens for the
// announcements of others.
type Service struct {
	announce func() []byte             // renders the current announcement
	deliver  func(raw []byte, from string) // receives heard payloads
	group    string
	interval time.Duration
	log      func(string, ...any)

	μ     sync.Mutex
	recv  *net.UDPConn // joined to the group
	send  *net.UDPConn // dialed to the group
	tasks *taskgroup.Group
	stopc chan struct{}
}

// New constructs an unstarted discovery service. The announce callback is
// invoked for each announcement to render the current payload, so payloads
// may change over time, for example after a display name change. The
// deliver callback receives each payload heard on the group along with its
// source address; it is invoked serially from the listening routine.
func New(announce func() []byte, deliver func(raw []byte, from string), opts *Options) *Service {
	if announce == nil || deliver == nil {
		panic("discovery: nil callback")
	}
	return &Service{
		announce: announce,
		deliver:  deliver,
		group:    opts.group(),
		interval: opts.interval(),
		log:      opts.logf(),
	}
}

// Start joins the multicast group and spawns the announcement and
// listening routines. An announcement is sent immediately, then repeated
// on the configured interval until Stop is called.
func (s *Service) Start() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.tasks != nil {
		panic("service is already started")
	}

	group, err := net.ResolveUDPAddr("udp4", s.group)
	if err != nil {
		return fmt.Errorf("resolve group: %w", err)
	}
	if !group.IP.IsMulticast() {
		return fmt.Errorf("address %s is not a multicast group", group)
	}
	recv, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	send, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		recv.Close()
		return fmt.Errorf("dial group: %w", err)
	}
	// Loopback suppression is best effort; the local announcement also
	// carries the local identity, which receivers already discard.
	if err := ipv4.NewPacketConn(send).SetMulticastLoopback(false); err != nil {
		s.logf("discovery: disable loopback: %v", err)
	}

	g := taskgroup.New(nil)
	s.recv = recv
	s.send = send
	s.tasks = g
	s.stopc = make(chan struct{})
	stop := s.stopc

	g.Go(func() error {
		buf := make([]byte, 65536)
		for {
			n, src, err := recv.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			s.deliver(bytes.Clone(buf[:n]), src.String())
		}
	})
	g.Go(func() error {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			s.post(send)
			select {
			case <-stop:
				return nil
			case <-t.C:
			}
		}
	})
	return nil
}

// post sends one announcement to the group.
func (s *Service) post(conn *net.UDPConn) {
	if _, err := conn.Write(s.announce()); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logf("discovery: announce: %v", err)
	}
}

// Stop terminates the service routines and leaves the group. It blocks
// until the routines have exited and reports the listener's status. A
// stopped service cannot be restarted.
func (s *Service) Stop() error {
	s.μ.Lock()
	t := s.tasks
	if s.stopc != nil {
		close(s.stopc)
		s.stopc = nil
	}
	if s.recv != nil {
		s.recv.Close()
	}
	if s.send != nil {
		s.send.Close()
	}
	s.μ.Unlock()

	if t == nil {
		return nil // the service is not running
	}
	return t.Wait()
}

func (s *Service) logf(msg string, args ...any) {
	if s.log != nil {
		s.log(msg, args...)
	}
}
