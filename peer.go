// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package natter

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/natter/presence"
	"github.com/creachadair/natter/roster"
	"github.com/creachadair/taskgroup"
)

// A Conn is a datagram transport connecting the local peer to the network.
//
// Send must be safe for concurrent use by multiple goroutines. Recv is
// called by a single receiver and may assume no concurrency with itself.
type Conn interface {
	// Send transmits payload as one datagram to the given host and port.
	Send(addr string, port int, payload []byte) error

	// Recv blocks until the next datagram arrives and returns its payload
	// and source address. After Close, Recv must report an error.
	Recv() (payload []byte, from string, err error)

	// Close the transport, causing pending receives to terminate with an
	// error. After close, all operations must report an error.
	Close() error
}

// An Identity names the local peer: the display name it chats under, the
// address it advertises in outbound messages, and the UDP port it reads
// datagrams from.
type Identity struct {
	Name string // display name, may change at runtime via SetName
	Addr string // advertised host address
	Port int    // local listening port
}

func (id Identity) String() string { return fmt.Sprintf("%s@%s:%d", id.Name, id.Addr, id.Port) }

// check reports an error if id cannot be used on the wire.
func (id Identity) check() error {
	if id.Name == "" || strings.ContainsAny(id.Name, Delim+"\n") {
		return fmt.Errorf("invalid display name %q", id.Name)
	} else if id.Addr == "" || strings.ContainsAny(id.Addr, Delim+" \n") {
		return fmt.Errorf("invalid address %q", id.Addr)
	} else if id.Port < 1 || id.Port > 65535 {
		return fmt.Errorf("invalid port %d", id.Port)
	}
	return nil
}

// Default timing parameters, applied where Options leave them zero.
const (
	DefaultPingInterval = time.Minute     // keepalive broadcast period
	DefaultProbeTimeout = 3 * time.Second // connect handshake wait
)

// ErrNoReply is reported by Connect when the probed peer does not answer
// within the probe timeout.
var ErrNoReply = errors.New("no reply from peer")

// Options are optional settings for a Peer. A nil *Options is ready for
// use and provides default values as described.
type Options struct {
	// TTL is the liveness window of the presence registry. If zero, the
	// registry default (presence.DefaultTTL) applies.
	TTL time.Duration

	// PingInterval is the period of the keepalive scheduler. If zero,
	// DefaultPingInterval applies.
	PingInterval time.Duration

	// ProbeTimeout bounds how long Connect waits for a probe reply. If
	// zero, DefaultProbeTimeout applies.
	ProbeTimeout time.Duration

	// History receives sent and received chat traffic. If nil, an
	// in-memory history retaining the most recent 500 events is used.
	History History

	// OnEvent, if set, is called for each event the engine observes. It is
	// invoked synchronously with dispatch and must not block.
	OnEvent func(Event)

	// Logf, if set, receives debug logs. Nothing is logged when nil.
	Logf func(string, ...any)
}

func (o *Options) ttl() time.Duration {
	if o == nil {
		return 0
	}
	return o.TTL
}

func (o *Options) pingInterval() time.Duration {
	if o == nil || o.PingInterval <= 0 {
		return DefaultPingInterval
	}
	return o.PingInterval
}

func (o *Options) probeTimeout() time.Duration {
	if o == nil || o.ProbeTimeout <= 0 {
		return DefaultProbeTimeout
	}
	return o.ProbeTimeout
}

func (o *Options) history() History {
	if o == nil || o.History == nil {
		return NewHistory(0)
	}
	return o.History
}

func (o *Options) onEvent() func(Event) {
	if o == nil {
		return nil
	}
	return o.OnEvent
}

func (o *Options) logf() func(string, ...any) {
	if o == nil {
		return nil
	}
	return o.Logf
}

// A Peer is a natter protocol engine. It dispatches inbound datagrams into
// the peer directory and presence registry, fans outbound messages out to
// the directory, and schedules keepalive pings.
//
// Call Start with a transport to start the service routines. Once started,
// a peer runs until Stop is called or the transport closes. Use Wait to
// wait for the peer to exit and report its status.
//
// Three contexts touch the shared directory and registry: the receiver
// loop, the keepalive scheduler, and callers of the command methods. All
// exported methods are safe for concurrent use by multiple goroutines.
type Peer struct {
	dir  *roster.Roster
	reg  *presence.Registry
	hist History

	ping    time.Duration
	probeTO time.Duration
	onEvent func(Event)
	log     func(string, ...any)

	in  interface{ Recv() ([]byte, string, error) }
	out struct {
		// Must hold the lock to read or replace conn.
		sync.Mutex
		conn Conn
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	self   Identity          // current local identity; Name may change
	err    error             // terminal error from the receiver loop
	probes map[string]*probe // address → pending connect probe
	stopc  chan struct{}     // closed to stop the keepalive scheduler
}

// New constructs an unstarted peer engine with the given local identity
// and peer directory. If dir == nil an unbacked in-memory directory is
// used, so nothing learned survives a restart. New panics if the identity
// is not usable on the wire (see Identity).
func New(id Identity, dir *roster.Roster, opts *Options) *Peer {
	if err := id.check(); err != nil {
		panic("natter: " + err.Error())
	}
	if dir == nil {
		dir, _ = roster.Open("") // an unbacked roster cannot fail
	}
	return &Peer{
		dir:     dir,
		reg:     presence.New(opts.ttl()),
		hist:    opts.history(),
		ping:    opts.pingInterval(),
		probeTO: opts.probeTimeout(),
		onEvent: opts.onEvent(),
		log:     opts.logf(),
		self:    id,
	}
}

// Start starts the peer running on the given transport: it registers the
// local identity in the presence registry, spawns the receiver loop and
// the keepalive scheduler, and announces the local peer to the directory
// with a Join broadcast. The peer runs until Stop is called or the
// transport closes. Start does not block; call Wait to wait for the peer
// to exit and report its status.
func (p *Peer) Start(conn Conn) *Peer {
	if p.in != nil {
		panic("peer is already started")
	}

	g := taskgroup.New(nil)
	p.in = conn
	p.tasks = g
	p.out.conn = conn
	p.err = nil
	p.probes = make(map[string]*probe)
	p.stopc = make(chan struct{})
	stop := p.stopc

	self := p.Identity()
	p.reg.Touch(self.Name, self.Addr)

	g.Go(func() error {
		for {
			raw, from, err := p.in.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			p.HandleInbound(raw, from)
		}
	})
	g.Go(func() error {
		t := time.NewTicker(p.ping)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-t.C:
				p.Tick()
			}
		}
	})
	g.Go(func() error {
		p.broadcast(Join{Name: self.Name, Addr: self.Addr})
		return nil
	})

	return p
}

// Metrics returns a metrics map for the engine. It is safe for the caller
// to add additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map { return rootMetrics.emap }

// Stop broadcasts a best-effort Leave for the local identity, closes the
// transport, and terminates the peer. It blocks until the service routines
// have exited and returns the peer's status. After Stop completes it is
// safe to restart the peer with a new transport.
func (p *Peer) Stop() error {
	if p.conn() != nil {
		self := p.Identity()
		p.broadcast(Leave{Name: self.Name, Addr: self.Addr})
	}
	p.closeOut()
	return p.Wait()
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the peer was running.
func (p *Peer) waitTasks() bool {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until p terminates and reports the error that caused it to
// stop. If p is not running, or stopped because its transport closed, Wait
// returns nil.
func (p *Peer) Wait() error {
	if !p.waitTasks() {
		return nil // the peer is not running
	}

	// Clean up peer state so it can be garbage collected.
	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.conn = nil
	p.out.Unlock()

	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// HandleInbound decodes and dispatches one inbound datagram. It is called
// by the receiver loop for each datagram read from the transport, and may
// also be fed by auxiliary receivers such as a discovery listener.
// Datagrams are processed one at a time; malformed ones are counted,
// logged, and discarded without effect.
func (p *Peer) HandleInbound(raw []byte, from string) {
	rootMetrics.datagramRecv.Add(1)
	m, err := ParseMessage(string(raw))
	if err != nil {
		rootMetrics.dropMalformed.Add(1)
		p.logf("natter: drop malformed datagram from %s: %v", from, err)
		return
	}
	p.dispatch(m, from)
}

// dispatch applies one decoded message to the shared state.
func (p *Peer) dispatch(m Message, from string) {
	name, addr := m.From()
	if self := p.Identity(); name == self.Name && addr == self.Addr {
		rootMetrics.dropSelfEcho.Add(1)
		return
	}

	// Any message proves its sender alive, whatever else it carries.
	p.reg.Touch(name, addr)

	// Any message from a probed address answers the probe.
	p.signalProbe(addr)
	if host, _, err := net.SplitHostPort(from); err == nil {
		p.signalProbe(host)
	} else if from != "" {
		p.signalProbe(from)
	}

	switch m := m.(type) {
	case Chat:
		p.emit(true, Event{Kind: EventChat, Name: name, Addr: addr, Text: m.Text})

	case Join:
		p.learn(addr)
		p.emit(false, Event{Kind: EventJoin, Name: name, Addr: addr})
		p.sendActive(addr)

	case Leave:
		p.reg.Remove(name, addr)
		p.emit(false, Event{Kind: EventLeave, Name: name, Addr: addr})

	case Ping:
		if m.ReplyPort > 0 {
			if err := p.dir.Upsert(roster.Peer{Addr: addr, Port: m.ReplyPort}); err != nil {
				rootMetrics.storeFailed.Add(1)
				p.logf("natter: peer store: %v", err)
			}
			p.sendActive(addr)
		}

	case Active:
		p.learn(addr) // silent reachability confirmation

	case Rename:
		p.reg.Rename(m.OldName, m.NewName, addr)
		p.emit(false, Event{Kind: EventRename, Name: m.OldName, Addr: addr, To: m.NewName})

	case Private:
		if m.Target != p.Identity().Name {
			rootMetrics.dropMisdirected.Add(1)
			return // not for us, and never forwarded
		}
		p.learn(addr)
		p.emit(true, Event{Kind: EventPrivate, Name: name, Addr: addr, To: m.Target, Text: m.Text})
	}
}

// learn adds addr to the peer directory if it is not already present,
// assuming it listens on the default port. Store failures are logged and
// counted; auto-discovery has no caller to report them to.
func (p *Peer) learn(addr string) {
	if _, err := p.dir.Add(roster.Peer{Addr: addr, Port: p.assumedPort()}); err != nil {
		rootMetrics.storeFailed.Add(1)
		p.logf("natter: peer store: %v", err)
	}
}

// sendActive unicasts an Active for the local identity to addr, using the
// directory port for addr if one is recorded.
func (p *Peer) sendActive(addr string) {
	port, ok := p.dir.Lookup(addr)
	if !ok {
		port = p.assumedPort()
	}
	self := p.Identity()
	p.sendMessage(addr, port, Active{Name: self.Name, Addr: self.Addr})
}

// Say broadcasts text as a public chat line from the local identity, and
// records it locally as if it had been received.
func (p *Peer) Say(text string) error {
	if p.conn() == nil {
		return net.ErrClosed
	}
	self := p.Identity()
	text = truncate(text, MaxTextLen)
	p.emit(true, Event{Kind: EventChat, Name: self.Name, Addr: self.Addr, Text: text})
	p.broadcast(Chat{Sender: self.Name, Addr: self.Addr, Text: text})
	return nil
}

// Whisper sends text as a private message to the named peer. The target
// must have a live presence entry; otherwise no datagram is sent and the
// resolution failure is reported.
func (p *Peer) Whisper(target, text string) error {
	if p.conn() == nil {
		return net.ErrClosed
	}
	addr, ok := p.reg.Resolve(target)
	if !ok {
		return fmt.Errorf("%q is not online", target)
	}
	port, ok := p.dir.Lookup(addr)
	if !ok {
		port = p.assumedPort()
	}
	self := p.Identity()
	text = truncate(text, MaxTextLen)
	p.emit(true, Event{Kind: EventPrivate, Name: self.Name, Addr: self.Addr, To: target, Text: text})
	return p.sendMessage(addr, port, Private{Sender: self.Name, Addr: self.Addr, Target: target, Text: text})
}

// SetName changes the local display name: the presence registry entry for
// the old name is atomically replaced, and the change is announced to the
// directory with a Rename broadcast. Setting the current name is a no-op.
func (p *Peer) SetName(newName string) error {
	if newName == "" || strings.ContainsAny(newName, Delim+"\n") {
		return fmt.Errorf("invalid display name %q", newName)
	}
	p.μ.Lock()
	old := p.self.Name
	addr := p.self.Addr
	if old == newName {
		p.μ.Unlock()
		return nil
	}
	p.self.Name = newName
	p.μ.Unlock()

	p.reg.Rename(old, newName, addr)
	p.emit(false, Event{Kind: EventRename, Name: old, Addr: addr, To: newName})
	p.broadcast(Rename{OldName: old, NewName: newName, Addr: addr})
	return nil
}

// Connect probes the peer at target, which has the form host[:port]; a
// missing port falls back to the assumed default port. The probe is a
// unicast Ping carrying the local reply port. If any datagram arrives from
// the probed address before the probe timeout, the target is recorded in
// the peer directory, persisted, and announced with a Join broadcast. On
// timeout the directory is unchanged and Connect reports ErrNoReply.
func (p *Peer) Connect(ctx context.Context, target string) error {
	addr, port, err := p.splitTarget(target)
	if err != nil {
		return err
	}
	pr, err := p.addProbe(addr)
	if err != nil {
		return err
	}
	self := p.Identity()
	if err := p.sendMessage(addr, port, Ping{Name: self.Name, Addr: self.Addr, ReplyPort: self.Port}); err != nil {
		p.removeProbe(addr, pr)
		return err
	}

	t := time.NewTimer(p.probeTO)
	defer t.Stop()
	select {
	case <-pr.ch:
		if !pr.ok {
			return net.ErrClosed // the peer stopped while probing
		}
		uerr := p.dir.Upsert(roster.Peer{Addr: addr, Port: port})
		p.broadcast(Join{Name: self.Name, Addr: self.Addr})
		return uerr

	case <-t.C:
		p.removeProbe(addr, pr)
		return fmt.Errorf("connect %s: %w", target, ErrNoReply)

	case <-ctx.Done():
		p.removeProbe(addr, pr)
		return ctx.Err()
	}
}

// Disconnect removes addr from the peer directory and evicts every
// presence entry at that address. It reports an error if addr is not in
// the directory, or if the removal could not be persisted.
func (p *Peer) Disconnect(addr string) error {
	ok, err := p.dir.Remove(addr)
	if !ok {
		return fmt.Errorf("peer %s not found", addr)
	}
	p.reg.RemoveAddr(addr)
	return err
}

// Users reports the peers with live presence entries. As a freshness aid
// it first broadcasts a keepalive ping; replies land asynchronously, so
// the list reflects them only on a later call.
func (p *Peer) Users() []presence.Entry {
	if p.conn() != nil {
		p.Tick()
	}
	return p.reg.Live()
}

// Directory reports a snapshot of the peer directory.
func (p *Peer) Directory() []roster.Peer { return p.dir.Peers() }

// History returns the history collaborator recording chat traffic.
func (p *Peer) History() History { return p.hist }

// Tick broadcasts a keepalive ping advertising the local reply port, and
// refreshes the local identity's own presence entry. The keepalive
// scheduler calls Tick on a fixed period; it may also be called directly
// to force a refresh.
func (p *Peer) Tick() {
	self := p.Identity()
	p.reg.Touch(self.Name, self.Addr)
	p.broadcast(Ping{Name: self.Name, Addr: self.Addr, ReplyPort: self.Port})
}

// Identity reports the current local identity.
func (p *Peer) Identity() Identity {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.self
}

// HandleCommand executes one local command by name with its arguments and
// returns display text for the user. Splitting the input line into a name
// and arguments is the front end's job; the engine owns the semantics.
// Unknown names report an error the front end may answer with help text.
//
// The commands are: users, name, history, clear, whisper, connect,
// disconnect, and peers.
func (p *Peer) HandleCommand(ctx context.Context, name string, args []string) (string, error) {
	switch name {
	case "users":
		live := p.Users()
		if len(live) == 0 {
			return "nobody is online", nil
		}
		var sb strings.Builder
		for _, e := range live {
			fmt.Fprintf(&sb, "%-16s %s (seen %v ago)\n",
				e.Name, e.Addr, time.Since(e.LastSeen).Round(time.Second))
		}
		return strings.TrimSuffix(sb.String(), "\n"), nil

	case "name":
		if len(args) != 1 {
			return "", errors.New("usage: name <new-name>")
		}
		if err := p.SetName(args[0]); err != nil {
			return "", err
		}
		return "you are now known as " + args[0], nil

	case "history":
		n := 0
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 1 {
				return "", fmt.Errorf("invalid count %q", args[0])
			}
			n = v
		}
		evs := p.hist.Recent(n)
		if len(evs) == 0 {
			return "history is empty", nil
		}
		var sb strings.Builder
		for _, ev := range evs {
			fmt.Fprintf(&sb, "[%s] %s\n", ev.Time.Format(time.TimeOnly), ev)
		}
		return strings.TrimSuffix(sb.String(), "\n"), nil

	case "clear":
		p.hist.Clear()
		return "history cleared", nil

	case "whisper":
		if len(args) < 2 {
			return "", errors.New("usage: whisper <name> <text>")
		}
		return "", p.Whisper(args[0], strings.Join(args[1:], " "))

	case "connect":
		if len(args) != 1 {
			return "", errors.New("usage: connect <address[:port]>")
		}
		if err := p.Connect(ctx, args[0]); err != nil {
			return "", err
		}
		return "connected to " + args[0], nil

	case "disconnect":
		if len(args) != 1 {
			return "", errors.New("usage: disconnect <address>")
		}
		if err := p.Disconnect(args[0]); err != nil {
			return "", err
		}
		return "disconnected from " + args[0], nil

	case "peers":
		ps := p.Directory()
		if len(ps) == 0 {
			return "no peers in the directory", nil
		}
		var sb strings.Builder
		for _, pr := range ps {
			fmt.Fprintln(&sb, pr)
		}
		return strings.TrimSuffix(sb.String(), "\n"), nil

	default:
		return "", fmt.Errorf("unknown command %q", name)
	}
}

// broadcast sends m to every directory peer except the local endpoint.
// Sends run concurrently and broadcast returns when all have finished;
// failures are logged by sendMessage and do not stop the fan-out.
func (p *Peer) broadcast(m Message) {
	self := p.Identity()
	g := taskgroup.New(nil)
	for _, pr := range p.dir.Peers() {
		if pr.Addr == self.Addr && pr.Port == self.Port {
			continue
		}
		g.Go(func() error {
			p.sendMessage(pr.Addr, pr.Port, m)
			return nil
		})
	}
	g.Wait()
}

// sendMessage encodes and transmits m as one datagram. Failures are
// counted and logged as well as returned; datagram sends are fire and
// forget, so most callers ignore the result.
//
// The shared-state lock must not be held during a send, so that a slow
// transport cannot stall dispatch.
func (p *Peer) sendMessage(addr string, port int, m Message) error {
	c := p.conn()
	if c == nil {
		return net.ErrClosed
	}
	rootMetrics.datagramSent.Add(1)
	if err := c.Send(addr, port, []byte(m.Encode())); err != nil {
		rootMetrics.sendFailed.Add(1)
		p.logf("natter: send to %s:%d: %v", addr, port, err)
		return err
	}
	return nil
}

func (p *Peer) conn() Conn {
	p.out.Lock()
	defer p.out.Unlock()
	return p.out.conn
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.conn != nil {
		p.out.conn.Close()
	}
}

// fail records the terminal error and releases the service routines: the
// keepalive scheduler is stopped and pending connect probes are woken
// without an answer.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	defer p.μ.Unlock()
	for _, pr := range p.probes {
		close(pr.ch)
	}
	p.probes = nil
	if p.stopc != nil {
		close(p.stopc)
		p.stopc = nil
	}
	p.err = err
}

// emit timestamps ev, delivers it to the event callback, and, if record is
// true, appends it to the history.
func (p *Peer) emit(record bool, ev Event) {
	ev.Time = time.Now()
	if record {
		p.hist.Append(ev)
	}
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

func (p *Peer) logf(msg string, args ...any) {
	if p.log != nil {
		p.log(msg, args...)
	}
}

// addProbe registers a pending connect probe for addr. Concurrent connects
// to the same address share one probe and one reply.
func (p *Peer) addProbe(addr string) (*probe, error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.probes == nil {
		return nil, net.ErrClosed // the peer is not running
	}
	pr := p.probes[addr]
	if pr == nil {
		pr = &probe{ch: make(chan struct{})}
		p.probes[addr] = pr
	}
	return pr, nil
}

// removeProbe withdraws a probe that got no answer. The probe is removed
// only if it is still the one registered, so a probe signaled concurrently
// is not disturbed.
func (p *Peer) removeProbe(addr string, pr *probe) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.probes[addr] == pr {
		delete(p.probes, addr)
	}
}

// signalProbe completes a pending probe for addr, if one exists. Setting
// ok before the close publishes it to the waiters.
func (p *Peer) signalProbe(addr string) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if pr, ok := p.probes[addr]; ok {
		delete(p.probes, addr)
		pr.ok = true
		close(pr.ch)
	}
}

// assumedPort is the port assumed for peers discovered without one: the
// local listening port. This is a guess, not a guarantee; a peer listening
// elsewhere is repaired by the reply port of its next ping.
func (p *Peer) assumedPort() int { return p.Identity().Port }

// splitTarget parses a connect target of the form host[:port]. A target
// without a port gets the assumed default port. The host must be usable as
// a wire address field, which rules out values containing the delimiter,
// IPv6 literals included.
func (p *Peer) splitTarget(s string) (addr string, port int, _ error) {
	addr, port = s, p.assumedPort()
	if host, ps, err := net.SplitHostPort(s); err == nil {
		n, err := strconv.Atoi(ps)
		if err != nil || n < 1 || n > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", ps)
		}
		addr, port = host, n
	}
	if addr == "" || strings.ContainsAny(addr, Delim+" \n") {
		return "", 0, fmt.Errorf("invalid address %q", addr)
	}
	return addr, port, nil
}

// A probe is a pending connect handshake. Its channel is closed when any
// datagram arrives from the probed address; ok distinguishes an answer
// from peer shutdown.
type probe struct {
	ch chan struct{}
	ok bool
}
