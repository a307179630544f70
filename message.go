package natter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Delim separates the fields of a wire line.
const Delim = ":"

// MaxTextLen is the longest chat text the engine will transmit, in bytes.
// Longer texts are truncated at a UTF-8 boundary before encoding.
const MaxTextLen = 4096

// ErrMalformed is reported by ParseMessage when a line does not carry a
// known tag followed by the fields that tag requires.
var ErrMalformed = errors.New("malformed message")

// Wire tags. The tag is the first field of a line; system messages use a
// second field to select the kind.
const (
	tagChat    = "MSG"
	tagSystem  = "SYS"
	tagPrivate = "PM"

	sysJoin   = "JOIN"
	sysLeave  = "LEAVE"
	sysPing   = "PING"
	sysActive = "ACTIVE"
	sysRename = "RENAME"
)

// A Message is the parsed form of one natter wire line. The concrete types
// are Chat, Join, Leave, Ping, Active, Rename, and Private.
//
// A line is a sequence of fields joined by Delim. The last field of Chat and
// Private messages is free text and keeps any delimiters it contains; every
// other field must not contain the delimiter, and Encode does not check.
type Message interface {
	// Encode renders the message in wire format without a line terminator.
	Encode() string

	// From reports the sender identity the message claims.
	From() (name, addr string)
}

// Chat is a public chat line broadcast to all known peers.
type Chat struct {
	Sender string // display name of the sender
	Addr   string // claimed origin address
	Text   string // message text, may contain the delimiter
}

func (c Chat) Encode() string { return join(tagChat, c.Sender, c.Addr, c.Text) }
func (c Chat) From() (string, string) { return c.Sender, c.Addr }

// Join announces that a peer has come online.
type Join struct {
	Name string
	Addr string
}

func (j Join) Encode() string { return join(tagSystem, sysJoin, j.Name, j.Addr) }
func (j Join) From() (string, string) { return j.Name, j.Addr }

// Leave announces that a peer is going offline.
type Leave struct {
	Name string
	Addr string
}

func (l Leave) Encode() string { return join(tagSystem, sysLeave, l.Name, l.Addr) }
func (l Leave) From() (string, string) { return l.Name, l.Addr }

// Ping is a liveness probe. A ping may carry the UDP port its sender
// listens on; a receiver records the sender at that port and replies with a
// unicast Active message.
type Ping struct {
	Name      string
	Addr      string
	ReplyPort int // 0 if absent
}

// Encode renders the ping, omitting the reply port field when it is 0.
func (p Ping) Encode() string {
	s := join(tagSystem, sysPing, p.Name, p.Addr)
	if p.ReplyPort > 0 {
		s += Delim + strconv.Itoa(p.ReplyPort)
	}
	return s
}

func (p Ping) From() (string, string) { return p.Name, p.Addr }

// Active asserts that a peer is alive, typically in reply to a Ping.
type Active struct {
	Name string
	Addr string
}

func (a Active) Encode() string { return join(tagSystem, sysActive, a.Name, a.Addr) }
func (a Active) From() (string, string) { return a.Name, a.Addr }

// Rename announces that a peer changed its display name.
type Rename struct {
	OldName string
	NewName string
	Addr    string
}

func (r Rename) Encode() string { return join(tagSystem, sysRename, r.OldName, r.NewName, r.Addr) }
func (r Rename) From() (string, string) { return r.OldName, r.Addr }

// Private is a direct message for a single named peer. A receiver displays
// it only if Target is its own current display name, and never forwards it.
type Private struct {
	Sender string
	Addr   string
	Target string
	Text   string // message text, may contain the delimiter
}

func (p Private) Encode() string { return join(tagPrivate, p.Sender, p.Addr, p.Target, p.Text) }
func (p Private) From() (string, string) { return p.Sender, p.Addr }

// ParseMessage parses a wire line into its message variant. Lines whose tag
// is unknown, or that are missing fields their tag requires, report an error
// that wraps ErrMalformed. Fixed-arity messages with extra trailing fields
// keep their leading fields and ignore the rest.
func ParseMessage(line string) (Message, error) {
	tag, rest, ok := strings.Cut(line, Delim)
	if !ok {
		return nil, fmt.Errorf("%w: no delimiter", ErrMalformed)
	}
	switch tag {
	case tagChat:
		f := strings.SplitN(rest, Delim, 3)
		if len(f) < 3 {
			return nil, badArity(tagChat, 3, len(f))
		}
		return Chat{Sender: f[0], Addr: f[1], Text: f[2]}, nil

	case tagPrivate:
		f := strings.SplitN(rest, Delim, 4)
		if len(f) < 4 {
			return nil, badArity(tagPrivate, 4, len(f))
		}
		return Private{Sender: f[0], Addr: f[1], Target: f[2], Text: f[3]}, nil

	case tagSystem:
		return parseSystem(rest)

	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrMalformed, tag)
	}
}

// parseSystem parses the remainder of a SYS line, after the leading tag and
// its delimiter have been removed.
func parseSystem(rest string) (Message, error) {
	kind, rest, _ := strings.Cut(rest, Delim)
	f := strings.Split(rest, Delim)
	switch kind {
	case sysJoin:
		if len(f) < 2 {
			return nil, badArity(kind, 2, nfields(rest, f))
		}
		return Join{Name: f[0], Addr: f[1]}, nil

	case sysLeave:
		if len(f) < 2 {
			return nil, badArity(kind, 2, nfields(rest, f))
		}
		return Leave{Name: f[0], Addr: f[1]}, nil

	case sysActive:
		if len(f) < 2 {
			return nil, badArity(kind, 2, nfields(rest, f))
		}
		return Active{Name: f[0], Addr: f[1]}, nil

	case sysPing:
		if len(f) < 2 {
			return nil, badArity(kind, 2, nfields(rest, f))
		}
		p := Ping{Name: f[0], Addr: f[1]}
		if len(f) > 2 {
			port, err := strconv.Atoi(f[2])
			if err != nil || port < 1 || port > 65535 {
				return nil, fmt.Errorf("%w: invalid reply port %q", ErrMalformed, f[2])
			}
			p.ReplyPort = port
		}
		return p, nil

	case sysRename:
		if len(f) < 3 {
			return nil, badArity(kind, 3, nfields(rest, f))
		}
		return Rename{OldName: f[0], NewName: f[1], Addr: f[2]}, nil

	default:
		return nil, fmt.Errorf("%w: unknown system kind %q", ErrMalformed, kind)
	}
}

func join(fields ...string) string { return strings.Join(fields, Delim) }

// nfields reports how many fields rest actually contains, for error text.
// Splitting "" yields one empty field that does not count.
func nfields(rest string, f []string) int {
	if rest == "" {
		return 0
	}
	return len(f)
}

func badArity(kind string, want, got int) error {
	return fmt.Errorf("%w: %s needs %d fields, got %d", ErrMalformed, kind, want, got)
}

// truncate returns a prefix of a UTF-8 string s, having length no greater
// than n bytes. If s exceeds this length, it is truncated at a point ≤ n so
// that the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we stopped on the lead byte of a multi-byte encoding, back up once
	// more to drop it; it may have been complete, but checking in only one
	// direction is simpler.
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}
