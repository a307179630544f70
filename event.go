// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package natter

import (
	"fmt"
	"sync"
	"time"
)

// An EventKind classifies events reported by a peer engine.
type EventKind int

const (
	EventChat    EventKind = iota + 1 // a public chat line
	EventPrivate                      // a direct message
	EventJoin                         // a peer came online
	EventLeave                        // a peer went offline
	EventRename                       // a peer changed display name
)

func (k EventKind) String() string {
	switch k {
	case EventChat:
		return "chat"
	case EventPrivate:
		return "pm"
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	case EventRename:
		return "rename"
	default:
		return fmt.Sprintf("event:%d", int(k))
	}
}

// An Event describes one occurrence a front end may wish to display.
// Events are delivered synchronously with dispatch, in the order the engine
// observed them.
type Event struct {
	Time time.Time // when the event was observed locally
	Kind EventKind
	Name string // display name of the peer the event concerns
	Addr string // address of that peer, if known
	To   string // for EventPrivate the target name, for EventRename the new name
	Text string // for EventChat and EventPrivate, the message text
}

// String renders a plain display form of the event.
func (e Event) String() string {
	switch e.Kind {
	case EventChat:
		return e.Name + ": " + e.Text
	case EventPrivate:
		return "[pm] " + e.Name + " -> " + e.To + ": " + e.Text
	case EventJoin:
		return "* " + e.Name + " joined from " + e.Addr
	case EventLeave:
		return "* " + e.Name + " left"
	case EventRename:
		return "* " + e.Name + " is now known as " + e.To
	default:
		return fmt.Sprintf("* %s %s", e.Kind, e.Name)
	}
}

// A History retains displayed chat traffic for later recall. The engine
// records chat and private messages, both sent and received; front ends
// with their own log formats can substitute an implementation via Options.
// Implementations must be safe for concurrent use by multiple goroutines.
type History interface {
	// Append adds ev to the history.
	Append(ev Event)

	// Recent reports up to n retained events, oldest first. If n ≤ 0 or
	// exceeds the retained count, all retained events are reported.
	Recent(n int) []Event

	// Clear discards all retained events.
	Clear()
}

// defaultHistoryLimit is the retention of the History a peer engine
// creates when its options provide none.
const defaultHistoryLimit = 500

// NewHistory constructs an in-memory History retaining the most recent
// limit events. If limit ≤ 0, defaultHistoryLimit is used.
func NewHistory(limit int) History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &memHistory{limit: limit}
}

// A memHistory is a bounded in-memory event log. Once full, each append
// evicts the oldest retained event.
type memHistory struct {
	μ     sync.Mutex
	limit int
	evs   []Event
}

func (h *memHistory) Append(ev Event) {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.evs = append(h.evs, ev)
	if n := len(h.evs) - h.limit; n > 0 {
		h.evs = append(h.evs[:0:0], h.evs[n:]...)
	}
}

func (h *memHistory) Recent(n int) []Event {
	h.μ.Lock()
	defer h.μ.Unlock()
	if n <= 0 || n > len(h.evs) {
		n = len(h.evs)
	}
	out := make([]Event, n)
	copy(out, h.evs[len(h.evs)-n:])
	return out
}

func (h *memHistory) Clear() {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.evs = nil
}
