// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package roster implements a durable directory of known peer endpoints.
//
// A Roster maps peer addresses to the UDP ports they listen on. It may be
// backed by a plain text file, one "address port" pair per line, in which
// case every mutation is persisted before the mutating method returns:
// additions and port changes append a line, removals rewrite the whole
// file. Loading replays the file in order, so the last line for an address
// wins and unparseable lines are skipped.
package roster

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/creachadair/atomicfile"
)

// A Peer is a single directory entry, the endpoint a peer reads datagrams
// from.
type Peer struct {
	Addr string // host address, as dialed
	Port int    // UDP port, 1..65535
}

func (p Peer) String() string { return fmt.Sprintf("%s %d", p.Addr, p.Port) }

// A Roster is a directory of known peer endpoints keyed by address. It is
// safe for concurrent use by multiple goroutines.
type Roster struct {
	path string // backing file; if empty, the roster is memory only

	μ sync.Mutex
	m map[string]int // :: address → port
}

// Open opens the roster stored at path, creating the file if it does not
// exist. After loading, the file is rewritten in canonical form so that
// accumulated duplicate lines are compacted. If path == "", the roster is
// kept only in memory and is initially empty.
func Open(path string) (*Roster, error) {
	r := &Roster{path: path, m: make(map[string]int)}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load peer store: %w", err)
	}
	for line := range strings.Lines(string(data)) {
		addr, port, ok := parseLine(line)
		if !ok {
			continue // skip unparseable lines
		}
		r.m[addr] = port
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	if err := r.rewriteLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// Len reports the number of entries in the roster.
func (r *Roster) Len() int { r.μ.Lock(); defer r.μ.Unlock(); return len(r.m) }

// Lookup reports the port recorded for addr, and whether addr is present.
func (r *Roster) Lookup(addr string) (int, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	port, ok := r.m[addr]
	return port, ok
}

// Peers returns a snapshot of the directory ordered by address.
func (r *Roster) Peers() []Peer {
	r.μ.Lock()
	defer r.μ.Unlock()
	out := make([]Peer, 0, len(r.m))
	for _, addr := range slices.Sorted(maps.Keys(r.m)) {
		out = append(out, Peer{Addr: addr, Port: r.m[addr]})
	}
	return out
}

// Upsert records p in the directory, replacing the port of an existing
// entry for the same address. The in-memory directory is updated even if
// persisting the change fails, and the persistence error is returned.
// Upserting an entry identical to the current one does no I/O.
func (r *Roster) Upsert(p Peer) error {
	if err := checkPeer(p); err != nil {
		return err
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	if old, ok := r.m[p.Addr]; ok && old == p.Port {
		return nil
	}
	r.m[p.Addr] = p.Port
	return r.appendLocked(p)
}

// Add records p only if no entry for its address exists, and reports
// whether it did. Unlike Upsert, an existing entry is left unchanged even
// if its port differs.
func (r *Roster) Add(p Peer) (bool, error) {
	if err := checkPeer(p); err != nil {
		return false, err
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	if _, ok := r.m[p.Addr]; ok {
		return false, nil
	}
	r.m[p.Addr] = p.Port
	return true, r.appendLocked(p)
}

// Remove deletes the entry for addr, if one exists, and reports whether it
// did. The in-memory directory is updated even if persisting the removal
// fails, and the persistence error is returned.
func (r *Roster) Remove(addr string) (bool, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if _, ok := r.m[addr]; !ok {
		return false, nil
	}
	delete(r.m, addr)
	return true, r.rewriteLocked()
}

// appendLocked persists p by appending one line to the backing file.
// The caller must hold r.μ.
func (r *Roster) appendLocked(p Peer) error {
	if r.path == "" {
		return nil
	}
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("update peer store: %w", err)
	}
	_, werr := fmt.Fprintln(f, p)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("update peer store: %w", werr)
	} else if cerr != nil {
		return fmt.Errorf("update peer store: %w", cerr)
	}
	return nil
}

// rewriteLocked persists the whole directory, replacing the backing file.
// The caller must hold r.μ.
func (r *Roster) rewriteLocked() error {
	if r.path == "" {
		return nil
	}
	var buf strings.Builder
	for _, addr := range slices.Sorted(maps.Keys(r.m)) {
		fmt.Fprintf(&buf, "%s %d\n", addr, r.m[addr])
	}
	if err := atomicfile.WriteData(r.path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("rewrite peer store: %w", err)
	}
	return nil
}

// checkPeer reports an error if p does not name a storable endpoint.
func checkPeer(p Peer) error {
	if p.Addr == "" || strings.ContainsAny(p.Addr, " \n") {
		return fmt.Errorf("invalid peer address %q", p.Addr)
	} else if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("invalid peer port %d", p.Port)
	}
	return nil
}

// parseLine parses one "address port" store line, reporting ok == false if
// the line is blank or does not have exactly those two fields.
func parseLine(line string) (addr string, port int, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", 0, false
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false
	}
	return fields[0], port, true
}
