// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package presence tracks which peers have recently been heard from.
//
// A Registry records sightings of (display name, address) pairs with the
// time each was last seen. A sighting is live until it goes unrefreshed for
// the registry's TTL; expired sightings are evicted lazily, during reads.
// Presence is soft state: it says nothing about whether an address remains
// in the durable peer directory.
package presence

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"
)

// DefaultTTL is the liveness window applied when a Registry is created
// with a nonpositive TTL.
const DefaultTTL = 5 * time.Minute

// A sighting keys the registry. Distinct names at one address, and one
// name at distinct addresses, are distinct sightings.
type sighting struct {
	name, addr string
}

// An Entry reports one live sighting.
type Entry struct {
	Name     string    // display name the peer used
	Addr     string    // address the peer was seen at
	LastSeen time.Time // time of the most recent sighting
}

// A Registry is a table of recent peer sightings. It is safe for
// concurrent use by multiple goroutines.
type Registry struct {
	ttl time.Duration

	μ sync.Mutex
	m map[sighting]time.Time
}

// New constructs an empty registry whose sightings remain live for ttl
// after their latest refresh. If ttl ≤ 0, DefaultTTL is used.
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{ttl: ttl, m: make(map[sighting]time.Time)}
}

// TTL reports the liveness window of r.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Touch records that name was seen at addr now, adding the sighting or
// refreshing its timestamp.
func (r *Registry) Touch(name, addr string) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.m[sighting{name, addr}] = time.Now()
}

// Remove deletes the sighting of name at addr, and reports whether it was
// present. Other names seen at addr are unaffected.
func (r *Registry) Remove(name, addr string) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	s := sighting{name, addr}
	_, ok := r.m[s]
	delete(r.m, s)
	return ok
}

// RemoveAddr deletes every sighting at addr and reports how many there
// were. It is used when an address leaves the peer directory.
func (r *Registry) RemoveAddr(addr string) int {
	r.μ.Lock()
	defer r.μ.Unlock()
	var n int
	for s := range r.m {
		if s.addr == addr {
			delete(r.m, s)
			n++
		}
	}
	return n
}

// Rename atomically replaces a sighting of oldName at addr with a fresh
// sighting of newName at addr, and reports whether oldName was present.
// The new sighting is recorded even if the old one was not found, since a
// rename proves its sender is alive.
func (r *Registry) Rename(oldName, newName, addr string) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	old := sighting{oldName, addr}
	_, ok := r.m[old]
	delete(r.m, old)
	r.m[sighting{newName, addr}] = time.Now()
	return ok
}

// Live returns a snapshot of the live sightings ordered by name, then by
// address. Expired sightings encountered along the way are evicted.
func (r *Registry) Live() []Entry {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.pruneLocked()
	out := make([]Entry, 0, len(r.m))
	for s, seen := range r.m {
		out = append(out, Entry{Name: s.name, Addr: s.addr, LastSeen: seen})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Addr, b.Addr))
	})
	return out
}

// Resolve reports the address of the live sighting of name. If several
// addresses have live sightings of name, the most recently seen wins, and
// a tie in time goes to the least address. Expired sightings encountered
// along the way are evicted.
func (r *Registry) Resolve(name string) (addr string, ok bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.pruneLocked()
	var best time.Time
	for s, seen := range r.m {
		if s.name != name {
			continue
		}
		if !ok || seen.After(best) || seen.Equal(best) && s.addr < addr {
			addr, best, ok = s.addr, seen, true
		}
	}
	return
}

// Len reports the number of live sightings, evicting expired ones.
func (r *Registry) Len() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.pruneLocked()
	return len(r.m)
}

// pruneLocked evicts sightings whose latest refresh is older than the TTL.
// The caller must hold r.μ.
func (r *Registry) pruneLocked() {
	horizon := time.Now().Add(-r.ttl)
	maps.DeleteFunc(r.m, func(_ sighting, seen time.Time) bool {
		return seen.Before(horizon)
	})
}
