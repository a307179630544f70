// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package roster_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/creachadair/natter/roster"
	"github.com/google/go-cmp/cmp"
)

func mustOpen(t *testing.T, path string) *roster.Roster {
	t.Helper()
	r, err := roster.Open(path)
	if err != nil {
		t.Fatalf("Open %q: unexpected error: %v", path, err)
	}
	return r
}

func TestMemoryRoster(t *testing.T) {
	r := mustOpen(t, "")
	if n := r.Len(); n != 0 {
		t.Errorf("Len of empty roster: got %d, want 0", n)
	}

	t.Run("Upsert", func(t *testing.T) {
		if err := r.Upsert(roster.Peer{Addr: "10.0.0.2", Port: 5190}); err != nil {
			t.Errorf("Upsert: unexpected error: %v", err)
		}
		// Recording the same endpoint again must not duplicate it.
		if err := r.Upsert(roster.Peer{Addr: "10.0.0.2", Port: 5190}); err != nil {
			t.Errorf("Upsert (again): unexpected error: %v", err)
		}
		if n := r.Len(); n != 1 {
			t.Errorf("Len: got %d, want 1", n)
		}
		if port, ok := r.Lookup("10.0.0.2"); !ok || port != 5190 {
			t.Errorf("Lookup: got (%d, %v), want (5190, true)", port, ok)
		}

		// A different port for the same address replaces the old one.
		if err := r.Upsert(roster.Peer{Addr: "10.0.0.2", Port: 4000}); err != nil {
			t.Errorf("Upsert (new port): unexpected error: %v", err)
		}
		if port, _ := r.Lookup("10.0.0.2"); port != 4000 {
			t.Errorf("Lookup after upsert: got port %d, want 4000", port)
		}
	})

	t.Run("Add", func(t *testing.T) {
		// Add does not touch an existing entry.
		if ok, err := r.Add(roster.Peer{Addr: "10.0.0.2", Port: 9999}); ok || err != nil {
			t.Errorf("Add existing: got (%v, %v), want (false, nil)", ok, err)
		}
		if port, _ := r.Lookup("10.0.0.2"); port != 4000 {
			t.Errorf("Lookup after no-op add: got port %d, want 4000", port)
		}
		if ok, err := r.Add(roster.Peer{Addr: "10.0.0.3", Port: 5190}); !ok || err != nil {
			t.Errorf("Add new: got (%v, %v), want (true, nil)", ok, err)
		}
	})

	t.Run("Peers", func(t *testing.T) {
		if err := r.Upsert(roster.Peer{Addr: "10.0.0.1", Port: 5190}); err != nil {
			t.Fatalf("Upsert: unexpected error: %v", err)
		}
		want := []roster.Peer{
			{Addr: "10.0.0.1", Port: 5190},
			{Addr: "10.0.0.2", Port: 4000},
			{Addr: "10.0.0.3", Port: 5190},
		}
		if diff := cmp.Diff(want, r.Peers()); diff != "" {
			t.Errorf("Peers (-want, +got):\n%s", diff)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if ok, err := r.Remove("10.0.0.3"); !ok || err != nil {
			t.Errorf("Remove: got (%v, %v), want (true, nil)", ok, err)
		}
		if _, ok := r.Lookup("10.0.0.3"); ok {
			t.Error("Lookup after remove: entry still present")
		}
		if ok, err := r.Remove("10.0.0.3"); ok || err != nil {
			t.Errorf("Remove (again): got (%v, %v), want (false, nil)", ok, err)
		}
	})
}

func TestInvalidPeer(t *testing.T) {
	r := mustOpen(t, "")
	tests := []roster.Peer{
		{Addr: "", Port: 5190},          // empty address
		{Addr: "10.0 0.2", Port: 5190},  // address with spaces
		{Addr: "10.0.0.2\n", Port: 80},  // address with newline
		{Addr: "10.0.0.2", Port: 0},     // port out of range
		{Addr: "10.0.0.2", Port: -1},    // port out of range
		{Addr: "10.0.0.2", Port: 65536}, // port out of range
	}
	for _, p := range tests {
		if err := r.Upsert(p); err == nil {
			t.Errorf("Upsert %+v: got nil, want error", p)
		}
		if ok, err := r.Add(p); ok || err == nil {
			t.Errorf("Add %+v: got (%v, %v), want (false, error)", p, ok, err)
		}
	}
	if n := r.Len(); n != 0 {
		t.Errorf("Len after rejected updates: got %d, want 0", n)
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")

	r := mustOpen(t, path)
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Stat after open: %v", err)
	}
	for _, p := range []roster.Peer{
		{Addr: "10.0.0.3", Port: 5190},
		{Addr: "10.0.0.1", Port: 5190},
		{Addr: "10.0.0.2", Port: 5190},
		{Addr: "10.0.0.1", Port: 4000}, // replaces the earlier port
	} {
		if err := r.Upsert(p); err != nil {
			t.Fatalf("Upsert %v: unexpected error: %v", p, err)
		}
	}
	if ok, err := r.Remove("10.0.0.2"); !ok || err != nil {
		t.Fatalf("Remove: got (%v, %v), want (true, nil)", ok, err)
	}

	// A removal rewrites the store in canonical order.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Read store: %v", err)
	}
	const want = "10.0.0.1 4000\n10.0.0.3 5190\n"
	if got := string(data); got != want {
		t.Errorf("Store contents: got %q, want %q", got, want)
	}

	// Reopening the store must reproduce the directory exactly.
	r2 := mustOpen(t, path)
	if diff := cmp.Diff(r.Peers(), r2.Peers()); diff != "" {
		t.Errorf("Reloaded peers (-want, +got):\n%s", diff)
	}
}

func TestLoadMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")
	const input = `10.0.0.1 5190
bogus line with too many fields
10.0.0.2 not-a-port

10.0.0.1 4000
10.0.0.3 70000
10.0.0.2 5190
`
	if err := os.WriteFile(path, []byte(input), 0600); err != nil {
		t.Fatalf("Write store: %v", err)
	}

	r := mustOpen(t, path)
	want := []roster.Peer{
		{Addr: "10.0.0.1", Port: 4000}, // the last line for an address wins
		{Addr: "10.0.0.2", Port: 5190},
	}
	if diff := cmp.Diff(want, r.Peers()); diff != "" {
		t.Errorf("Peers (-want, +got):\n%s", diff)
	}

	// Loading compacts the file, dropping stale and unparseable lines.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Read store: %v", err)
	}
	const wantFile = "10.0.0.1 4000\n10.0.0.2 5190\n"
	if got := string(data); got != wantFile {
		t.Errorf("Store contents: got %q, want %q", got, wantFile)
	}
}

func TestAppendFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")
	r := mustOpen(t, path)

	// Upserts append rather than rewriting, so a port change leaves both
	// lines in place until the next compaction.
	if err := r.Upsert(roster.Peer{Addr: "10.0.0.1", Port: 5190}); err != nil {
		t.Fatalf("Upsert: unexpected error: %v", err)
	}
	if err := r.Upsert(roster.Peer{Addr: "10.0.0.1", Port: 4000}); err != nil {
		t.Fatalf("Upsert: unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Read store: %v", err)
	}
	const want = "10.0.0.1 5190\n10.0.0.1 4000\n"
	if got := string(data); got != want {
		t.Errorf("Store contents: got %q, want %q", got, want)
	}

	if port, ok := mustOpen(t, path).Lookup("10.0.0.1"); !ok || port != 4000 {
		t.Errorf("Lookup after reload: got (%d, %v), want (4000, true)", port, ok)
	}
}
