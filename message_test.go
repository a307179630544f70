// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package natter_test

import (
	"errors"
	"testing"

	"github.com/creachadair/natter"
	"github.com/google/go-cmp/cmp"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []natter.Message{
		natter.Chat{Sender: "alice", Addr: "10.0.0.1", Text: "hello there"},
		natter.Chat{Sender: "alice", Addr: "10.0.0.1", Text: ""},
		natter.Chat{Sender: "alice", Addr: "10.0.0.1", Text: "with: embedded: delimiters"},
		natter.Join{Name: "bob", Addr: "10.0.0.2"},
		natter.Leave{Name: "bob", Addr: "10.0.0.2"},
		natter.Ping{Name: "carol", Addr: "10.0.0.3"},
		natter.Ping{Name: "carol", Addr: "10.0.0.3", ReplyPort: 5190},
		natter.Active{Name: "dave", Addr: "10.0.0.4"},
		natter.Rename{OldName: "dave", NewName: "eve", Addr: "10.0.0.4"},
		natter.Private{Sender: "alice", Addr: "10.0.0.1", Target: "bob", Text: "psst: a secret"},
		natter.Private{Sender: "alice", Addr: "10.0.0.1", Target: "bob", Text: ""},
	}
	for _, m := range tests {
		line := m.Encode()
		got, err := natter.ParseMessage(line)
		if err != nil {
			t.Errorf("ParseMessage(%q): unexpected error: %v", line, err)
			continue
		}
		if diff := cmp.Diff(m, got); diff != "" {
			t.Errorf("Round trip of %q (-want, +got):\n%s", line, diff)
		}
	}
}

func TestMessageWireFormat(t *testing.T) {
	tests := []struct {
		m    natter.Message
		want string
	}{
		{natter.Chat{Sender: "alice", Addr: "10.0.0.1", Text: "hi: there"}, "MSG:alice:10.0.0.1:hi: there"},
		{natter.Join{Name: "bob", Addr: "10.0.0.2"}, "SYS:JOIN:bob:10.0.0.2"},
		{natter.Leave{Name: "bob", Addr: "10.0.0.2"}, "SYS:LEAVE:bob:10.0.0.2"},
		{natter.Ping{Name: "carol", Addr: "10.0.0.3"}, "SYS:PING:carol:10.0.0.3"},
		{natter.Ping{Name: "carol", Addr: "10.0.0.3", ReplyPort: 5190}, "SYS:PING:carol:10.0.0.3:5190"},
		{natter.Active{Name: "dave", Addr: "10.0.0.4"}, "SYS:ACTIVE:dave:10.0.0.4"},
		{natter.Rename{OldName: "dave", NewName: "eve", Addr: "10.0.0.4"}, "SYS:RENAME:dave:eve:10.0.0.4"},
		{natter.Private{Sender: "alice", Addr: "10.0.0.1", Target: "bob", Text: "x:y"}, "PM:alice:10.0.0.1:bob:x:y"},
	}
	for _, tc := range tests {
		if got := tc.m.Encode(); got != tc.want {
			t.Errorf("Encode %+v: got %q, want %q", tc.m, got, tc.want)
		}
	}
}

func TestParseMessageErrors(t *testing.T) {
	tests := []string{
		"",                      // no delimiter at all
		"MSG",                   // tag without fields
		"MSG:alice",             // missing address and text
		"MSG:alice:10.0.0.1",    // missing text
		"BOGUS:x:y",             // unknown tag
		"SYS",                   // system tag without kind
		"SYS:NOPE:a:b",          // unknown system kind
		"SYS:JOIN",              // no fields
		"SYS:JOIN:bob",          // missing address
		"SYS:LEAVE:bob",         // missing address
		"SYS:ACTIVE:bob",        // missing address
		"SYS:PING:bob",          // missing address
		"SYS:PING:a:b:x",        // reply port not a number
		"SYS:PING:a:b:",         // reply port empty
		"SYS:PING:a:b:0",        // reply port out of range
		"SYS:PING:a:b:70000",    // reply port out of range
		"SYS:RENAME:dave:eve",   // missing address
		"PM:alice:10.0.0.1:bob", // missing text
	}
	for _, line := range tests {
		m, err := natter.ParseMessage(line)
		if !errors.Is(err, natter.ErrMalformed) {
			t.Errorf("ParseMessage(%q): got (%v, %v), want ErrMalformed", line, m, err)
		}
	}
}

// Fixed-arity messages tolerate extra trailing fields, keeping the leading
// ones. The trailing text of chat traffic is never split.
func TestParseMessageLenient(t *testing.T) {
	tests := []struct {
		line string
		want natter.Message
	}{
		{"SYS:JOIN:bob:10.0.0.2:junk:more", natter.Join{Name: "bob", Addr: "10.0.0.2"}},
		{"SYS:ACTIVE:dave:10.0.0.4:x", natter.Active{Name: "dave", Addr: "10.0.0.4"}},
		{"SYS:RENAME:a:b:h:x", natter.Rename{OldName: "a", NewName: "b", Addr: "h"}},
		{"MSG:a:h:text: with : colons", natter.Chat{Sender: "a", Addr: "h", Text: "text: with : colons"}},
		{"PM:a:h:t:x:y:z", natter.Private{Sender: "a", Addr: "h", Target: "t", Text: "x:y:z"}},
	}
	for _, tc := range tests {
		got, err := natter.ParseMessage(tc.line)
		if err != nil {
			t.Errorf("ParseMessage(%q): unexpected error: %v", tc.line, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ParseMessage(%q) (-want, +got):\n%s", tc.line, diff)
		}
	}
}
