// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package natter_test

import (
	"fmt"
	"testing"

	"github.com/creachadair/natter"
	"github.com/creachadair/natter/datagram"
)

func BenchmarkParseMessage(b *testing.B) {
	bench := []struct {
		name, line string
	}{
		{"Chat", "MSG:alice:10.0.0.1:fuzzy wuzzy was a bear"},
		{"Ping", "SYS:PING:alice:10.0.0.1:5190"},
		{"Join", "SYS:JOIN:alice:10.0.0.1"},
		{"Private", "PM:alice:10.0.0.1:bob:fuzzy wuzzy had no hair"},
	}
	for _, bc := range bench {
		b.Run(bc.name, func(b *testing.B) {
			for b.Loop() {
				if _, err := natter.ParseMessage(bc.line); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkEncode(b *testing.B) {
	bench := []struct {
		name string
		m    natter.Message
	}{
		{"Chat", natter.Chat{Sender: "alice", Addr: "10.0.0.1", Text: "fuzzy wuzzy was a bear"}},
		{"Ping", natter.Ping{Name: "alice", Addr: "10.0.0.1", ReplyPort: 5190}},
		{"Private", natter.Private{Sender: "alice", Addr: "10.0.0.1", Target: "bob", Text: "no hair"}},
	}
	for _, bc := range bench {
		b.Run(bc.name, func(b *testing.B) {
			for b.Loop() {
				if s := bc.m.Encode(); s == "" {
					b.Fatal("empty encoding")
				}
			}
		})
	}
}

func BenchmarkDispatch(b *testing.B) {
	p := benchPeer(b, newSink())
	raw := []byte("MSG:bob:10.0.0.9:fuzzy wuzzy wasn't fuzzy was he?")

	for b.Loop() {
		p.HandleInbound(raw, "10.0.0.9:4242")
	}
}

func BenchmarkBroadcast(b *testing.B) {
	sw := datagram.NewSwitch()
	pt, err := sw.Bind("10.0.0.1", 5190)
	if err != nil {
		b.Fatal(err)
	}
	p := benchPeer(b, pt)

	// Seed directory peers; their endpoints are not bound, so sends vanish
	// and the bench measures the encode and fan-out path.
	for i := 2; i < 6; i++ {
		line := fmt.Sprintf("SYS:PING:peer%[1]d:10.0.0.%[1]d:5190", i)
		p.HandleInbound([]byte(line), fmt.Sprintf("10.0.0.%d:5190", i))
	}

	for b.Loop() {
		if err := p.Say("fuzzy wuzzy was a bear"); err != nil {
			b.Fatal(err)
		}
	}
}

func benchPeer(tb testing.TB, conn natter.Conn) *natter.Peer {
	p := natter.New(natter.Identity{Name: "alice", Addr: "10.0.0.1", Port: 5190}, nil, nil).Start(conn)
	tb.Cleanup(func() {
		if err := p.Stop(); err != nil {
			tb.Errorf("Stop: %v", err)
		}
	})
	return p
}
