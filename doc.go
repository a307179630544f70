// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package natter implements the engine of a serverless text-chat protocol.
//
// Natter peers exchange short ASCII datagrams over UDP to discover each
// other, track who is currently reachable, spread chat and private
// messages, and propagate display-name changes. There is no central
// coordinator: every peer keeps its own directory of endpoints and its own
// view of who is alive, and delivery is best effort with no ordering or
// authentication.
//
// # Peers
//
// The core type defined by this package is the [Peer]. A peer is built
// from a local [Identity], a durable endpoint directory from the roster
// package, and an optional [Options]:
//
//	dir, err := roster.Open("peers.txt")
//	...
//	p := natter.New(natter.Identity{
//	   Name: "frogg",
//	   Addr: "10.0.0.7",
//	   Port: 5190,
//	}, dir, nil)
//
// To start the service routines, call the Start method with a transport:
//
//	p.Start(conn)
//
// Start spawns the receiver loop and the keepalive scheduler and announces
// the local peer to the directory. The peer runs until [Peer.Stop] is
// called or the transport closes. Call [Peer.Wait] to wait for the peer to
// exit and return its status:
//
//	if err := p.Wait(); err != nil {
//	   log.Fatalf("Peer failed: %v", err)
//	}
//
// # Transports
//
// The [Conn] interface defines the ability to send and receive datagrams.
// The datagram package provides an implementation over a real UDP socket,
// and an in-memory switch of connected endpoints for testing.
//
// # Messages
//
// Peers exchange [Message] values, one per datagram, encoded as text lines
// with delimiter-separated fields. The variants are [Chat], [Join],
// [Leave], [Ping], [Active], [Rename], and [Private]; see ParseMessage for
// the decoding rules. Inbound traffic updates two shared structures: every
// message refreshes its sender's entry in the presence registry, and some
// messages add or repair endpoints in the peer directory.
//
// # Commands
//
// The chat commands of an interactive front end map onto peer methods:
// [Peer.Say] broadcasts a chat line, [Peer.Whisper] sends a private
// message, [Peer.SetName] renames the local identity, [Peer.Connect]
// performs a probe handshake with a new endpoint, and so on.
// [Peer.HandleCommand] bundles these behind a name-and-arguments surface
// so a front end can stay a thin line reader.
//
// # Events
//
// Displayable observations (chat lines, joins, leaves, renames) are
// reported as [Event] values through the OnEvent callback, and chat
// traffic is retained by a [History] for the history command. Both hooks
// are supplied through [Options].
//
// # Metrics
//
// Peers maintain a collection of metrics while running. Use the
// [Peer.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the peer. Metrics are shared globally among all peers.
//
// The metrics currently exported by peers include:
//
//   - datagrams_received: counter of datagrams received
//   - datagrams_sent: counter of datagrams sent
//   - sends_failed: counter of sends reporting an error
//   - drops_malformed: counter of datagrams that did not parse
//   - drops_self_echo: counter of datagrams claiming the local identity
//   - drops_misdirected: counter of private messages for another target
//   - store_failed: counter of directory mutations that failed to persist
//
// Additional metrics may be added in the future. It is safe for the caller
// to modify the metrics map to add, update, and remove entries.
package natter
