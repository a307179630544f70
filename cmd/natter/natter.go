// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Program natter is a serverless chat client for the local network.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/natter"
	"github.com/creachadair/natter/datagram"
	"github.com/creachadair/natter/discovery"
	"github.com/creachadair/natter/roster"
	"github.com/gen2brain/beeep"
	"github.com/google/uuid"
)

var flags struct {
	Name     string        `flag:"name,Display name (defaults to a generated guest name)"`
	Addr     string        `flag:"address,Host address to advertise (defaults to the outbound interface)"`
	Port     int           `flag:"port,default=5190,UDP port to listen on (0 picks an unused port)"`
	Peers    string        `flag:"peers,default=peers.txt,Path of the peer directory file"`
	TTL      time.Duration `flag:"ttl,default=5m,Drop peers not heard from within this window"`
	Ping     time.Duration `flag:"ping,default=1m,Keepalive broadcast period"`
	Discover bool          `flag:"discover,Announce and listen on the LAN multicast group"`
	Group    string        `flag:"group,Multicast group for discovery (host:port)"`
	Notify   bool          `flag:"notify,Show a desktop notification for private messages"`
	Verbose  bool          `flag:"v,Enable verbose debug logging"`
}

func main() {
	root := &command.C{
		Name:  filepath.Base(os.Args[0]),
		Usage: "[options] [address[:port] ...]",
		Help: `A serverless chat client for the local network.

Peers exchange messages directly over UDP; there is no server. Every peer
the client meets is recorded in a directory file and contacted again on
later runs. Addresses named on the command line are probed at startup.

At the prompt, a plain line of text is sent to everyone in the directory.
Lines beginning with "/" are commands; use /help for a list.`,

		SetFlags: command.Flags(flax.MustBind, &flags),
		Run:      runChat,
		Commands: []*command.C{
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runChat(env *command.Env) error {
	name := flags.Name
	if name == "" {
		name = "guest-" + uuid.NewString()[:8]
	} else if strings.ContainsAny(name, natter.Delim+" \n") {
		return fmt.Errorf("invalid display name %q", name)
	}
	addr := flags.Addr
	if addr == "" {
		addr = localIP()
	}

	// Bind before touching the peer directory, so a port conflict aborts
	// without creating or rewriting any files.
	conn, err := datagram.Listen(flags.Port)
	if err != nil {
		return fmt.Errorf("bind UDP socket: %w", err)
	}
	conn.WriteTimeout = time.Second
	dir, err := roster.Open(flags.Peers)
	if err != nil {
		return fmt.Errorf("open peer directory: %w", err)
	}

	var logf func(string, ...any)
	if flags.Verbose {
		logf = func(msg string, args ...any) { fmt.Fprintf(os.Stderr, msg+"\n", args...) }
	}

	// The event callback refers back to the peer for the current display
	// name, so the peer must be declared before its options.
	var p *natter.Peer
	p = natter.New(natter.Identity{Name: name, Addr: addr, Port: conn.LocalPort()}, dir, &natter.Options{
		TTL:          flags.TTL,
		PingInterval: flags.Ping,
		OnEvent: func(ev natter.Event) {
			fmt.Println(ev)
			if flags.Notify && ev.Kind == natter.EventPrivate && ev.Name != p.Identity().Name {
				if err := beeep.Notify(ev.Name, ev.Text, ""); err != nil && logf != nil {
					logf("notification: %v", err)
				}
			}
		},
		Logf: logf,
	})
	p.Start(conn)

	if flags.Discover {
		svc := discovery.New(
			func() []byte {
				id := p.Identity()
				return []byte(natter.Ping{Name: id.Name, Addr: id.Addr, ReplyPort: id.Port}.Encode())
			},
			func(raw []byte, from string) { p.HandleInbound(raw, from) },
			&discovery.Options{Group: flags.Group, Logf: logf},
		)
		if err := svc.Start(); err != nil {
			p.Stop()
			return fmt.Errorf("start discovery: %w", err)
		}
		defer svc.Stop()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() { <-sig; p.Stop() }()

	fmt.Printf("you are %s; type /help for commands\n", p.Identity())
	if n := len(p.Directory()); n > 0 {
		fmt.Printf("%d stored peers\n", n)
	}
	ctx := context.Background()
	for _, target := range env.Args {
		if err := p.Connect(ctx, target); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}

	go inputLoop(ctx, p)
	return p.Wait()
}

// inputLoop reads lines from stdin and routes them to the peer: plain
// text is said to everyone, "/" lines become commands. It stops the peer
// on /quit or when stdin is exhausted.
func inputLoop(ctx context.Context, p *natter.Peer) {
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			// skip

		case !strings.HasPrefix(line, "/"):
			if err := p.Say(line); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}

		default:
			fields := strings.Fields(line[1:])
			if len(fields) == 0 {
				break
			}
			name, args := fields[0], fields[1:]
			if name == "quit" || name == "exit" {
				p.Stop()
				return
			}
			if name == "help" {
				fmt.Println(helpText)
				break
			}
			out, err := p.HandleCommand(ctx, name, args)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			} else if out != "" {
				fmt.Println(out)
			}
		}
		fmt.Print("> ")
	}
	p.Stop()
}

const helpText = `Commands:
  /users                  list peers seen recently
  /peers                  list the stored peer directory
  /connect <addr[:port]>  probe a peer and record it in the directory
  /disconnect <addr>      remove a peer from the directory
  /whisper <name> <text>  send a private message
  /name <new-name>        change your display name
  /history [n]            show recent chat traffic
  /clear                  discard the recorded chat traffic
  /help                   show this message
  /quit                   leave the chat and exit`

// localIP reports the address of the interface carrying outbound traffic,
// falling back to the loopback address. The dial selects a route only; no
// packets are sent.
func localIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
