package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hushmesh/hushmesh/pkg/identity"
	"github.com/hushmesh/hushmesh/pkg/network"
	"github.com/hushmesh/hushmesh/pkg/primitives"
)

func main() {
	var (
		port     int
		dataDir  string
		name     string
		logLevel string
		verbose  bool
	)
	flag.IntVar(&port, "port", 0, "Listen port (random if not specified)")
	flag.StringVar(&dataDir, "data", defaultDataDir(), "Data directory for identity and peer store")
	flag.StringVar(&name, "name", "anonymous", "Display name announced to peers")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flag.BoolVar(&verbose, "v", false, "Enable log output")
	flag.Parse()

	secret, err := identity.LoadOrCreateSecret(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to load identity: %v\n", err)
		os.Exit(1)
	}

	node, err := network.StartNetwork(
		primitives.NewByteBuffer(secret),
		primitives.ByteBufferFromString(name),
		printEvent,
		network.Config{
			Port:       port,
			DataDir:    dataDir,
			EnableLogs: verbose,
			LogLevel:   logLevel,
		},
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to start node: %v\n", err)
		os.Exit(1)
	}
	defer node.Close()

	fmt.Printf("✅ Node started as %s\n", name)
	fmt.Printf("🆔 Peer ID: %s\n", node.ID())
	fmt.Printf("🌐 Listening on:\n")
	for _, addr := range node.Addrs() {
		fmt.Printf("   %s\n", addr)
	}

	runCLI(node)
}

// printEvent is the node's event callback: every event is decoded and
// rendered to the console.
func printEvent(buf *primitives.ByteBuffer) {
	data, err := buf.IntoBytes()
	if err != nil {
		return
	}
	ev, err := primitives.DecodeEvent(data)
	if err != nil {
		fmt.Printf("\n⚠️ Undecodable event: %v\n> ", err)
		return
	}

	switch e := ev.(type) {
	case *primitives.PlainTextMessage:
		fmt.Printf("\n💬 [%s] %s\n> ", time.UnixMilli(int64(e.Timestamp)).Format("15:04"), e.Text)
	case *primitives.Metadata:
		fmt.Printf("\n👤 %s is %q\n> ", shortID(e.PeerID), e.Name)
	case *primitives.PeerDiscovered:
		fmt.Printf("\n🔍 Discovered peer %s\n> ", shortID(e.PeerID))
	case *primitives.PeerGone:
		fmt.Printf("\n👋 Peer %s left\n> ", shortID(e.PeerID))
	case *primitives.Sent:
		fmt.Printf("\n📤 Message %d delivered\n> ", e.Timestamp)
	case *primitives.Error:
		fmt.Printf("\n❌ Protocol error: %s\n> ", e.Kind)
	}
}

func runCLI(node *network.Network) {
	fmt.Printf("\nCommands:\n")
	fmt.Printf("  /peers               - List known peers\n")
	fmt.Printf("  /recent              - Show recent network events\n")
	fmt.Printf("  /connect <addr>      - Connect to a peer by multiaddress\n")
	fmt.Printf("  /send <peerID> <msg> - Send a chat message\n")
	fmt.Printf("  /quit                - Exit\n")
	fmt.Print("> ")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":

		case input == "/quit":
			fmt.Println("🔌 Shutting down...")
			return

		case input == "/peers":
			peers, err := node.KnownPeers()
			if err != nil {
				fmt.Printf("❌ Failed to list peers: %v\n", err)
				break
			}
			if len(peers) == 0 {
				fmt.Println("👥 No peers known yet")
				break
			}
			for _, p := range peers {
				name := p.DisplayName
				if name == "" {
					name = "unknown"
				}
				fmt.Printf("  - %s (%s) last seen %s\n",
					p.ID.String(), name, p.LastSeen.Format("15:04:05"))
			}

		case input == "/recent":
			events := node.RecentEvents()
			if len(events) == 0 {
				fmt.Println("📭 No events yet")
				break
			}
			for _, ev := range events {
				fmt.Printf("  - %s %+v\n", ev.EventTag(), ev)
			}

		case strings.HasPrefix(input, "/connect "):
			addr := strings.TrimSpace(input[len("/connect "):])
			if err := node.Connect(addr); err != nil {
				fmt.Printf("❌ Connect failed: %v\n", err)
			} else {
				fmt.Println("✅ Connected")
			}

		case strings.HasPrefix(input, "/send "):
			parts := strings.SplitN(input[len("/send "):], " ", 2)
			if len(parts) != 2 {
				fmt.Println("Usage: /send <peerID> <message>")
				break
			}
			ok := node.SendMessage(
				primitives.ByteBufferFromString(strings.TrimSpace(parts[0])),
				primitives.ByteBufferFromString(parts[1]),
				uint64(time.Now().UnixMilli()),
			)
			if !ok {
				fmt.Println("❌ Message rejected")
			}

		default:
			fmt.Println("Unknown command, try /peers, /recent, /connect, /send or /quit")
		}
		fmt.Print("> ")
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hushmesh"
	}
	return filepath.Join(home, ".hushmesh")
}
