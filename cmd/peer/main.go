// Command peer is a terminal chat client demonstrating the full stack:
// identity keys, relay client with WebRTC upgrade, transport manager and
// the encrypted bridge.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/bridge"
	"github.com/peerwave/peerwave-node/pkg/crypto"
	"github.com/peerwave/peerwave-node/pkg/discovery"
	"github.com/peerwave/peerwave-node/pkg/protocol"
	"github.com/peerwave/peerwave-node/pkg/relay"
	"github.com/peerwave/peerwave-node/pkg/transport"
	"github.com/peerwave/peerwave-node/pkg/webrtc"
)

var (
	address   = flag.String("address", "", "Own wallet address (required)")
	chainType = flag.String("chain", "eth", "Chain type of the wallet address")
	peerSpec  = flag.String("peer", "", "Remote peer as chain:address, e.g. eth:0xb0b...")
	relayURL  = flag.String("relay", "ws://localhost:8088/ws", "Relay WebSocket URL")
	bootstrap = flag.String("bootstrap", "", "DHT bootstrap multiaddrs; discovers relays instead of -relay")
	keyPath   = flag.String("keys", "./keys/peer.json", "Identity key file")
	direct    = flag.Bool("direct", false, "Try a direct WebRTC connection before falling back to the relay")
	debug     = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	if *address == "" {
		log.Fatal("Error: -address flag is required (your wallet address)")
	}

	logger := newLogger(*debug)
	local := transport.NewPeerID(*chainType, *address)

	// Identity keys
	keys, err := loadOrGenerateKeys(*keyPath)
	if err != nil {
		log.Fatalf("Failed to load/generate keys: %v", err)
	}
	cryptoSvc, err := crypto.NewService(*address, *chainType, keys, logger)
	if err != nil {
		log.Fatalf("Failed to create crypto service: %v", err)
	}

	// Relay endpoints: DHT directory when bootstrap peers are given,
	// otherwise the -relay flag
	servers, err := relayEndpoints(logger)
	if err != nil {
		log.Fatalf("Failed to find relay servers: %v", err)
	}

	client := relay.NewClient(relay.DefaultClientConfig(local, servers...), logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := client.Connect(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to connect to relay: %v", err)
	}
	cancel()
	log.Printf("✓ Connected to relay %s", client.BestServer().URL())

	// Transports behind one manager: the relay session plus direct
	// WebRTC using the relay as signal channel
	manager := transport.NewManager(logger)
	manager.Register(relay.NewTransport(client, nil, logger))

	webrtcCfg := webrtc.DefaultConfig()
	webrtcCfg.DialTimeout = 15 * time.Second
	rtc := webrtc.New(client, webrtcCfg, logger)
	if err := rtc.Start(); err != nil {
		log.Fatalf("Failed to start WebRTC transport: %v", err)
	}
	manager.Register(rtc)

	// Encrypted bridge on top
	br := bridge.New(manager, cryptoSvc, nil, logger)
	wireObservers(br, client)

	if err := client.UpdatePresence("online"); err != nil {
		log.Printf("⚠️  Presence update failed: %v", err)
	}

	go waitForShutdown(manager)

	if *peerSpec != "" {
		remote, err := transport.ParsePeerID(*peerSpec)
		if err != nil {
			log.Fatalf("Invalid -peer: %v", err)
		}
		chatWith(br, manager, client, remote)
		return
	}

	log.Println("No -peer given; listening for incoming messages. Ctrl+C to stop.")
	select {}
}

func newLogger(debug bool) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.WarnLevel)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return logrus.NewEntry(l)
}

func loadOrGenerateKeys(path string) (*crypto.KeyPair, error) {
	if _, err := os.Stat(path); err == nil {
		log.Println("Loading existing identity keys...")
		return crypto.LoadKeyPair(path)
	}

	log.Println("Generating new identity keys...")
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := crypto.SaveKeyPair(path, kp); err != nil {
		return nil, err
	}
	log.Printf("✓ New keys saved to %s", path)
	return kp, nil
}

func relayEndpoints(logger *logrus.Entry) ([]relay.ServerConfig, error) {
	if *bootstrap == "" {
		return []relay.ServerConfig{relay.DefaultServerConfig(*relayURL, 0)}, nil
	}

	cfg := discovery.DefaultConfig()
	cfg.BootstrapPeers = strings.Split(*bootstrap, ",")
	node, err := discovery.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := node.Bootstrap(ctx); err != nil {
		return nil, err
	}

	records, err := node.FindRelays(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no relays advertised in the DHT directory")
	}

	var servers []relay.ServerConfig
	for _, rec := range records {
		log.Printf("🔍 Discovered relay %s (priority %d)", rec.URL, rec.Priority)
		servers = append(servers, relay.DefaultServerConfig(rec.URL, rec.Priority))
	}
	return servers, nil
}

func wireObservers(br *bridge.Bridge, client *relay.Client) {
	br.OnMessage(func(msg bridge.IncomingMessage) {
		fmt.Printf("\n💬 %s: %s\n> ", msg.From.Address(), msg.Plaintext)
		// Tell the sender we read it
		if err := br.SendReadReceipt(context.Background(), msg.From, msg.ID); err != nil {
			log.Printf("⚠️  Read receipt failed: %v", err)
		}
	})
	br.OnPreKeyBundle(func(from transport.PeerID) {
		fmt.Printf("\n🔐 Secure session established with %s\n> ", from.Address())
	})
	br.OnDelivered(func(peer transport.PeerID, id string) {
		fmt.Printf("\n✓ delivered %s\n> ", id)
	})
	br.OnTyping(func(from transport.PeerID, active bool) {
		if active {
			fmt.Printf("\n… %s is typing\n> ", from.Address())
		}
	})
	br.OnRead(func(from transport.PeerID, id string) {
		fmt.Printf("\n✓✓ %s read %s\n> ", from.Address(), id)
	})
	client.OnPresence(func(info protocol.PresenceInfo) {
		fmt.Printf("\n📶 %s is %s\n> ", info.PeerID, info.Status)
	})
}

func chatWith(br *bridge.Bridge, manager *transport.Manager, client *relay.Client, remote transport.PeerID) {
	if err := client.SubscribePresence(remote); err != nil {
		log.Printf("⚠️  Presence subscription failed: %v", err)
	}

	// Relay reaches offline peers; WebRTC is attempted first when asked
	manager.AddKnownAddr(remote, transport.WebSocketAddr(*relayURL))
	if *direct {
		manager.AddKnownAddr(remote, transport.WebRTCAddr(remote.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	conn, err := manager.Connect(ctx, remote)
	cancel()
	if err != nil {
		log.Fatalf("Failed to reach %s: %v", remote, err)
	}
	log.Printf("✓ Connected to %s via %s", remote.Address(), conn.RemoteAddr().Protocol)

	if err := br.InitSession(context.Background(), remote); err != nil {
		log.Printf("⚠️  Session init failed: %v", err)
	}

	fmt.Println()
	fmt.Printf("Chatting with %s. Type a message, /status or /quit.\n", remote.Address())
	fmt.Print("> ")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			shutdown(manager)
		case line == "/status":
			printStats(br, manager, remote)
		default:
			id, err := br.SendMessage(context.Background(), remote, []byte(line))
			if err != nil {
				fmt.Printf("❌ %v\n", err)
			} else if br.QueuedFor(remote) > 0 {
				fmt.Printf("📬 queued %s (peer offline)\n", id)
			}
		}
		fmt.Print("> ")
	}
	shutdown(manager)
}

func printStats(br *bridge.Bridge, manager *transport.Manager, remote transport.PeerID) {
	conn := manager.Connection(remote)
	state := "none"
	via := "-"
	if conn != nil {
		state = conn.State().String()
		via = string(conn.RemoteAddr().Protocol)
	}
	fmt.Printf("   Connection: %s via %s\n", state, via)
	for k, v := range br.Stats() {
		fmt.Printf("   %s: %v\n", k, v)
	}
}

func waitForShutdown(manager *transport.Manager) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println()
	shutdown(manager)
}

func shutdown(manager *transport.Manager) {
	log.Println("Shutting down...")
	if err := manager.Close(); err != nil {
		log.Printf("Error closing transports: %v", err)
	}
	log.Println("Goodbye! 👋")
	os.Exit(0)
}
