package main

import (
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

	"github.com/peerwave/peerwave-node/pkg/discovery"
	"github.com/peerwave/peerwave-node/pkg/relay"
	"github.com/peerwave/peerwave-node/pkg/relay/api"
	"github.com/peerwave/peerwave-node/pkg/storage"
)

const (
	defaultPort       = 8088
	defaultAPIPort    = 8080
	defaultDataDir    = "./data"
	heartbeatInterval = 5 * time.Minute
)

var (
	port         = flag.Int("port", defaultPort, "WebSocket relay port")
	apiPort      = flag.Int("api-port", defaultAPIPort, "HTTP status API port")
	dataDir      = flag.String("data", defaultDataDir, "Data directory for the message queue")
	queueTTL     = flag.Duration("ttl", 7*24*time.Hour, "How long queued messages are kept")
	rateLimit    = flag.Int("rate-limit", 120, "Relayed messages per peer per minute")
	enableDHT    = flag.Bool("dht", false, "Advertise this relay in the DHT directory")
	dhtListen    = flag.String("dht-listen", "/ip4/0.0.0.0/tcp/4002", "DHT listen multiaddr")
	bootstrap    = flag.String("bootstrap", "", "Comma-separated DHT bootstrap multiaddrs")
	advertiseURL = flag.String("advertise-url", "", "Public WebSocket URL to advertise (e.g. wss://relay.example.org/ws)")
	priority     = flag.Int("priority", 0, "Advertised relay priority (lower is preferred)")
	region       = flag.String("region", "", "Advertised relay region, e.g. eu-west")
	debug        = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	printBanner()

	logger := newLogger(*debug)

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// Message queue for offline recipients
	queuePath := filepath.Join(*dataDir, "relay-queue.db")
	queue, err := storage.NewMessageQueue(queuePath, *queueTTL, logger)
	if err != nil {
		log.Fatalf("Failed to create message queue: %v", err)
	}
	log.Printf("📬 Message queue initialized at %s (TTL: %s)", queuePath, *queueTTL)

	// Relay server
	opts := relay.DefaultServerOptions()
	opts.RateLimit = *rateLimit
	server := relay.NewServer(queue, opts, logger)
	if err := server.Start(fmt.Sprintf(":%d", *port)); err != nil {
		log.Fatalf("Failed to start relay server: %v", err)
	}
	log.Printf("✓ Relay server listening on %s", server.Addr())

	// HTTP status API
	ctx, cancel := context.WithCancel(context.Background())
	apiCfg := api.DefaultConfig()
	apiCfg.Port = *apiPort
	apiServer := api.NewServer(server, apiCfg, logger)
	go func() {
		if err := apiServer.Start(ctx); err != nil {
			log.Printf("Status API stopped: %v", err)
		}
	}()
	log.Printf("✓ Status API listening on port %d", *apiPort)

	// Optional DHT directory entry
	var node *discovery.Node
	if *enableDHT {
		node, err = startDiscovery(logger)
		if err != nil {
			log.Fatalf("Failed to join DHT directory: %v", err)
		}
	} else {
		log.Println("⚠️  DHT directory advertising disabled")
	}

	go startHeartbeatLoop(server, node)

	printStatus(server, node)

	waitForShutdown(cancel, server, queue, node)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║           PeerWave Relay Server v1.0              ║")
	fmt.Println("║     Store-and-forward relay for offline peers     ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func newLogger(debug bool) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return logrus.NewEntry(l)
}

func startDiscovery(logger *logrus.Entry) (*discovery.Node, error) {
	cfg := discovery.DefaultConfig()
	cfg.ListenAddrs = []string{*dhtListen}
	if *bootstrap != "" {
		cfg.BootstrapPeers = strings.Split(*bootstrap, ",")
	}

	node, err := discovery.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()
	if err := node.Bootstrap(ctx); err != nil {
		node.Close()
		return nil, err
	}

	url := *advertiseURL
	if url == "" {
		url = fmt.Sprintf("ws://localhost:%d/ws", *port)
		log.Printf("⚠️  No -advertise-url given, advertising %s", url)
	}
	record := discovery.RelayRecord{URL: url, Priority: *priority, Region: *region}
	if err := node.SetRelayRecord(record); err != nil {
		node.Close()
		return nil, err
	}

	for _, addr := range node.Addresses() {
		log.Printf("🌐 DHT directory address: %s", addr)
	}
	return node, nil
}

func startHeartbeatLoop(server *relay.Server, node *discovery.Node) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		stats := server.Stats()

		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("💓 Heartbeat")
		log.Printf("   Active sessions: %v", stats["active_sessions"])
		log.Printf("   Messages relayed: %v", stats["messages_relayed"])
		log.Printf("   Messages queued: %v", stats["messages_queued"])
		log.Printf("   Queue size: %v", stats["queue_size"])

		if node != nil {
			log.Printf("   DHT peers: %d", node.PeerCount())
		}

		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

func printStatus(server *relay.Server, node *discovery.Node) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 Relay Server Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Status: ✅ RUNNING\n")
	fmt.Printf("   WebSocket: ws://%s/ws\n", server.Addr())
	fmt.Printf("   Status API: http://localhost:%d/api/v1/status\n", *apiPort)

	if node != nil {
		fmt.Printf("   DHT directory: ✅ ADVERTISING (priority %d)\n", *priority)
	} else {
		fmt.Printf("   DHT directory: ⚠️  DISABLED\n")
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func waitForShutdown(cancel context.CancelFunc, server *relay.Server, queue *storage.MessageQueue, node *discovery.Node) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println()
	log.Println("Shutting down gracefully...")

	// Stop the status API first so probes see the relay go away
	cancel()

	if node != nil {
		if err := node.Close(); err != nil {
			log.Printf("Error closing DHT node: %v", err)
		} else {
			log.Println("✓ DHT node stopped")
		}
	}

	if err := server.Close(); err != nil {
		log.Printf("Error stopping relay: %v", err)
	} else {
		log.Println("✓ Relay server stopped")
	}

	if err := queue.Close(); err != nil {
		log.Printf("Error closing message queue: %v", err)
	} else {
		log.Println("✓ Message queue closed")
	}

	log.Println("Goodbye! 👋")
	os.Exit(0)
}
