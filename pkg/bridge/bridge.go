// Package bridge is the application-facing layer of the node: it turns
// chat-level intents into transport envelopes and decrypted payloads back
// into application events, independent of which transport carries them.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
	"github.com/peerwave/peerwave-node/pkg/transport"
)

// CryptoService is the injected end-to-end crypto. The bridge never holds
// key material itself; it hands addresses and bytes to this interface.
type CryptoService interface {
	MyAddress() string
	MyChainType() string
	MyPreKeyBundle() ([]byte, error)
	EncryptMessage(address, chainType string, plaintext []byte) ([]byte, error)
	DecryptMessage(address, chainType string, ciphertext []byte) ([]byte, error)
	ProcessPreKeyBundle(bundle []byte) error
}

// Network is the slice of the transport manager the bridge drives
type Network interface {
	Send(ctx context.Context, peer transport.PeerID, protocolID string, payload []byte) error
	OnMessage(fn func(peer transport.PeerID, protocolID string, payload []byte))
	OnPeerConnected(fn func(transport.PeerID))
}

// Config holds bridge settings
type Config struct {
	// QueueMaxSize bounds each peer's offline queue
	QueueMaxSize int

	// SendTimeout bounds one send attempt during flushes and replies
	SendTimeout time.Duration
}

// DefaultConfig returns the bridge defaults
func DefaultConfig() *Config {
	return &Config{
		QueueMaxSize: 100,
		SendTimeout:  10 * time.Second,
	}
}

// IncomingMessage is a decrypted chat message handed to the application
type IncomingMessage struct {
	From      transport.PeerID
	ID        string
	Timestamp int64
	Plaintext []byte
}

// Bridge translates between application intents and transport envelopes.
// Sends that cannot go out immediately land in a per-peer bounded queue
// and are flushed when the peer connects.
type Bridge struct {
	cfg    *Config
	net    Network
	crypto CryptoService
	logger *logrus.Entry

	mu        sync.Mutex
	queues    map[string]*sendQueue
	msgObs    []func(IncomingMessage)
	bundleObs []func(transport.PeerID)
	typingObs []func(transport.PeerID, bool)
	readObs   []func(transport.PeerID, string)
	ackObs    []func(transport.PeerID, string)
}

// New creates a bridge over the given network and crypto service and binds
// it to the network's message and peer-connected events
func New(net Network, crypto CryptoService, cfg *Config, logger *logrus.Entry) *Bridge {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	b := &Bridge{
		cfg:    cfg,
		net:    net,
		crypto: crypto,
		logger: logger.WithField("component", "bridge"),
		queues: make(map[string]*sendQueue),
	}

	net.OnMessage(b.handleInbound)
	net.OnPeerConnected(b.flushPeer)

	return b
}

// ===== OUTGOING =====

// SendMessage encrypts plaintext for peer and sends it as a CHAT envelope.
// When the send fails (typically: peer not connected) the envelope is
// queued and the id still returned; delivery is confirmed separately via
// OnDelivered. An encryption failure fails outright.
func (b *Bridge) SendMessage(ctx context.Context, peer transport.PeerID, plaintext []byte) (string, error) {
	ciphertext, err := b.crypto.EncryptMessage(peer.Address(), peer.ChainType(), plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt for %s: %w", peer.String(), err)
	}

	env := protocol.NewEnvelope(protocol.EnvChat, ciphertext)
	data, err := env.Encode()
	if err != nil {
		return "", err
	}

	if err := b.net.Send(ctx, peer, protocol.ProtocolChat, data); err != nil {
		b.enqueue(peer, env.ID, data)
	}
	return env.ID, nil
}

// InitSession starts a key exchange with peer: our own prekey bundle goes
// out first, then a SESSION_INIT asking for theirs. Both survive the peer
// being offline via the queue.
func (b *Bridge) InitSession(ctx context.Context, peer transport.PeerID) error {
	bundle, err := b.crypto.MyPreKeyBundle()
	if err != nil {
		return fmt.Errorf("prekey bundle: %w", err)
	}

	b.sendOrQueue(ctx, peer, protocol.NewEnvelope(protocol.EnvPreKeyBundle, bundle))
	b.sendOrQueue(ctx, peer, protocol.NewEnvelope(protocol.EnvSessionInit, nil))
	return nil
}

// SendTyping sends a typing indicator. Best effort: never queued.
func (b *Bridge) SendTyping(ctx context.Context, peer transport.PeerID, active bool) error {
	state := protocol.TypingStopped
	if active {
		state = protocol.TypingActive
	}
	return b.sendNow(ctx, peer, protocol.NewEnvelope(protocol.EnvTyping, []byte{state}))
}

// SendReadReceipt reports envelopeID as read. Best effort: never queued.
func (b *Bridge) SendReadReceipt(ctx context.Context, peer transport.PeerID, envelopeID string) error {
	return b.sendNow(ctx, peer, protocol.NewEnvelope(protocol.EnvRead, []byte(envelopeID)))
}

// QueuedFor returns how many envelopes wait for peer to connect
func (b *Bridge) QueuedFor(peer transport.PeerID) int {
	b.mu.Lock()
	q := b.queues[peer.String()]
	b.mu.Unlock()

	if q == nil {
		return 0
	}
	return q.len()
}

// Stats returns bridge counters
func (b *Bridge) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	queued := 0
	for _, q := range b.queues {
		queued += q.len()
	}
	return map[string]interface{}{
		"queued_messages": queued,
		"queued_peers":    len(b.queues),
	}
}

// ===== OBSERVERS =====

// OnMessage registers an observer for decrypted incoming chat messages
func (b *Bridge) OnMessage(fn func(IncomingMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgObs = append(b.msgObs, fn)
}

// OnPreKeyBundle fires after a peer's bundle was processed successfully
func (b *Bridge) OnPreKeyBundle(fn func(from transport.PeerID)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bundleObs = append(b.bundleObs, fn)
}

// OnTyping registers an observer for typing indicators
func (b *Bridge) OnTyping(fn func(from transport.PeerID, active bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typingObs = append(b.typingObs, fn)
}

// OnRead registers an observer for read receipts
func (b *Bridge) OnRead(fn func(from transport.PeerID, envelopeID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readObs = append(b.readObs, fn)
}

// OnDelivered fires when the remote bridge acknowledged an envelope
func (b *Bridge) OnDelivered(fn func(peer transport.PeerID, envelopeID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackObs = append(b.ackObs, fn)
}

// ===== INCOMING =====

func (b *Bridge) handleInbound(peer transport.PeerID, protocolID string, payload []byte) {
	if protocolID != protocol.ProtocolChat {
		return
	}

	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		b.logger.WithError(err).WithField("peer", peer.String()).Warn("⚠️  Dropping undecodable envelope")
		return
	}

	switch env.Type {
	case protocol.EnvChat:
		b.handleChat(peer, env)

	case protocol.EnvPreKeyBundle:
		b.handleBundle(peer, env)

	case protocol.EnvSessionInit:
		b.handleSessionInit(peer)

	case protocol.EnvAck:
		for _, fn := range b.ackObservers() {
			fn(peer, string(env.Payload))
		}

	case protocol.EnvTyping:
		if len(env.Payload) != 1 {
			return
		}
		active := env.Payload[0] == protocol.TypingActive
		for _, fn := range b.typingObservers() {
			fn(peer, active)
		}

	case protocol.EnvRead:
		for _, fn := range b.readObservers() {
			fn(peer, string(env.Payload))
		}

	default:
		b.logger.WithField("type", env.Type).Debug("Unknown envelope type")
	}
}

func (b *Bridge) handleChat(peer transport.PeerID, env *protocol.Envelope) {
	plaintext, err := b.crypto.DecryptMessage(peer.Address(), peer.ChainType(), env.Payload)
	if err != nil {
		b.logger.WithError(err).WithField("peer", peer.String()).Warn("⚠️  Failed to decrypt message")
		return
	}

	// The ack confirms this bridge took the message, not that the
	// application consumed it
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
	defer cancel()
	if err := b.sendNow(ctx, peer, protocol.NewEnvelope(protocol.EnvAck, []byte(env.ID))); err != nil {
		b.logger.WithError(err).WithField("peer", peer.String()).Debug("Ack not delivered")
	}

	msg := IncomingMessage{From: peer, ID: env.ID, Timestamp: env.Timestamp, Plaintext: plaintext}
	for _, fn := range b.messageObservers() {
		fn(msg)
	}
}

func (b *Bridge) handleBundle(peer transport.PeerID, env *protocol.Envelope) {
	if err := b.crypto.ProcessPreKeyBundle(env.Payload); err != nil {
		b.logger.WithError(err).WithField("peer", peer.String()).Warn("⚠️  Rejected prekey bundle")
		return
	}

	for _, fn := range b.bundleObservers() {
		fn(peer)
	}
}

func (b *Bridge) handleSessionInit(peer transport.PeerID) {
	bundle, err := b.crypto.MyPreKeyBundle()
	if err != nil {
		b.logger.WithError(err).Warn("⚠️  Failed to build prekey bundle")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
	defer cancel()
	if err := b.sendNow(ctx, peer, protocol.NewEnvelope(protocol.EnvPreKeyBundle, bundle)); err != nil {
		b.logger.WithError(err).WithField("peer", peer.String()).Debug("Bundle reply not delivered")
	}
}

// ===== QUEUE & SEND PLUMBING =====

// sendNow attempts exactly one send, no queueing
func (b *Bridge) sendNow(ctx context.Context, peer transport.PeerID, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return b.net.Send(ctx, peer, protocol.ProtocolChat, data)
}

// sendOrQueue attempts one send and queues the envelope on failure
func (b *Bridge) sendOrQueue(ctx context.Context, peer transport.PeerID, env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		b.logger.WithError(err).Warn("⚠️  Dropping unencodable envelope")
		return
	}
	if err := b.net.Send(ctx, peer, protocol.ProtocolChat, data); err != nil {
		b.enqueue(peer, env.ID, data)
	}
}

func (b *Bridge) enqueue(peer transport.PeerID, envelopeID string, data []byte) {
	b.mu.Lock()
	q := b.queues[peer.String()]
	if q == nil {
		q = newSendQueue(b.cfg.QueueMaxSize)
		b.queues[peer.String()] = q
	}
	b.mu.Unlock()

	if dropped := q.push(&queuedEnvelope{id: envelopeID, data: data, at: time.Now()}); dropped != nil {
		b.logger.WithFields(logrus.Fields{
			"peer":     peer.String(),
			"envelope": dropped.id,
		}).Warn("⚠️  Send queue full, dropped oldest message")
	}

	b.logger.WithFields(logrus.Fields{
		"peer":     peer.String(),
		"envelope": envelopeID,
	}).Debug("Message queued for later delivery")
}

// flushPeer runs on peer-connected: every queued envelope gets exactly one
// send attempt, in enqueue order; failures go back on the queue
func (b *Bridge) flushPeer(peer transport.PeerID) {
	b.mu.Lock()
	q := b.queues[peer.String()]
	b.mu.Unlock()
	if q == nil {
		return
	}

	items := q.drain()
	if len(items) == 0 {
		return
	}

	b.logger.WithFields(logrus.Fields{
		"peer":  peer.String(),
		"count": len(items),
	}).Info("📬 Flushing queued messages")

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
	defer cancel()

	for _, item := range items {
		if err := b.net.Send(ctx, peer, protocol.ProtocolChat, item.data); err != nil {
			b.logger.WithError(err).WithField("envelope", item.id).Debug("Flush attempt failed, re-queueing")
			q.push(item)
		}
	}
}

// ===== OBSERVER SNAPSHOTS =====

// Observers are copied under the lock and called outside it, so a callback
// may safely call back into the bridge.

func (b *Bridge) messageObservers() []func(IncomingMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]func(IncomingMessage){}, b.msgObs...)
}

func (b *Bridge) bundleObservers() []func(transport.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]func(transport.PeerID){}, b.bundleObs...)
}

func (b *Bridge) typingObservers() []func(transport.PeerID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]func(transport.PeerID, bool){}, b.typingObs...)
}

func (b *Bridge) readObservers() []func(transport.PeerID, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]func(transport.PeerID, string){}, b.readObs...)
}

func (b *Bridge) ackObservers() []func(transport.PeerID, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]func(transport.PeerID, string){}, b.ackObs...)
}
