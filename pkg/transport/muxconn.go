package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
)

// MuxConfig configures a multiplexed connection
type MuxConfig struct {
	// MTU bounds one frame (header plus chunk) on the link
	MTU int

	// Initiator side allocates odd stream ids, the accepting side even
	// ones, so the two ends can never hand out the same id
	Initiator bool

	// SendQueueLen bounds the outbound FIFO
	SendQueueLen int
}

// MuxConn multiplexes logical streams over a single reliable link
// (BLE GATT connection, detached WebRTC data channel) using the 8-byte
// frame header. A per-connection FIFO send queue serializes writes so
// frames of different messages never interleave on the wire; inbound
// frames are reassembled per stream and delivered as whole messages.
type MuxConn struct {
	*BaseConn

	link   io.ReadWriteCloser
	mtu    int
	logger *logrus.Entry

	smu        sync.Mutex
	byID       map[uint8]*MuxStream
	nextID     uint8
	initiator  bool

	sendCh    chan *muxSendItem
	done      chan struct{}
	closeOnce sync.Once
}

type muxSendItem struct {
	stream    *MuxStream
	frameType uint8
	data      []byte
	errCh     chan error
}

// NewMuxConn creates an unstarted multiplexed connection. Call Start once
// the underlying link is established, or Fail if the dial never completed.
func NewMuxConn(peer PeerID, addr Multiaddr, cfg MuxConfig, logger *logrus.Entry) *MuxConn {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	mtu := cfg.MTU
	if mtu <= protocol.FrameHeaderSize {
		mtu = protocol.BLEDefaultMTU
	}

	queueLen := cfg.SendQueueLen
	if queueLen <= 0 {
		queueLen = 64
	}

	nextID := uint8(2)
	if cfg.Initiator {
		nextID = 1
	}

	c := &MuxConn{
		BaseConn:  NewBaseConn(peer, addr),
		mtu:       mtu,
		logger:    logger,
		byID:      make(map[uint8]*MuxStream),
		nextID:    nextID,
		initiator: cfg.Initiator,
		sendCh:    make(chan *muxSendItem, queueLen),
		done:      make(chan struct{}),
	}

	return c
}

// Start attaches the established link and spins up the read and send-queue
// goroutines. The connection moves to connected.
func (c *MuxConn) Start(link io.ReadWriteCloser) {
	c.link = link
	c.SetState(StateConnecting)
	c.SetState(StateConnected)

	go c.readLoop()
	go c.drainLoop()
}

// Fail terminates a connection whose dial never completed
func (c *MuxConn) Fail(err error) {
	c.terminate(err)
}

// OpenStream opens a logical stream for the given protocol id. The OPEN
// frame carries the protocol id as payload.
func (c *MuxConn) OpenStream(ctx context.Context, protocolID string) (Stream, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	id, err := c.allocStreamID()
	if err != nil {
		return nil, err
	}

	s := newMuxStream(c, id, protocolID)
	c.trackMux(s)

	if err := c.enqueue(ctx, &muxSendItem{stream: s, frameType: protocol.FrameOpen, data: []byte(protocolID)}); err != nil {
		c.releaseMux(s)
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	return s, nil
}

// Close shuts the connection down in order: streams first, then the link.
func (c *MuxConn) Close() error {
	c.closeOnce.Do(func() {
		c.SetState(StateDisconnecting)
		close(c.done)
		c.CloseStreams()
		if c.link != nil {
			c.link.Close()
		}
		c.SetState(StateClosed)
	})
	return nil
}

// terminate tears the connection down after a link failure or remote close
func (c *MuxConn) terminate(err error) {
	c.closeOnce.Do(func() {
		orderly := err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
		if orderly {
			c.SetState(StateDisconnecting)
		} else {
			c.logger.WithError(err).Warn("⚠️  Connection terminated")
		}

		close(c.done)
		c.CloseStreams()
		if c.link != nil {
			c.link.Close()
		}

		if orderly {
			c.SetState(StateClosed)
		} else {
			c.SetState(StateError)
		}
	})
}

// allocStreamID hands out the next free id on this side's parity. Ids are
// released when their stream closes.
func (c *MuxConn) allocStreamID() (uint8, error) {
	c.smu.Lock()
	defer c.smu.Unlock()

	for tries := 0; tries < 128; tries++ {
		id := c.nextID

		c.nextID += 2
		if c.nextID == 0 { // even side wrapped past 254
			c.nextID = 2
		}

		if _, used := c.byID[id]; !used && id != 0 {
			return id, nil
		}
	}

	return 0, errors.New("stream id space exhausted")
}

func (c *MuxConn) trackMux(s *MuxStream) {
	c.smu.Lock()
	c.byID[s.byteID] = s
	c.smu.Unlock()
	c.TrackStream(s)
}

func (c *MuxConn) releaseMux(s *MuxStream) {
	c.smu.Lock()
	delete(c.byID, s.byteID)
	c.smu.Unlock()
	c.ForgetStream(s.ID())
}

func (c *MuxConn) lookupMux(id uint8) *MuxStream {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.byID[id]
}

// enqueue appends one item to the send queue and waits for the drain loop
// to write it out. FIFO order is the queue order; a failed write rejects
// only this item.
func (c *MuxConn) enqueue(ctx context.Context, item *muxSendItem) error {
	item.errCh = make(chan error, 1)

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.sendCh <- item:
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return fmt.Errorf("send queue: %w", ctx.Err())
	}

	select {
	case err := <-item.errCh:
		return err
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return fmt.Errorf("send: %w", ctx.Err())
	}
}

// drainLoop writes queued items one at a time. One whole message is chunked
// and written before the next item starts, which keeps per-connection sends
// strictly FIFO and frames of different messages unmixed.
func (c *MuxConn) drainLoop() {
	for {
		select {
		case item := <-c.sendCh:
			err := c.writeItem(item)
			item.errCh <- err
			if err != nil {
				c.terminate(err)
			}

		case <-c.done:
			for {
				select {
				case item := <-c.sendCh:
					item.errCh <- ErrConnClosed
				default:
					return
				}
			}
		}
	}
}

// writeItem chunks one message into MTU-bounded frames. Counters update
// only after every chunk was written.
func (c *MuxConn) writeItem(item *muxSendItem) error {
	chunkSize := c.mtu - protocol.FrameHeaderSize
	data := item.data

	for first := true; first || len(data) > 0; first = false {
		n := min(len(data), chunkSize)
		chunk := data[:n]
		data = data[n:]

		var flags uint16
		if len(data) == 0 {
			flags = protocol.FrameFlagEnd
		}

		header := &protocol.FrameHeader{
			Type:     item.frameType,
			StreamID: item.stream.byteID,
			Sequence: item.stream.nextSeq(),
			Flags:    flags,
		}

		if err := protocol.WriteFrame(c.link, header, chunk); err != nil {
			return fmt.Errorf("link write failed: %w", err)
		}
	}

	messages := uint64(0)
	if item.frameType == protocol.FrameData {
		messages = 1
	}
	c.AddSent(uint64(len(item.data)), messages)

	return nil
}

// readLoop owns the inbound side of the link: it reads frames, keeps the
// receive counters, and demultiplexes by stream id.
func (c *MuxConn) readLoop() {
	for {
		header, payload, err := protocol.ReadFrame(c.link)
		if err != nil {
			c.terminate(err)
			return
		}

		// Counters move for every frame, including ones dropped below
		messages := uint64(0)
		if header.Type == protocol.FrameData && header.HasFlag(protocol.FrameFlagEnd) {
			messages = 1
		}
		c.AddReceived(uint64(len(payload)), messages)

		c.handleFrame(header, payload)
	}
}

func (c *MuxConn) handleFrame(header *protocol.FrameHeader, payload []byte) {
	switch header.Type {
	case protocol.FrameOpen:
		if existing := c.lookupMux(header.StreamID); existing != nil {
			c.logger.WithField("stream", header.StreamID).Warn("⚠️  OPEN for already-used stream id, ignoring")
			return
		}
		s := newMuxStream(c, header.StreamID, string(payload))
		c.trackMux(s)
		c.EmitStream(s)

	case protocol.FrameData:
		s := c.lookupMux(header.StreamID)
		if s == nil {
			// Acceptable-loss boundary: no buffering of orphaned frames
			c.logger.WithField("stream", header.StreamID).Debug("Dropping frame for unknown stream id")
			return
		}
		s.recvBuf = append(s.recvBuf, payload...)
		if header.HasFlag(protocol.FrameFlagEnd) {
			msg := s.recvBuf
			s.recvBuf = nil
			s.EmitData(msg)
		}

	case protocol.FrameClose:
		if s := c.lookupMux(header.StreamID); s != nil {
			c.releaseMux(s)
			s.EmitClosed()
		}

	case protocol.FrameAbort:
		if s := c.lookupMux(header.StreamID); s != nil {
			c.releaseMux(s)
			s.EmitError(fmt.Errorf("stream aborted by remote: %s", payload))
		}
	}
}

// ===== MUX STREAM =====

// MuxStream is one logical stream over a MuxConn
type MuxStream struct {
	*BaseStream

	conn   *MuxConn
	byteID uint8

	seq     uint16 // outbound chunk counter, touched only by the drain loop
	recvBuf []byte // inbound reassembly, touched only by the read loop
}

func newMuxStream(c *MuxConn, id uint8, protocolID string) *MuxStream {
	return &MuxStream{
		BaseStream: NewBaseStream(fmt.Sprintf("%d", id), protocolID),
		conn:       c,
		byteID:     id,
	}
}

func (s *MuxStream) nextSeq() uint16 {
	seq := s.seq
	s.seq++
	return seq
}

// Send queues one whole message for transmission and waits until it is on
// the wire. No retry happens at this layer.
func (s *MuxStream) Send(ctx context.Context, data []byte) error {
	if s.State() != StreamOpen {
		return ErrStreamClosed
	}
	return s.conn.enqueue(ctx, &muxSendItem{stream: s, frameType: protocol.FrameData, data: data})
}

// Close performs an orderly close: a CLOSE frame to the remote, then local
// teardown. Safe to call more than once.
func (s *MuxStream) Close() error {
	if !s.SetState(StreamClosing) {
		return nil
	}

	// Best effort; the connection may already be gone
	s.conn.enqueue(context.Background(), &muxSendItem{stream: s, frameType: protocol.FrameClose})

	s.conn.releaseMux(s)
	s.EmitClosed()
	return nil
}

// Abort moves the stream to the error state and tells the remote
func (s *MuxStream) Abort(err error) {
	if s.State().Terminal() {
		return
	}

	var reason []byte
	if err != nil {
		reason = []byte(err.Error())
	}
	s.conn.enqueue(context.Background(), &muxSendItem{stream: s, frameType: protocol.FrameAbort, data: reason})

	s.conn.releaseMux(s)
	s.EmitError(err)
}
