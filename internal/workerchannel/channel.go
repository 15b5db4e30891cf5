// Package workerchannel implements the per-worker mailbox: a single
// goroutine that owns a worker's write-half and the write-halves of every
// client currently attached to it, draining a bounded queue of typed
// messages so no socket is ever touched from two goroutines at once.
//
// This generalizes the single-goroutine-owns-the-writer shape of a classic
// fan-in async transmitter from one payload type to the nine message kinds
// below, and swaps that transmitter's non-blocking "drop on full buffer"
// enqueue for a blocking one: the spec calls for backpressure (a full
// mailbox stalls its producer) rather than silent frame loss.
package workerchannel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sttdispatch/sttd/internal/logging"
	"github.com/sttdispatch/sttd/internal/metrics"
	"github.com/sttdispatch/sttd/internal/protocol"

	"log/slog"
)

// DefaultCapacity is the default bounded mailbox size.
const DefaultCapacity = 20

// ErrClosed is returned by Send once the channel has been detached.
var ErrClosed = errors.New("workerchannel: closed")

// Attach installs the worker's write-half.
type Attach struct{ Writer net.Conn }

// RegisterOk requests emitting RegOk{sn} to the worker.
type RegisterOk struct{}

// Status requests a liveness probe: a best-effort nudge to every client
// writer followed by a real Status packet to the worker.
type Status struct{}

// AliveUpdate records the worker's self-reported availability and echoes
// an Ack back to it.
type AliveUpdate struct{ Available bool }

// ConnOk attaches a new client writer under clientID and emits ConnOk to it.
type ConnOk struct {
	ClientID protocol.ClientId
	Writer   net.Conn
}

// ClientData forwards an audio chunk to the worker.
type ClientData struct{ Chunk protocol.IOChunk }

// ServerData forwards a transcribed chunk to the client matching its ClientId.
type ServerData struct{ Chunk protocol.IOChunk }

// Eos forwards an end-of-stream notice to the worker.
type Eos struct{ ClientID protocol.ClientId }

// Detach shuts the worker write-half down and terminates the mailbox.
type Detach struct{}

// Channel is the mailbox actor for one registered worker.
type Channel struct {
	serialNo protocol.SerialNo
	ch       chan any
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger

	available    atomic.Bool
	streamClosed atomic.Bool
	closed       atomic.Bool

	mu            sync.Mutex // guards clientWriters; only the loop goroutine mutates them or touches workerWriter
	workerWriter  net.Conn
	clientWriters map[protocol.ClientId]net.Conn
}

// New starts a mailbox actor for sn with the given bounded capacity.
func New(parent context.Context, sn protocol.SerialNo, capacity int, logger *slog.Logger) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logging.L()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Channel{
		serialNo:      sn,
		ch:            make(chan any, capacity),
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With("serial_no", sn.String()),
		clientWriters: make(map[protocol.ClientId]net.Conn),
	}
	c.available.Store(true)
	c.wg.Add(1)
	go c.loop()
	return c
}

// SerialNo returns the worker identity this mailbox drains for.
func (c *Channel) SerialNo() protocol.SerialNo { return c.serialNo }

// Available reports the worker's last self-reported availability.
func (c *Channel) Available() bool { return c.available.Load() }

// SetAvailable flips availability directly through the atomic, bypassing
// the mailbox. The proxy's Connect path uses this so its worker-selection
// critical section never has to wait on a (possibly full) mailbox.
func (c *Channel) SetAvailable(v bool) { c.available.Store(v) }

// StreamClosed reports whether the worker writer has failed; the GC sweep
// uses this to evict the record.
func (c *Channel) StreamClosed() bool { return c.streamClosed.Load() }

// MarkStreamClosed records that the worker's reader half has terminated
// (EOF or I/O error), so the next GC sweep evicts this record even though
// no write to the worker necessarily failed.
func (c *Channel) MarkStreamClosed() { c.streamClosed.Store(true) }

// QueueDepth returns the number of messages currently queued.
func (c *Channel) QueueDepth() int { return len(c.ch) }

// ClientCount returns the number of attached client writers.
func (c *Channel) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clientWriters)
}

// Send enqueues msg, blocking if the mailbox is full (the spec's
// backpressure contract) until the message is accepted, the channel is
// closed, or ctx is cancelled.
func (c *Channel) Send(ctx context.Context, msg any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.ch <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close requests the mailbox detach and blocks until its goroutine exits.
func (c *Channel) Close() {
	if c.closed.Swap(true) {
		return
	}
	select {
	case c.ch <- Detach{}:
	default:
		// Mailbox full; cancel directly instead of blocking the caller.
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Channel) loop() {
	defer c.wg.Done()
	defer c.cancel()
	for {
		select {
		case msg, ok := <-c.ch:
			if !ok {
				return
			}
			if c.handle(msg) {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// handle processes one message; returns true if the mailbox should stop.
func (c *Channel) handle(msg any) bool {
	switch m := msg.(type) {
	case Attach:
		c.workerWriter = m.Writer
	case RegisterOk:
		c.writeToWorker(protocol.Handler, protocol.PacketRegOk, protocol.EncodeSerialNo(c.serialNo))
	case Status:
		c.probeClients()
		c.writeToWorker(protocol.Handler, protocol.PacketStatus, nil)
	case AliveUpdate:
		c.available.Store(m.Available)
		c.writeToWorker(protocol.Handler, protocol.PacketAck, protocol.EncodeAlive(protocol.Alive{SerialNo: c.serialNo, Available: m.Available}))
	case ConnOk:
		c.mu.Lock()
		c.clientWriters[m.ClientID] = m.Writer
		n := len(c.clientWriters)
		c.mu.Unlock()
		metrics.SetClientWritersActive(n)
		c.writeToClient(m.Writer, m.ClientID, protocol.PacketConnOk, protocol.EncodeConnectionInfo(protocol.ConnectionInfo{SerialNo: c.serialNo, ClientId: m.ClientID}))
	case ClientData:
		metrics.IncAudioChunkRx()
		c.writeToWorker(protocol.Client, protocol.PacketData, protocol.EncodeIOChunk(m.Chunk))
	case ServerData:
		c.forwardResult(m.Chunk)
	case Eos:
		c.handleEos(m.ClientID)
	case Detach:
		if c.workerWriter != nil {
			_ = c.workerWriter.Close()
		}
		return true
	}
	return false
}

// handleEos detaches cid's client writer and forwards the notice to the
// worker, but only the first time: a client whose writer is no longer
// attached has already had its Eos processed (or was superseded by a new
// ConnOk claim on this worker before its duplicate arrived), so a second
// Eos for it is dropped rather than re-forwarded and resetting whichever
// session the worker is now serving.
func (c *Channel) handleEos(cid protocol.ClientId) {
	c.mu.Lock()
	_, attached := c.clientWriters[cid]
	if attached {
		delete(c.clientWriters, cid)
	}
	n := len(c.clientWriters)
	c.mu.Unlock()
	if !attached {
		c.logger.Debug("duplicate_eos_dropped", "client_id", cid)
		return
	}
	metrics.SetClientWritersActive(n)
	c.writeToWorker(protocol.Client, protocol.PacketEos, protocol.EncodeConnectionInfo(protocol.ConnectionInfo{SerialNo: c.serialNo, ClientId: cid}))
}

func (c *Channel) writeToWorker(e protocol.EndpointType, p protocol.PacketType, payload []byte) {
	if c.workerWriter == nil {
		return
	}
	if err := (protocol.Codec{}).Encode(c.workerWriter, e, p, payload); err != nil {
		c.logger.Warn("worker_write_failed", "packet", p.String(), "error", err)
		c.streamClosed.Store(true)
		metrics.IncError(metrics.ErrTCPWrite)
	}
}

func (c *Channel) writeToClient(w net.Conn, cid protocol.ClientId, p protocol.PacketType, payload []byte) {
	if err := (protocol.Codec{}).Encode(w, protocol.Client, p, payload); err != nil {
		c.logger.Debug("client_write_failed", "client_id", cid, "packet", p.String(), "error", err)
		c.dropClient(cid)
	}
}

// forwardResult writes a Result frame to the client matching the chunk's
// ClientId; a missing entry silently drops the frame.
func (c *Channel) forwardResult(chunk protocol.IOChunk) {
	c.mu.Lock()
	w, ok := c.clientWriters[chunk.ClientId]
	c.mu.Unlock()
	if !ok {
		return
	}
	result := protocol.TranscribeResult{Length: chunk.Length, Data: chunk.Data}
	if err := (protocol.Codec{}).Encode(w, protocol.Client, protocol.PacketResult, protocol.EncodeTranscribeResult(result)); err != nil {
		c.logger.Debug("result_write_failed", "client_id", chunk.ClientId, "error", err)
		c.dropClient(chunk.ClientId)
		return
	}
	metrics.IncResultChunkTx()
}

// dropClient removes and closes a client writer. It is only called from the
// loop goroutine; the map mutation still takes mu because ClientCount reads
// the map from other goroutines.
func (c *Channel) dropClient(cid protocol.ClientId) {
	c.mu.Lock()
	w, ok := c.clientWriters[cid]
	if ok {
		delete(c.clientWriters, cid)
	}
	n := len(c.clientWriters)
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = w.Close()
	metrics.SetClientWritersActive(n)
}

// probeClients writes a zero-length nudge to every client writer, dropping
// any whose write fails. A zero-length write does not reliably detect a
// peer that has gone away without an RST, but it costs nothing and catches
// the common case (explicit FIN) between heartbeat intervals; the
// authoritative eviction path remains a failed Result/ConnOk write.
func (c *Channel) probeClients() {
	c.mu.Lock()
	writers := make(map[protocol.ClientId]net.Conn, len(c.clientWriters))
	for cid, w := range c.clientWriters {
		writers[cid] = w
	}
	c.mu.Unlock()
	for cid, w := range writers {
		if _, err := w.Write(nil); err != nil {
			c.logger.Debug("client_probe_failed", "client_id", cid, "error", err)
			c.dropClient(cid)
		}
	}
}
