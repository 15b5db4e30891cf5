// Package proxy implements the dispatcher's central endpoint: it accepts
// worker and client TCP connections, classifies the first frame on each,
// demultiplexes steady-state traffic to the right worker mailbox, and runs
// the periodic heartbeat/GC sweep.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sttdispatch/sttd/internal/logging"
	"github.com/sttdispatch/sttd/internal/metrics"
	"github.com/sttdispatch/sttd/internal/protocol"
	"github.com/sttdispatch/sttd/internal/workerchannel"

	"github.com/google/uuid"
)

const (
	defaultMailboxCapacity = workerchannel.DefaultCapacity
	defaultReadTimeout     = 60 * time.Second
	defaultHeartbeat       = 10 * time.Second
)

// Server is the proxy endpoint.
type Server struct {
	mu   sync.RWMutex
	addr string

	roster            *Roster
	admission         *Admission
	mailboxCapacity   int
	readTimeout       time.Duration
	heartbeatInterval time.Duration
	logger            *slog.Logger

	listener  net.Listener
	readyOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error
	lastErrMu sync.Mutex
	lastErr   error
	wg        sync.WaitGroup

	nextConnID        uint64
	totalAccepted     atomic.Uint64
	totalRejectedRate atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

func New(opts ...Option) *Server {
	s := &Server{
		roster:            NewRoster(),
		mailboxCapacity:   defaultMailboxCapacity,
		readTimeout:       defaultReadTimeout,
		heartbeatInterval: defaultHeartbeat,
		readyCh:           make(chan struct{}),
		errCh:             make(chan error, 1),
		logger:            logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":8888"
	}
	return s
}

func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }
func WithAdmission(a *Admission) Option { return func(s *Server) { s.admission = a } }
func WithMailboxCapacity(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.mailboxCapacity = n
		}
	}
}
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }
func (s *Server) Roster() *Roster        { return s.roster }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

// Serve binds the listener and runs the accept loop plus the heartbeat/GC
// loop until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	addr := s.addr
	s.mu.RUnlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("proxy_listen", "addr", s.Addr())

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.heartbeatLoop(ctx) }()

	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	if !s.admission.Allow(conn.RemoteAddr()) {
		s.totalRejectedRate.Add(1)
		_ = conn.Close()
		return nil
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	traceID := uuid.NewString()
	connLogger := s.logger.With("conn_id", connID, "trace_id", traceID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConnection(ctx, conn, connLogger)
	}()
	return nil
}

// handleConnection classifies the first frame and then runs the matching
// steady-state demux loop until the connection closes.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	if err := protocol.ReadMagicTimeout(conn, s.readTimeout); err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Debug("first_frame_magic_failed", "error", err)
		}
		return
	}
	e, p, err := protocol.ReadHeaderRest(conn)
	if err != nil {
		logger.Debug("first_frame_header_failed", "error", err)
		return
	}
	switch {
	case e == protocol.Handler && p == protocol.PacketRegister:
		s.handleRegister(ctx, conn, logger)
	case e == protocol.Client && p == protocol.PacketConnect:
		s.handleConnect(ctx, conn, logger)
	default:
		logger.Debug("unexpected_first_frame", "etype", e, "ptype", p)
	}
}

func (s *Server) handleRegister(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	payload, err := protocol.ReadPayload(conn, protocol.RegisterSize)
	if err != nil {
		logger.Debug("register_payload_failed", "error", err)
		return
	}
	reg, err := protocol.DecodeRegister(payload)
	if err != nil {
		logger.Debug("register_decode_failed", "error", err)
		return
	}
	sn := protocol.SerialNoFromRegister(reg)
	logger = logger.With("serial_no", sn.String())
	ch := workerchannel.New(ctx, sn, s.mailboxCapacity, logger)
	_ = ch.Send(ctx, workerchannel.Attach{Writer: conn})
	_ = ch.Send(ctx, workerchannel.RegisterOk{})
	s.roster.Register(ch)
	metrics.IncWorkerRegistered()
	metrics.SetWorkersActive(s.roster.Len())
	logger.Info("worker_registered")
	s.workerReadLoop(ctx, conn, ch, logger)
}

// workerReadLoop demultiplexes Alive and Data(mode=Server) frames arriving
// on a registered worker's connection.
func (s *Server) workerReadLoop(ctx context.Context, conn net.Conn, ch *workerchannel.Channel, logger *slog.Logger) {
	defer ch.MarkStreamClosed()
	for {
		if err := protocol.ReadMagicTimeout(conn, s.readTimeout); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Debug("worker_conn_closed")
			} else if errors.Is(err, protocol.ErrMagicMismatch) {
				logger.Warn("worker_bad_magic", "error", err)
				metrics.IncMalformed()
				continue
			} else {
				logger.Debug("worker_read_error", "error", err)
			}
			if errors.Is(err, protocol.ErrMagicMismatch) {
				continue
			}
			return
		}
		e, p, err := protocol.ReadHeaderRest(conn)
		if err != nil {
			logger.Debug("worker_header_error", "error", err)
			return
		}
		switch {
		case e == protocol.Handler && p == protocol.PacketAck:
			payload, err := protocol.ReadPayload(conn, protocol.AliveSize)
			if err != nil {
				return
			}
			alive, err := protocol.DecodeAlive(payload)
			if err != nil {
				continue
			}
			if w, ok := s.roster.Find(alive.SerialNo); ok {
				_ = w.Send(ctx, workerchannel.AliveUpdate{Available: alive.Available})
			}
		case e == protocol.Handler && p == protocol.PacketData:
			payload, err := protocol.ReadPayload(conn, protocol.IOChunkSize)
			if err != nil {
				return
			}
			chunk, err := protocol.DecodeIOChunk(payload)
			if err != nil {
				continue
			}
			if chunk.Mode != protocol.ModeServer {
				continue
			}
			if w, ok := s.roster.Find(chunk.SerialNo); ok {
				_ = w.Send(ctx, workerchannel.ServerData{Chunk: chunk})
			}
		default:
			n := protocol.PayloadSize(p)
			if n > 0 {
				_, _ = protocol.ReadPayload(conn, n)
			}
		}
	}
}

func (s *Server) handleConnect(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	w, ok := s.roster.ClaimAvailable(func(w *workerchannel.Channel) { w.SetAvailable(false) })
	if !ok {
		metrics.IncConnectRejected()
		_ = (protocol.Codec{}).Encode(conn, protocol.Client, protocol.PacketConnRejected, nil)
		logger.Info("connect_rejected_no_worker")
		return
	}
	cid := randomClientID()
	logger = logger.With("serial_no", w.SerialNo().String(), "client_id", cid)
	if err := w.Send(ctx, workerchannel.ConnOk{ClientID: cid, Writer: conn}); err != nil {
		logger.Warn("conn_ok_enqueue_failed", "error", err)
		return
	}
	metrics.IncConnectAccepted()
	logger.Info("client_connected")
	s.clientReadLoop(ctx, conn, w, cid, logger)
}

// clientReadLoop demultiplexes Data(mode=Client) and Eos frames arriving on
// an attached client's connection.
func (s *Server) clientReadLoop(ctx context.Context, conn net.Conn, w *workerchannel.Channel, cid protocol.ClientId, logger *slog.Logger) {
	for {
		if err := protocol.ReadMagicTimeout(conn, s.readTimeout); err != nil {
			if errors.Is(err, protocol.ErrMagicMismatch) {
				logger.Warn("client_bad_magic", "error", err)
				metrics.IncMalformed()
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Debug("client_read_error", "error", err)
			}
			return
		}
		e, p, err := protocol.ReadHeaderRest(conn)
		if err != nil {
			return
		}
		switch {
		case e == protocol.Client && p == protocol.PacketData:
			payload, err := protocol.ReadPayload(conn, protocol.IOChunkSize)
			if err != nil {
				return
			}
			chunk, err := protocol.DecodeIOChunk(payload)
			if err != nil {
				continue
			}
			if chunk.Mode != protocol.ModeClient {
				continue
			}
			_ = w.Send(ctx, workerchannel.ClientData{Chunk: chunk})
		case e == protocol.Client && p == protocol.PacketEos:
			payload, err := protocol.ReadPayload(conn, protocol.ConnectionInfoSize)
			if err != nil {
				return
			}
			info, err := protocol.DecodeConnectionInfo(payload)
			if err != nil {
				continue
			}
			_ = w.Send(ctx, workerchannel.Eos{ClientID: info.ClientId})
		default:
			n := protocol.PayloadSize(p)
			if n > 0 {
				_, _ = protocol.ReadPayload(conn, n)
			}
		}
	}
}

// heartbeatLoop sends Status to every registered worker every interval,
// then sweeps the roster for workers whose stream has closed.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, w := range s.roster.Snapshot() {
				_ = w.Send(ctx, workerchannel.Status{})
			}
			removed := s.roster.Sweep()
			for i := 0; i < removed; i++ {
				metrics.IncWorkerEvicted()
			}
			metrics.SetWorkersActive(s.roster.Len())
			available := 0
			maxDepth := 0
			for _, w := range s.roster.Snapshot() {
				if w.Available() {
					available++
				}
				if d := w.QueueDepth(); d > maxDepth {
					maxDepth = d
				}
			}
			metrics.SetWorkersAvailable(available)
			metrics.SetQueueDepth(maxDepth)
		}
	}
}

// Shutdown closes the listener; in-flight connection goroutines observe
// ctx cancellation (passed to Serve) and exit on their own.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func randomClientID() protocol.ClientId {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return protocol.ClientId(binary.BigEndian.Uint32(b[:]))
}
