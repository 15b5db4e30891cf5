// Package worker implements the worker endpoint: it dials the proxy,
// registers, and thereafter loops an ASR engine over audio chunks routed to
// it by the proxy's worker channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sttdispatch/sttd/internal/asr"
	"github.com/sttdispatch/sttd/internal/logging"
	"github.com/sttdispatch/sttd/internal/metrics"
	"github.com/sttdispatch/sttd/internal/pcm"
	"github.com/sttdispatch/sttd/internal/protocol"
)

// magicTimeout bounds only the magic-number read of each iteration; once the
// magic arrives, the rest of the frame is read without a deadline.
const magicTimeout = 5 * time.Second

// Config configures one worker endpoint.
type Config struct {
	ProxyAddr string
	IP        [4]byte
	Port      uint16

	Engine  asr.Engine
	Tokens  string
	Encoder string
	Decoder string
	Joiner  string

	Logger *slog.Logger
}

// Worker is one registered worker connection and its ASR engine.
type Worker struct {
	cfg       Config
	logger    *slog.Logger
	serialNo  atomic.Value // protocol.SerialNo
	available atomic.Bool
}

// New constructs a Worker from cfg. cfg.Engine must already be non-nil; Run
// calls Engine.Init before dialing the proxy, matching the spec's policy
// that an engine-init failure is fatal before any network I/O happens.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	w := &Worker{cfg: cfg, logger: logger}
	w.available.Store(true)
	return w
}

// Available reports the worker's last-known availability.
func (w *Worker) Available() bool { return w.available.Load() }

// Run initializes the ASR engine, dials the proxy, registers, and serves
// the read loop until ctx is cancelled or the connection fails terminally.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.cfg.Engine.Init(w.cfg.Tokens, w.cfg.Encoder, w.cfg.Decoder, w.cfg.Joiner); err != nil {
		metrics.IncError(metrics.ErrEngineInit)
		return fmt.Errorf("worker: engine init: %w", err)
	}
	defer func() {
		if err := w.cfg.Engine.Close(); err != nil {
			w.logger.Warn("engine_close_failed", "error", err)
		}
	}()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", w.cfg.ProxyAddr)
	if err != nil {
		return fmt.Errorf("worker: dial proxy: %w", err)
	}
	defer conn.Close()
	w.logger.Info("worker_connected", "proxy", w.cfg.ProxyAddr)

	reg := protocol.Register{IP: w.cfg.IP, Port: w.cfg.Port}
	if err := (protocol.Codec{}).Encode(conn, protocol.Handler, protocol.PacketRegister, protocol.EncodeRegister(reg)); err != nil {
		return fmt.Errorf("worker: send register: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	return w.readLoop(ctx, conn)
}

func (w *Worker) readLoop(ctx context.Context, conn net.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := protocol.ReadMagicTimeout(conn, magicTimeout); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				w.logger.Info("proxy_connection_closed")
				return nil
			}
			var ne net.Error
			if errorsAsTimeout(err, &ne) {
				// Heartbeat path: no traffic for magicTimeout means the
				// worker is free again.
				w.available.Store(true)
				continue
			}
			if errors.Is(err, protocol.ErrMagicMismatch) {
				w.logger.Warn("bad_magic")
				metrics.IncMalformed()
				continue
			}
			w.logger.Debug("magic_read_error", "error", err)
			return fmt.Errorf("worker: read magic: %w", err)
		}
		if err := w.handleFrame(ctx, conn); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
	}
}

func errorsAsTimeout(err error, target *net.Error) bool {
	return errors.As(err, target) && (*target).Timeout()
}

func (w *Worker) handleFrame(ctx context.Context, conn net.Conn) error {
	e, p, err := protocol.ReadHeaderRest(conn)
	if err != nil {
		return err
	}
	switch {
	case e == protocol.Handler && p == protocol.PacketRegOk:
		payload, err := protocol.ReadPayload(conn, protocol.SerialNoSize)
		if err != nil {
			return err
		}
		sn, err := protocol.DecodeSerialNo(payload)
		if err != nil {
			return nil
		}
		w.serialNo.Store(sn)
		w.logger.Info("registered", "serial_no", sn.String())
	case e == protocol.Handler && p == protocol.PacketStatus:
		return w.sendAlive(conn)
	case e == protocol.Client && p == protocol.PacketData:
		payload, err := protocol.ReadPayload(conn, protocol.IOChunkSize)
		if err != nil {
			return err
		}
		chunk, err := protocol.DecodeIOChunk(payload)
		if err != nil {
			return nil
		}
		return w.handleData(conn, chunk)
	case e == protocol.Client && p == protocol.PacketEos:
		payload, err := protocol.ReadPayload(conn, protocol.ConnectionInfoSize)
		if err != nil {
			return err
		}
		if _, err := protocol.DecodeConnectionInfo(payload); err != nil {
			return nil
		}
		return w.handleEos(conn)
	default:
		n := protocol.PayloadSize(p)
		if n > 0 {
			_, _ = protocol.ReadPayload(conn, n)
		}
	}
	return nil
}

func (w *Worker) handleData(conn net.Conn, chunk protocol.IOChunk) error {
	w.available.Store(false)
	metrics.IncAudioChunkRx()
	if chunk.Length%2 != 0 {
		w.logger.Warn("odd_length_pcm_dropped", "length", chunk.Length)
		metrics.IncError(metrics.ErrInvalidPcm)
		return nil
	}
	samples, err := pcm.ToFloat32(chunk.Data[:chunk.Length])
	if err != nil {
		w.logger.Warn("pcm_decode_failed", "error", err)
		return nil
	}
	text, err := w.cfg.Engine.Transcribe(samples)
	if err != nil {
		w.logger.Warn("transcribe_failed", "error", err)
		metrics.IncError(metrics.ErrASRFailure)
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return w.sendResult(conn, chunk.SerialNo, chunk.ClientId, text)
}

func (w *Worker) sendResult(conn net.Conn, sn protocol.SerialNo, cid protocol.ClientId, text string) error {
	buf := []byte(text)
	if len(buf) > protocol.IOChunkDataSize {
		w.logger.Warn("transcript_truncated", "length", len(buf))
		buf = buf[:protocol.IOChunkDataSize]
	}
	var data [protocol.IOChunkDataSize]byte
	copy(data[:], buf)
	out := protocol.IOChunk{Mode: protocol.ModeServer, SerialNo: sn, ClientId: cid, Length: uint16(len(buf)), Data: data}
	if err := (protocol.Codec{}).Encode(conn, protocol.Handler, protocol.PacketData, protocol.EncodeIOChunk(out)); err != nil {
		return fmt.Errorf("worker: send result: %w", err)
	}
	metrics.IncResultChunkTx()
	return nil
}

// handleEos resets the engine for the next session and immediately signals
// availability, rather than waiting for the next magic-number timeout.
func (w *Worker) handleEos(conn net.Conn) error {
	if err := w.cfg.Engine.Reset(); err != nil {
		w.logger.Warn("engine_reset_failed", "error", err)
	}
	w.available.Store(true)
	return w.sendAlive(conn)
}

func (w *Worker) sendAlive(conn net.Conn) error {
	sn, _ := w.serialNo.Load().(protocol.SerialNo)
	alive := protocol.Alive{SerialNo: sn, Available: w.available.Load()}
	if err := (protocol.Codec{}).Encode(conn, protocol.Handler, protocol.PacketAck, protocol.EncodeAlive(alive)); err != nil {
		return fmt.Errorf("worker: send alive: %w", err)
	}
	return nil
}
