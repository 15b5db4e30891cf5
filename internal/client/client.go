// Package client implements the two client-facing modes described by the
// dispatcher protocol: a framed protocol mode (Connect/Data/Eos/Result) and
// a raw mode that just streams a whole file and prints whatever comes back,
// used for talking to servers that don't speak the chunked protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sttdispatch/sttd/internal/logging"
	"github.com/sttdispatch/sttd/internal/protocol"
)

const (
	// DefaultConnectTimeout bounds the initial TCP dial.
	DefaultConnectTimeout = 20 * time.Second
	// DefaultIdleTimeout bounds each read while waiting for server output;
	// exceeding it without any bytes ends the session, not an error.
	DefaultIdleTimeout = 2 * time.Second
)

// ErrRejected is returned by RunProtocol when the proxy has no available
// worker to service the connection.
var ErrRejected = errors.New("client: connection rejected, no available worker")

// Config configures a client session.
type Config struct {
	ProxyAddr      string
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	Logger         *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.Logger == nil {
		out.Logger = logging.L()
	}
	return out
}

func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", cfg.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return conn, nil
}

// RunRaw writes wavPath's bytes over a fresh connection and prints every
// newline-delimited, non-empty line the proxy writes back until IdleTimeout
// elapses with no data or the connection closes.
func RunRaw(ctx context.Context, wavPath string, cfg Config) error {
	cfg = cfg.withDefaults()
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return fmt.Errorf("client: read %s: %w", wavPath, err)
	}
	conn, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("client: write payload: %w", err)
	}

	buf := make([]byte, 1024)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout)); err != nil {
			return fmt.Errorf("client: set read deadline: %w", err)
		}
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				if line != "" {
					fmt.Printf("received for %s: %s\n", wavPath, line)
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				cfg.Logger.Debug("raw_idle_timeout", "file", wavPath)
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("client: read: %w", err)
		}
	}
}

// RunProtocol streams wavPath as 1024-byte Data chunks under the chunked
// protocol: Connect, wait for ConnOk/ConnRejected, stream chunks, Eos, then
// print every Result that arrives until IdleTimeout elapses with nothing new.
func RunProtocol(ctx context.Context, wavPath string, cfg Config) error {
	cfg = cfg.withDefaults()
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return fmt.Errorf("client: read %s: %w", wavPath, err)
	}
	conn, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := (protocol.Codec{}).Encode(conn, protocol.Client, protocol.PacketConnect, nil); err != nil {
		return fmt.Errorf("client: send connect: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(cfg.ConnectTimeout)); err != nil {
		return fmt.Errorf("client: set read deadline: %w", err)
	}
	if err := protocol.ReadMagic(ctx, conn); err != nil {
		return fmt.Errorf("client: await conn_ok: %w", err)
	}
	fr, err := protocol.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("client: decode first frame: %w", err)
	}
	if fr.PType == protocol.PacketConnRejected {
		return ErrRejected
	}
	if fr.PType != protocol.PacketConnOk {
		return fmt.Errorf("client: unexpected first frame %v", fr.PType)
	}
	info, err := protocol.DecodeConnectionInfo(fr.Payload)
	if err != nil {
		return fmt.Errorf("client: decode conn_ok: %w", err)
	}
	cfg.Logger.Info("connected", "serial_no", info.SerialNo.String(), "client_id", info.ClientId)

	resultsDone := make(chan error, 1)
	go func() { resultsDone <- readResults(conn, cfg.IdleTimeout, wavPath) }()

	if err := streamChunks(conn, data, info); err != nil {
		return err
	}
	if err := (protocol.Codec{}).Encode(conn, protocol.Client, protocol.PacketEos, protocol.EncodeConnectionInfo(info)); err != nil {
		return fmt.Errorf("client: send eos: %w", err)
	}

	return <-resultsDone
}

func streamChunks(conn net.Conn, data []byte, info protocol.ConnectionInfo) error {
	for off := 0; off < len(data); off += protocol.IOChunkDataSize {
		end := off + protocol.IOChunkDataSize
		if end > len(data) {
			end = len(data)
		}
		var buf [protocol.IOChunkDataSize]byte
		copy(buf[:], data[off:end])
		chunk := protocol.IOChunk{
			Mode:     protocol.ModeClient,
			SerialNo: info.SerialNo,
			ClientId: info.ClientId,
			Length:   uint16(end - off),
			Data:     buf,
		}
		if err := (protocol.Codec{}).Encode(conn, protocol.Client, protocol.PacketData, protocol.EncodeIOChunk(chunk)); err != nil {
			return fmt.Errorf("client: send data chunk: %w", err)
		}
	}
	return nil
}

func readResults(conn net.Conn, idleTimeout time.Duration, label string) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return fmt.Errorf("client: set read deadline: %w", err)
		}
		if err := protocol.ReadMagic(context.Background(), conn); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("client: read result: %w", err)
		}
		fr, err := protocol.ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("client: decode result: %w", err)
		}
		if fr.PType != protocol.PacketResult {
			continue
		}
		result, err := protocol.DecodeTranscribeResult(fr.Payload)
		if err != nil {
			continue
		}
		text := string(result.Data[:result.Length])
		if text != "" {
			fmt.Printf("received for %s: %s\n", label, text)
		}
	}
}
