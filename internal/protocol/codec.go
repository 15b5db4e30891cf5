package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Sentinel errors so callers can classify failures with errors.Is.
var (
	ErrMagicMismatch   = errors.New("protocol: magic mismatch")
	ErrTruncatedHeader = errors.New("protocol: truncated header")
	ErrTruncatedPayload = errors.New("protocol: truncated payload")
	ErrUnknownPacket   = errors.New("protocol: unknown packet type")
)

// Frame is a decoded header plus its raw payload bytes (caller decodes the
// concrete payload type once it knows the (EndpointType, PacketType) pair).
type Frame struct {
	EType   EndpointType
	PType   PacketType
	Payload []byte
}

// Codec is a stateless encoder/decoder for the frame wire format. Mirrors
// the shape of a typical fixed-header-plus-payload binary codec: no
// internal buffering, every call operates directly against an io.Reader or
// io.Writer.
type Codec struct{}

// Encode writes a complete frame (header + payload) to w.
func (Codec) Encode(w io.Writer, e EndpointType, p PacketType, payload []byte) error {
	hdr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(hdr[0:2], Magic)
	hdr[2] = byte(e)
	hdr[3] = byte(p)
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ReadMagicTimeout reads the 2-byte magic with a read deadline applied only
// to this read; per the wire contract, once the magic has arrived the
// counterparty has committed to the rest of the frame and subsequent reads
// are unbounded. conn must support SetReadDeadline; pass a zero timeout to
// skip setting a deadline.
func ReadMagicTimeout(conn net.Conn, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("protocol: set read deadline: %w", err)
		}
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}
	var buf [2]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return wrapMagicErr(err)
	}
	if binary.BigEndian.Uint16(buf[:]) != Magic {
		return ErrMagicMismatch
	}
	return nil
}

func wrapMagicErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
}

// ReadHeaderRest reads the e_type and p_type bytes that follow a magic
// already consumed by ReadMagicTimeout (or ReadMagic below).
func ReadHeaderRest(r io.Reader) (EndpointType, PacketType, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
	}
	return EndpointType(buf[0]), PacketType(buf[1]), nil
}

// ReadMagic reads the 2-byte magic with no deadline, for callers (the
// client's ConnOk wait and result loop) that manage their own read
// deadlines via SetReadDeadline.
func ReadMagic(ctx context.Context, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return wrapMagicErr(err)
	}
	if binary.BigEndian.Uint16(buf[:]) != Magic {
		return ErrMagicMismatch
	}
	return nil
}

// ReadPayload reads exactly n bytes of payload for p from r, or returns
// ErrTruncatedPayload on a short read/EOF. Pass n = PayloadSize(p).
func ReadPayload(r io.Reader, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedPayload, err)
	}
	return buf, nil
}

// ReadFrame reads one full frame (magic already bounded by the caller via
// ReadMagic/ReadMagicTimeout): e_type, p_type, and payload.
func ReadFrame(r io.Reader) (Frame, error) {
	e, p, err := ReadHeaderRest(r)
	if err != nil {
		return Frame{}, err
	}
	n := PayloadSize(p)
	if n < 0 {
		return Frame{EType: e, PType: p}, ErrUnknownPacket
	}
	payload, err := ReadPayload(r, n)
	if err != nil {
		return Frame{}, err
	}
	return Frame{EType: e, PType: p, Payload: payload}, nil
}

// EncodeRegister serializes a Register payload.
func EncodeRegister(r Register) []byte {
	buf := make([]byte, RegisterSize)
	copy(buf[0:4], r.IP[:])
	binary.BigEndian.PutUint16(buf[4:6], r.Port)
	return buf
}

// DecodeRegister parses a Register payload.
func DecodeRegister(b []byte) (Register, error) {
	if len(b) != RegisterSize {
		return Register{}, fmt.Errorf("%w: register", ErrTruncatedPayload)
	}
	var r Register
	copy(r.IP[:], b[0:4])
	r.Port = binary.BigEndian.Uint16(b[4:6])
	return r, nil
}

// SerialNoFromRegister derives the SerialNo a worker is known by from its
// advertised Register payload.
func SerialNoFromRegister(r Register) SerialNo {
	var sn SerialNo
	copy(sn[0:4], r.IP[:])
	binary.BigEndian.PutUint16(sn[4:6], r.Port)
	return sn
}

// EncodeSerialNo serializes a bare SerialNo payload (RegOk).
func EncodeSerialNo(sn SerialNo) []byte {
	buf := make([]byte, SerialNoSize)
	copy(buf, sn[:])
	return buf
}

// DecodeSerialNo parses a bare SerialNo payload.
func DecodeSerialNo(b []byte) (SerialNo, error) {
	if len(b) != SerialNoSize {
		return SerialNo{}, fmt.Errorf("%w: serial_no", ErrTruncatedPayload)
	}
	var sn SerialNo
	copy(sn[:], b)
	return sn, nil
}

// EncodeAlive serializes an Alive/Ack payload.
func EncodeAlive(a Alive) []byte {
	buf := make([]byte, AliveSize)
	copy(buf[0:SerialNoSize], a.SerialNo[:])
	if a.Available {
		buf[SerialNoSize] = 1
	}
	return buf
}

// DecodeAlive parses an Alive/Ack payload.
func DecodeAlive(b []byte) (Alive, error) {
	if len(b) != AliveSize {
		return Alive{}, fmt.Errorf("%w: alive", ErrTruncatedPayload)
	}
	var a Alive
	copy(a.SerialNo[:], b[0:SerialNoSize])
	a.Available = b[SerialNoSize] != 0
	return a, nil
}

// EncodeConnectionInfo serializes a ConnectionInfo payload (ConnOk/Eos).
func EncodeConnectionInfo(c ConnectionInfo) []byte {
	buf := make([]byte, ConnectionInfoSize)
	copy(buf[0:SerialNoSize], c.SerialNo[:])
	binary.BigEndian.PutUint32(buf[SerialNoSize:SerialNoSize+4], uint32(c.ClientId))
	return buf
}

// DecodeConnectionInfo parses a ConnectionInfo payload.
func DecodeConnectionInfo(b []byte) (ConnectionInfo, error) {
	if len(b) != ConnectionInfoSize {
		return ConnectionInfo{}, fmt.Errorf("%w: connection_info", ErrTruncatedPayload)
	}
	var c ConnectionInfo
	copy(c.SerialNo[:], b[0:SerialNoSize])
	c.ClientId = ClientId(binary.BigEndian.Uint32(b[SerialNoSize : SerialNoSize+4]))
	return c, nil
}

// EncodeIOChunk serializes an IOChunk payload.
func EncodeIOChunk(c IOChunk) []byte {
	buf := make([]byte, IOChunkSize)
	off := 0
	buf[off] = byte(c.Mode)
	off++
	copy(buf[off:off+SerialNoSize], c.SerialNo[:])
	off += SerialNoSize
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(c.ClientId))
	off += 4
	binary.BigEndian.PutUint16(buf[off:off+2], c.Length)
	off += 2
	copy(buf[off:off+IOChunkDataSize], c.Data[:])
	return buf
}

// DecodeIOChunk parses an IOChunk payload.
func DecodeIOChunk(b []byte) (IOChunk, error) {
	if len(b) != IOChunkSize {
		return IOChunk{}, fmt.Errorf("%w: io_chunk", ErrTruncatedPayload)
	}
	var c IOChunk
	off := 0
	c.Mode = IOMode(b[off])
	off++
	copy(c.SerialNo[:], b[off:off+SerialNoSize])
	off += SerialNoSize
	c.ClientId = ClientId(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	c.Length = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	copy(c.Data[:], b[off:off+IOChunkDataSize])
	return c, nil
}

// EncodeTranscribeResult serializes a TranscribeResult payload.
func EncodeTranscribeResult(r TranscribeResult) []byte {
	buf := make([]byte, TranscribeResultSize)
	binary.BigEndian.PutUint16(buf[0:2], r.Length)
	copy(buf[2:2+IOChunkDataSize], r.Data[:])
	return buf
}

// DecodeTranscribeResult parses a TranscribeResult payload.
func DecodeTranscribeResult(b []byte) (TranscribeResult, error) {
	if len(b) != TranscribeResultSize {
		return TranscribeResult{}, fmt.Errorf("%w: transcribe_result", ErrTruncatedPayload)
	}
	var r TranscribeResult
	r.Length = binary.BigEndian.Uint16(b[0:2])
	copy(r.Data[:], b[2:2+IOChunkDataSize])
	return r, nil
}
