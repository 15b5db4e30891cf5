// Package protocol implements the wire format shared by the proxy, worker
// and client endpoints: a fixed 4-byte header (magic, endpoint type, packet
// type) followed by an optional fixed-size payload.
package protocol

import "fmt"

// Magic is the 2-byte sentinel that opens every frame.
const Magic uint16 = 0x89AB

// EndpointType distinguishes proxy<->worker traffic from proxy<->client traffic.
type EndpointType uint8

const (
	Handler EndpointType = 0
	Client  EndpointType = 1
)

func (e EndpointType) String() string {
	switch e {
	case Handler:
		return "handler"
	case Client:
		return "client"
	default:
		return fmt.Sprintf("endpoint(%d)", uint8(e))
	}
}

// PacketType enumerates the kinds of frame payloads.
type PacketType uint8

const (
	PacketRegister     PacketType = 0
	PacketRegOk        PacketType = 1
	PacketStatus       PacketType = 2
	PacketAck          PacketType = 3 // a.k.a. Alive: worker->proxy availability response
	PacketConnect      PacketType = 4
	PacketConnOk       PacketType = 5
	PacketConnRejected PacketType = 6
	PacketData         PacketType = 7
	PacketResult       PacketType = 8
	PacketEos          PacketType = 9
	PacketUnknown      PacketType = 255
)

func (p PacketType) String() string {
	switch p {
	case PacketRegister:
		return "register"
	case PacketRegOk:
		return "reg_ok"
	case PacketStatus:
		return "status"
	case PacketAck:
		return "ack"
	case PacketConnect:
		return "connect"
	case PacketConnOk:
		return "conn_ok"
	case PacketConnRejected:
		return "conn_rejected"
	case PacketData:
		return "data"
	case PacketResult:
		return "result"
	case PacketEos:
		return "eos"
	default:
		return "unknown"
	}
}

// IOMode tags the direction audio/text is flowing in an IOChunk.
type IOMode uint8

const (
	ModeClient IOMode = 0 // audio flowing client -> worker
	ModeServer IOMode = 1 // text flowing worker -> client
)

const (
	SerialNoSize         = 6
	RegisterSize         = 6
	AliveSize            = 7
	ConnectionInfoSize   = 10
	IOChunkDataSize      = 1024
	IOChunkSize          = 1 + SerialNoSize + 4 + 2 + IOChunkDataSize // mode+serial+client_id+length+data = 1037
	TranscribeResultSize = 2 + IOChunkDataSize                        // length+data = 1026
	HeaderSize           = 4                                          // magic(2) + e_type(1) + p_type(1)
)

// SerialNo uniquely names a worker inside a proxy: 4-byte IPv4 address
// followed by the 2-byte big-endian port it advertised at Register time.
type SerialNo [SerialNoSize]byte

func (s SerialNo) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", s[0], s[1], s[2], s[3], uint16(s[4])<<8|uint16(s[5]))
}

// ClientId names a client within a worker for one session's lifetime.
type ClientId uint32

// Register is the payload a worker sends to advertise its identity.
type Register struct {
	IP   [4]byte
	Port uint16
}

// Alive carries a worker's availability state (also used for Ack frames).
type Alive struct {
	SerialNo  SerialNo
	Available bool
}

// ConnectionInfo pairs a worker serial number with a client id; payload of
// ConnOk and Eos frames.
type ConnectionInfo struct {
	SerialNo SerialNo
	ClientId ClientId
}

// IOChunk is the fixed-size carrier frame for audio (mode=Client) or text
// (mode=Server) data.
type IOChunk struct {
	Mode     IOMode
	SerialNo SerialNo
	ClientId ClientId
	Length   uint16
	Data     [IOChunkDataSize]byte
}

// TranscribeResult is the shape the proxy forwards to clients.
type TranscribeResult struct {
	Length uint16
	Data   [IOChunkDataSize]byte
}

// PayloadSize returns the expected payload length for a packet type: 0 for
// packets that carry no payload (Status/Connect/ConnRejected), -1 if the
// packet type is unrecognized.
func PayloadSize(p PacketType) int {
	switch p {
	case PacketRegister:
		return RegisterSize
	case PacketRegOk:
		return SerialNoSize
	case PacketAck:
		return AliveSize
	case PacketConnOk, PacketEos:
		return ConnectionInfoSize
	case PacketData:
		return IOChunkSize
	case PacketResult:
		return TranscribeResultSize
	case PacketStatus, PacketConnect, PacketConnRejected:
		return 0
	default:
		return -1
	}
}
