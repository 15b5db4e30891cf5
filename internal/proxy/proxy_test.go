package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sttdispatch/sttd/internal/asr/stub"
	"github.com/sttdispatch/sttd/internal/protocol"
	"github.com/sttdispatch/sttd/internal/worker"
)

func startTestServer(t *testing.T) (*Server, context.CancelFunc) {
	t.Helper()
	s := New(WithListenAddr("127.0.0.1:0"), WithHeartbeatInterval(50*time.Millisecond), WithReadTimeout(2*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Serve(ctx) }()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	t.Cleanup(cancel)
	return s, cancel
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendRegister(t *testing.T, conn net.Conn, ip [4]byte, port uint16) {
	t.Helper()
	reg := protocol.Register{IP: ip, Port: port}
	if err := (protocol.Codec{}).Encode(conn, protocol.Handler, protocol.PacketRegister, protocol.EncodeRegister(reg)); err != nil {
		t.Fatalf("send register: %v", err)
	}
}

func expectFrame(t *testing.T, conn net.Conn, wantE protocol.EndpointType, wantP protocol.PacketType) protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.ReadMagic(context.Background(), conn); err != nil {
		t.Fatalf("magic: %v", err)
	}
	fr, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if fr.EType != wantE || fr.PType != wantP {
		t.Fatalf("got (%v,%v) want (%v,%v)", fr.EType, fr.PType, wantE, wantP)
	}
	return fr
}

// TestProxy_S1_SingleClientSingleWorker covers spec scenario S1: silence in,
// no Result emitted, worker returns to available.
func TestProxy_S1_SingleClientSingleWorker(t *testing.T) {
	s, _ := startTestServer(t)
	worker := dial(t, s.Addr())
	defer worker.Close()
	sendRegister(t, worker, [4]byte{127, 0, 0, 1}, 0x238C)
	fr := expectFrame(t, worker, protocol.Handler, protocol.PacketRegOk)
	sn, err := protocol.DecodeSerialNo(fr.Payload)
	if err != nil {
		t.Fatalf("decode serial no: %v", err)
	}

	client := dial(t, s.Addr())
	defer client.Close()
	if err := (protocol.Codec{}).Encode(client, protocol.Client, protocol.PacketConnect, nil); err != nil {
		t.Fatalf("send connect: %v", err)
	}
	fr = expectFrame(t, client, protocol.Client, protocol.PacketConnOk)
	info, err := protocol.DecodeConnectionInfo(fr.Payload)
	if err != nil || info.SerialNo != sn {
		t.Fatalf("conn ok mismatch: %+v %v", info, err)
	}

	var data [protocol.IOChunkDataSize]byte // all-silence PCM
	chunk := protocol.IOChunk{Mode: protocol.ModeClient, SerialNo: sn, ClientId: info.ClientId, Length: 1024, Data: data}
	if err := (protocol.Codec{}).Encode(client, protocol.Client, protocol.PacketData, protocol.EncodeIOChunk(chunk)); err != nil {
		t.Fatalf("send data: %v", err)
	}
	fr = expectFrame(t, worker, protocol.Client, protocol.PacketData)
	gotChunk, err := protocol.DecodeIOChunk(fr.Payload)
	if err != nil || gotChunk.ClientId != info.ClientId {
		t.Fatalf("worker did not receive forwarded chunk: %+v %v", gotChunk, err)
	}

	if err := (protocol.Codec{}).Encode(client, protocol.Client, protocol.PacketEos, protocol.EncodeConnectionInfo(protocol.ConnectionInfo{SerialNo: sn, ClientId: info.ClientId})); err != nil {
		t.Fatalf("send eos: %v", err)
	}
	fr = expectFrame(t, worker, protocol.Client, protocol.PacketEos)
	if _, err := protocol.DecodeConnectionInfo(fr.Payload); err != nil {
		t.Fatalf("decode eos: %v", err)
	}

	if err := (protocol.Codec{}).Encode(worker, protocol.Handler, protocol.PacketAck, protocol.EncodeAlive(protocol.Alive{SerialNo: sn, Available: true})); err != nil {
		t.Fatalf("send alive: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w, ok := s.Roster().Find(sn); ok && w.Available() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker never returned to available")
}

// TestProxy_S2_Rejection covers spec scenario S2: no workers registered.
func TestProxy_S2_Rejection(t *testing.T) {
	s, _ := startTestServer(t)
	client := dial(t, s.Addr())
	defer client.Close()
	if err := (protocol.Codec{}).Encode(client, protocol.Client, protocol.PacketConnect, nil); err != nil {
		t.Fatalf("send connect: %v", err)
	}
	expectFrame(t, client, protocol.Client, protocol.PacketConnRejected)
}

// TestProxy_S3_RaceForOneWorker covers spec scenario S3: exactly one ConnOk,
// exactly one ConnRejected for two simultaneous Connects against one worker.
func TestProxy_S3_RaceForOneWorker(t *testing.T) {
	s, _ := startTestServer(t)
	worker := dial(t, s.Addr())
	defer worker.Close()
	sendRegister(t, worker, [4]byte{127, 0, 0, 1}, 0x238C)
	expectFrame(t, worker, protocol.Handler, protocol.PacketRegOk)

	clientA := dial(t, s.Addr())
	defer clientA.Close()
	clientB := dial(t, s.Addr())
	defer clientB.Close()

	results := make(chan protocol.PacketType, 2)
	for _, c := range []net.Conn{clientA, clientB} {
		c := c
		go func() {
			if err := (protocol.Codec{}).Encode(c, protocol.Client, protocol.PacketConnect, nil); err != nil {
				results <- protocol.PacketUnknown
				return
			}
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			if err := protocol.ReadMagic(context.Background(), c); err != nil {
				results <- protocol.PacketUnknown
				return
			}
			fr, err := protocol.ReadFrame(c)
			if err != nil {
				results <- protocol.PacketUnknown
				return
			}
			results <- fr.PType
		}()
	}
	var okCount, rejectCount int
	for i := 0; i < 2; i++ {
		switch <-results {
		case protocol.PacketConnOk:
			okCount++
		case protocol.PacketConnRejected:
			rejectCount++
		}
	}
	if okCount != 1 || rejectCount != 1 {
		t.Fatalf("expected exactly 1 ok and 1 rejected, got ok=%d rejected=%d", okCount, rejectCount)
	}
}

// TestProxy_S4_BadMagic covers spec scenario S4: bad magic closes only that
// connection; other sessions are unaffected.
func TestProxy_S4_BadMagic(t *testing.T) {
	s, _ := startTestServer(t)
	bad := dial(t, s.Addr())
	if _, err := bad.Write([]byte{0xDE, 0xAD, 0x00, 0x04}); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 1)
	_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bad.Read(buf); err == nil {
		t.Fatalf("expected proxy to close the bad-magic connection")
	}
	bad.Close()

	// A subsequent, well-formed session still works.
	worker := dial(t, s.Addr())
	defer worker.Close()
	sendRegister(t, worker, [4]byte{127, 0, 0, 1}, 0x238C)
	expectFrame(t, worker, protocol.Handler, protocol.PacketRegOk)
}

// TestProxy_S6_StreamingContinuity covers spec scenario S6: a long,
// in-order run of Data frames over one session produces exactly one engine
// Reset, triggered by the session's Eos, not by anything mid-stream.
func TestProxy_S6_StreamingContinuity(t *testing.T) {
	s, _ := startTestServer(t)

	engine := stub.New()
	w := worker.New(worker.Config{ProxyAddr: s.Addr(), IP: [4]byte{127, 0, 0, 1}, Port: 0x238C, Engine: engine})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	var sn protocol.SerialNo
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Roster().Len() == 1 {
			for _, ch := range s.Roster().Snapshot() {
				sn = ch.SerialNo()
			}
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sn == (protocol.SerialNo{}) {
		t.Fatal("worker never registered")
	}

	client := dial(t, s.Addr())
	defer client.Close()
	if err := (protocol.Codec{}).Encode(client, protocol.Client, protocol.PacketConnect, nil); err != nil {
		t.Fatalf("send connect: %v", err)
	}
	fr := expectFrame(t, client, protocol.Client, protocol.PacketConnOk)
	info, err := protocol.DecodeConnectionInfo(fr.Payload)
	if err != nil {
		t.Fatalf("decode conn ok: %v", err)
	}

	const frames = 100
	for i := 0; i < frames; i++ {
		var data [protocol.IOChunkDataSize]byte
		data[0] = byte(i + 1) // non-silent so the worker emits a Result each time
		chunk := protocol.IOChunk{Mode: protocol.ModeClient, SerialNo: sn, ClientId: info.ClientId, Length: protocol.IOChunkDataSize, Data: data}
		if err := (protocol.Codec{}).Encode(client, protocol.Client, protocol.PacketData, protocol.EncodeIOChunk(chunk)); err != nil {
			t.Fatalf("send data %d: %v", i, err)
		}
		expectFrame(t, client, protocol.Client, protocol.PacketResult)
	}

	if err := (protocol.Codec{}).Encode(client, protocol.Client, protocol.PacketEos, protocol.EncodeConnectionInfo(protocol.ConnectionInfo{SerialNo: sn, ClientId: info.ClientId})); err != nil {
		t.Fatalf("send eos: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if engine.ResetCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected exactly 1 engine reset after eos, got %d", engine.ResetCount())
}

// TestProxy_S5_WorkerCrashGC covers spec scenario S5: within one heartbeat
// interval of a worker half-close, the roster loses that worker.
func TestProxy_S5_WorkerCrashGC(t *testing.T) {
	s, _ := startTestServer(t)
	worker := dial(t, s.Addr())
	sendRegister(t, worker, [4]byte{127, 0, 0, 1}, 0x238C)
	expectFrame(t, worker, protocol.Handler, protocol.PacketRegOk)
	if s.Roster().Len() != 1 {
		t.Fatalf("expected 1 registered worker")
	}
	worker.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Roster().Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("roster did not evict crashed worker")
}
