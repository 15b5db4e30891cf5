package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sttdispatch/sttd/internal/asr/stub"
	"github.com/sttdispatch/sttd/internal/protocol"
)

// newPipe returns both ends of a net.Pipe so tests can read/write frames
// using a real deadline-capable net.Conn without a TCP listener.
func newPipe(t *testing.T) (workerSide net.Conn, proxySide net.Conn) {
	t.Helper()
	workerSide, proxySide = net.Pipe()
	t.Cleanup(func() { workerSide.Close(); proxySide.Close() })
	return
}

func TestWorker_RegisterAndTranscribe(t *testing.T) {
	workerSide, proxySide := newPipe(t)

	w := New(Config{
		ProxyAddr: "unused",
		IP:        [4]byte{127, 0, 0, 1},
		Port:      9100,
		Engine:    stub.New(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- w.readLoop(ctx, workerSide) }()

	// Consume the worker's initial Register frame isn't sent here since
	// Run() sends it, not readLoop; simulate RegOk directly.
	sn := protocol.SerialNo{127, 0, 0, 1, 0x23, 0x8C}
	if err := (protocol.Codec{}).Encode(proxySide, protocol.Handler, protocol.PacketRegOk, protocol.EncodeSerialNo(sn)); err != nil {
		t.Fatalf("send reg_ok: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if w.serialNo.Load().(protocol.SerialNo) != sn {
		t.Fatalf("worker did not record serial no")
	}

	// Non-silent Data should flip availability false and emit a Data(mode=Server) result.
	var data [protocol.IOChunkDataSize]byte
	data[1] = 0x7F // non-zero sample
	chunk := protocol.IOChunk{Mode: protocol.ModeClient, SerialNo: sn, ClientId: 42, Length: 2, Data: data}
	if err := (protocol.Codec{}).Encode(proxySide, protocol.Client, protocol.PacketData, protocol.EncodeIOChunk(chunk)); err != nil {
		t.Fatalf("send data: %v", err)
	}

	_ = proxySide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.ReadMagic(context.Background(), proxySide); err != nil {
		t.Fatalf("magic: %v", err)
	}
	fr, err := protocol.ReadFrame(proxySide)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if fr.EType != protocol.Handler || fr.PType != protocol.PacketData {
		t.Fatalf("unexpected result frame (%v,%v)", fr.EType, fr.PType)
	}
	out, err := protocol.DecodeIOChunk(fr.Payload)
	if err != nil || out.Mode != protocol.ModeServer || out.ClientId != 42 {
		t.Fatalf("bad result chunk: %+v %v", out, err)
	}
	if w.Available() {
		t.Fatal("worker should be unavailable mid-session")
	}

	// Eos resets the engine and signals availability immediately.
	if err := (protocol.Codec{}).Encode(proxySide, protocol.Client, protocol.PacketEos, protocol.EncodeConnectionInfo(protocol.ConnectionInfo{SerialNo: sn, ClientId: 42})); err != nil {
		t.Fatalf("send eos: %v", err)
	}
	_ = proxySide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.ReadMagic(context.Background(), proxySide); err != nil {
		t.Fatalf("magic: %v", err)
	}
	fr, err = protocol.ReadFrame(proxySide)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if fr.EType != protocol.Handler || fr.PType != protocol.PacketAck {
		t.Fatalf("expected ack after eos, got (%v,%v)", fr.EType, fr.PType)
	}
	alive, err := protocol.DecodeAlive(fr.Payload)
	if err != nil || !alive.Available {
		t.Fatalf("expected available=true after eos: %+v %v", alive, err)
	}
	if !w.Available() {
		t.Fatal("worker should be available again after eos")
	}

	cancel()
	<-errCh
}

func TestWorker_OddLengthDropped(t *testing.T) {
	workerSide, proxySide := newPipe(t)
	w := New(Config{Engine: stub.New()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- w.readLoop(ctx, workerSide) }()

	sn := protocol.SerialNo{127, 0, 0, 1, 0x23, 0x8C}
	var data [protocol.IOChunkDataSize]byte
	data[0] = 0x7F
	chunk := protocol.IOChunk{Mode: protocol.ModeClient, SerialNo: sn, ClientId: 1, Length: 1, Data: data}
	if err := (protocol.Codec{}).Encode(proxySide, protocol.Client, protocol.PacketData, protocol.EncodeIOChunk(chunk)); err != nil {
		t.Fatalf("send data: %v", err)
	}

	// No result should arrive; instead the next Status should get a prompt Ack.
	if err := (protocol.Codec{}).Encode(proxySide, protocol.Handler, protocol.PacketStatus, nil); err != nil {
		t.Fatalf("send status: %v", err)
	}
	_ = proxySide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.ReadMagic(context.Background(), proxySide); err != nil {
		t.Fatalf("magic: %v", err)
	}
	fr, err := protocol.ReadFrame(proxySide)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if fr.PType != protocol.PacketAck {
		t.Fatalf("expected ack (no spurious result), got %v", fr.PType)
	}

	cancel()
	<-errCh
}
