package tcphost

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	usbproxy "github.com/kevmo314/go-usbproxy"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []frame{
		{Type: frameAck},
		{Type: frameStall, Endpoint: 0x81},
		{Type: frameData, Endpoint: 0x02, Payload: []byte{1, 2, 3, 4}},
		{Type: frameSetup, Payload: make([]byte, 8)},
		{Type: frameData, Endpoint: 0x81, Payload: make([]byte, maxFramePayload)},
	}
	var buf bytes.Buffer
	for _, f := range tests {
		if err := writeFrame(&buf, f); err != nil {
			t.Fatalf("writeFrame(%d): %v", f.Type, err)
		}
	}
	for i, want := range tests {
		got, err := readFrame(&buf)
		if err != nil {
			t.Fatalf("readFrame %d: %v", i, err)
		}
		if got.Type != want.Type || got.Endpoint != want.Endpoint {
			t.Errorf("frame %d header = %d/%02x, want %d/%02x",
				i, got.Type, got.Endpoint, want.Type, want.Endpoint)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d payload mismatch", i)
		}
	}
	if _, err := readFrame(&buf); err != io.EOF {
		t.Errorf("trailing read = %v, want EOF", err)
	}
}

func TestFrameOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, frame{Type: frameData, Payload: make([]byte, maxFramePayload+1)})
	if err == nil {
		t.Fatal("oversized frame accepted")
	}
}

func TestDescriptorBlobRoundTrip(t *testing.T) {
	blobs := [][]byte{
		{0x12, 0x01, 0x00, 0x02},
		make([]byte, 64),
		{},
	}
	decoded, err := decodeDescriptors(encodeDescriptors(blobs))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(blobs) {
		t.Fatalf("blob count = %d, want %d", len(decoded), len(blobs))
	}
	for i := range blobs {
		if !bytes.Equal(decoded[i], blobs[i]) {
			t.Errorf("blob %d mismatch", i)
		}
	}
	if _, err := decodeDescriptors([]byte{2, 0, 5, 0}); err == nil {
		t.Error("truncated blob accepted")
	}
}

// A remote peer connects, receives the descriptor hello, issues a setup
// and an OUT transfer, and sees IN data and the ack come back.
func TestProxyEndToEnd(t *testing.T) {
	p := New("127.0.0.1:0", nil)
	device := &usbproxy.Device{
		RawDescriptor: []byte{0x12, 0x01},
		RawConfigs:    [][]byte{{0x09, 0x02}},
	}

	// Connect blocks in accept; dial from a second goroutine once the
	// listener exists.
	errc := make(chan error, 1)
	connc := make(chan net.Conn, 1)
	go func() {
		for i := 0; i < 100; i++ {
			p.mu.Lock()
			ln := p.ln
			p.mu.Unlock()
			if ln != nil {
				conn, err := net.Dial("tcp", ln.Addr().String())
				if err != nil {
					errc <- err
					return
				}
				connc <- conn
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		errc <- io.ErrNoProgress
	}()

	if err := p.Connect(device, 5*time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Disconnect()

	var peer net.Conn
	select {
	case peer = <-connc:
	case err := <-errc:
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	// Descriptor hello arrives first.
	hello, err := readFrame(peer)
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != frameDescriptors {
		t.Fatalf("hello type = %d, want descriptors", hello.Type)
	}
	blobs, err := decodeDescriptors(hello.Payload)
	if err != nil || len(blobs) != 2 {
		t.Fatalf("hello blobs = %d (%v), want 2", len(blobs), err)
	}

	// Peer sends a setup; the proxy surfaces it via ControlRequest.
	setupBytes := make([]byte, 8)
	(&usbproxy.SetupPacket{RequestType: 0x80, Request: usbproxy.RequestGetDescriptor, Length: 18}).MarshalTo(setupBytes)
	if err := writeFrame(peer, frame{Type: frameSetup, Payload: setupBytes}); err != nil {
		t.Fatalf("write setup: %v", err)
	}
	var setup usbproxy.SetupPacket
	pending, err := p.ControlRequest(&setup, 2*time.Second)
	if err != nil || !pending {
		t.Fatalf("ControlRequest = %v/%v, want pending", pending, err)
	}
	if setup.Request != usbproxy.RequestGetDescriptor {
		t.Errorf("setup request = %02x", setup.Request)
	}

	// No pending request after draining.
	if pending, _ := p.ControlRequest(&setup, 50*time.Millisecond); pending {
		t.Error("spurious pending request")
	}

	// IN data toward the host peer.
	if err := p.Send(0x81, 0, 64, []byte{0xAA}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f, err := readFrame(peer)
	if err != nil || f.Type != frameData || f.Endpoint != 0x81 {
		t.Fatalf("peer frame = %+v (%v), want data on 0x81", f, err)
	}

	// OUT data from the host peer.
	if err := writeFrame(peer, frame{Type: frameData, Endpoint: 0x02, Payload: []byte{0xBB}}); err != nil {
		t.Fatalf("write data: %v", err)
	}
	data, err := p.Receive(0x02, 0, 64, 2*time.Second)
	if err != nil || !bytes.Equal(data, []byte{0xBB}) {
		t.Fatalf("Receive = % x (%v)", data, err)
	}

	// Reset propagates as ErrReset.
	if err := writeFrame(peer, frame{Type: frameReset}); err != nil {
		t.Fatalf("write reset: %v", err)
	}
	if _, err := p.ControlRequest(&setup, 2*time.Second); err != usbproxy.ErrReset {
		t.Fatalf("ControlRequest after reset = %v, want ErrReset", err)
	}
}
