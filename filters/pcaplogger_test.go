package filters

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	usbproxy "github.com/kevmo314/go-usbproxy"
)

func TestPcapLoggerWritesReadableCapture(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewPcapLogger(&buf, 1, 1, nil)
	if err != nil {
		t.Fatalf("NewPcapLogger: %v", err)
	}

	setup := &usbproxy.SetupPacket{
		RequestType: 0x80,
		Request:     usbproxy.RequestGetDescriptor,
		Value:       0x0100,
		Length:      18,
		Data:        make([]byte, 18),
	}
	l.OnSetup(setup, false)
	l.OnData(usbproxy.NewPacket(0x81, []byte{0xAA, 0xBB, 0xCC}))
	if l.PacketCount() != 2 {
		t.Fatalf("PacketCount = %d, want 2", l.PacketCount())
	}

	r, err := pcapgo.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("pcap reader: %v", err)
	}
	if r.LinkType() != layers.LinkTypeLinuxUSB {
		t.Errorf("link type = %v, want LinuxUSB", r.LinkType())
	}

	// Record 1: the setup, with the 8-byte header embedded in the URB
	// pseudo-header.
	data, ci, err := r.ReadPacketData()
	if err != nil {
		t.Fatalf("read record 1: %v", err)
	}
	if ci.CaptureLength != len(data) {
		t.Errorf("capture length mismatch: %d != %d", ci.CaptureLength, len(data))
	}
	if id := binary.LittleEndian.Uint64(data[0:8]); id != 1 {
		t.Errorf("record 1 id = %d, want 1", id)
	}
	if data[9] != 2 || data[10] != 0 {
		t.Errorf("record 1 transfer=%d endpoint=%d, want control on ep0", data[9], data[10])
	}
	if data[11] != 1 || binary.LittleEndian.Uint16(data[12:14]) != 1 {
		t.Errorf("record 1 device=%d bus=%d, want 1/1", data[11], binary.LittleEndian.Uint16(data[12:14]))
	}
	if data[14] != 0 {
		t.Error("record 1 must carry the setup header")
	}
	if data[40] != 0x80 || data[41] != usbproxy.RequestGetDescriptor {
		t.Errorf("embedded setup = % x", data[40:48])
	}

	// Record 2: the bulk data packet.
	data, _, err = r.ReadPacketData()
	if err != nil {
		t.Fatalf("read record 2: %v", err)
	}
	if data[9] != 3 || data[10] != 0x81 {
		t.Errorf("record 2 transfer=%d endpoint=%02x, want bulk on 0x81", data[9], data[10])
	}
	if got := binary.LittleEndian.Uint32(data[36:40]); got != 3 {
		t.Errorf("record 2 data_len = %d, want 3", got)
	}
	if !bytes.Equal(data[urbHeaderLen:], []byte{0xAA, 0xBB, 0xCC}) {
		t.Errorf("record 2 payload = % x", data[urbHeaderLen:])
	}
}

func TestPcapLoggerSnapLen(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewPcapLogger(&buf, 3, 7, nil)
	if err != nil {
		t.Fatalf("NewPcapLogger: %v", err)
	}
	l.OnData(usbproxy.NewPacket(0x81, make([]byte, 512)))

	r, err := pcapgo.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("pcap reader: %v", err)
	}
	data, ci, err := r.ReadPacketData()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ci.CaptureLength != snapLen || len(data) != snapLen {
		t.Errorf("capture length = %d, want %d", ci.CaptureLength, snapLen)
	}
	if ci.Length != urbHeaderLen+512 {
		t.Errorf("original length = %d, want %d", ci.Length, urbHeaderLen+512)
	}
	if data[11] != 3 || binary.LittleEndian.Uint16(data[12:14]) != 7 {
		t.Errorf("device=%d bus=%d, want 3/7", data[11], binary.LittleEndian.Uint16(data[12:14]))
	}
}
