package filters

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	usbproxy "github.com/kevmo314/go-usbproxy"
)

func writeCBW(tag uint32, lba uint32, blocks uint16) *usbproxy.Packet {
	data := make([]byte, cbwSize)
	binary.LittleEndian.PutUint32(data[0:4], cbwSignature)
	binary.LittleEndian.PutUint32(data[4:8], tag)
	binary.LittleEndian.PutUint32(data[8:12], uint32(blocks)*blockSize)
	data[15] = scsiWrite10
	binary.BigEndian.PutUint32(data[0x11:0x15], lba)
	binary.BigEndian.PutUint16(data[0x16:0x18], blocks)
	return usbproxy.NewPacket(0x02, data)
}

func readCBW(tag uint32, lba uint32, blocks uint16) *usbproxy.Packet {
	p := writeCBW(tag, lba, blocks)
	p.Data[12] = 0x80 // data IN
	p.Data[15] = scsiRead10
	return p
}

func dataBlock(fill byte) *usbproxy.Packet {
	data := make([]byte, blockSize)
	for i := range data {
		data[i] = fill
	}
	return usbproxy.NewPacket(0x02, data)
}

// Scenario: a write CBW is suppressed along with its data, and the filter
// injects a forged success CSW carrying the original tag on the status
// endpoint. The device never sees the write.
func TestMassStorageBlockedWriteForgesCSW(t *testing.T) {
	m := NewMassStorage(MassStorageOptions{BlockWrites: true, StatusEndpoint: 0x82}, nil)

	cbw := writeCBW(0xdeadbeef, 0x1000, 1)
	m.OnData(cbw)
	if cbw.Transmit {
		t.Fatal("blocked write CBW was not dropped")
	}

	block := dataBlock(0x41)
	m.OnData(block)
	if block.Transmit {
		t.Fatal("blocked write data was not dropped")
	}

	pkt, setup, err := m.Next(time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if setup != nil {
		t.Fatal("unexpected setup injection")
	}
	if pkt.Endpoint != 0x82 {
		t.Errorf("CSW endpoint = %02x, want 0x82", pkt.Endpoint)
	}
	if len(pkt.Data) != cswSize {
		t.Fatalf("CSW length = %d, want %d", len(pkt.Data), cswSize)
	}
	if !bytes.Equal(pkt.Data[0:4], []byte("USBS")) {
		t.Errorf("CSW signature = % x", pkt.Data[0:4])
	}
	if got := binary.LittleEndian.Uint32(pkt.Data[4:8]); got != 0xdeadbeef {
		t.Errorf("CSW tag = %08x, want deadbeef", got)
	}
	for i := 8; i < cswSize; i++ {
		if pkt.Data[i] != 0 {
			t.Errorf("CSW byte %d = %02x, want 0 (no residue, success)", i, pkt.Data[i])
		}
	}

	// No second status pending.
	if _, _, err := m.Next(10 * time.Millisecond); err != usbproxy.ErrTimeout {
		t.Errorf("second Next = %v, want ErrTimeout", err)
	}
}

func TestMassStoragePassthroughWhenNotBlocking(t *testing.T) {
	m := NewMassStorage(MassStorageOptions{}, nil)

	cbw := writeCBW(1, 0, 1)
	m.OnData(cbw)
	if !cbw.Transmit {
		t.Error("CBW dropped without blocking enabled")
	}
	block := dataBlock(0x42)
	m.OnData(block)
	if !block.Transmit {
		t.Error("data dropped without blocking enabled")
	}
	if _, _, err := m.Next(10 * time.Millisecond); err != usbproxy.ErrTimeout {
		t.Error("CSW forged without blocking enabled")
	}
}

// A read served twice returns the cached block the second time, so locally
// rewritten blocks stay consistent for the host.
func TestMassStorageBlockCache(t *testing.T) {
	m := NewMassStorage(MassStorageOptions{CacheBlocks: true}, nil)

	m.OnData(readCBW(1, 0x20, 1))
	first := dataBlock(0x11)
	m.OnData(first)
	if m.CacheSize() != 1 {
		t.Fatalf("cache size = %d, want 1", m.CacheSize())
	}

	// Device now returns different content for the same LBA; the cache
	// wins.
	m.OnData(readCBW(2, 0x20, 1))
	second := dataBlock(0x22)
	m.OnData(second)
	if second.Data[0] != 0x11 {
		t.Errorf("cached block not served: first byte = %02x, want 0x11", second.Data[0])
	}
}

func TestMassStorageInbandPasswords(t *testing.T) {
	m := NewMassStorage(MassStorageOptions{
		BlockWrites:      true,
		InbandSignalling: true,
		UnblockPassword:  "open-sesame",
		BlockPassword:    "close-sesame",
	}, nil)

	// First write carries the unblock password; it is still suppressed
	// (the CBW decided before the data arrived) but flips the switch.
	m.OnData(writeCBW(1, 0, 1))
	pw := dataBlock(0)
	copy(pw.Data[100:], "open-sesame")
	m.OnData(pw)

	// Next write passes through.
	cbw := writeCBW(2, 8, 1)
	m.OnData(cbw)
	if !cbw.Transmit {
		t.Error("write still blocked after unblock password")
	}
	data := dataBlock(0x13)
	copy(data.Data[10:], "close-sesame")
	m.OnData(data)
	if !data.Transmit {
		t.Error("data dropped after unblock password")
	}

	// The block password in that data re-enables suppression.
	cbw = writeCBW(3, 16, 1)
	m.OnData(cbw)
	if cbw.Transmit {
		t.Error("write not blocked after block password")
	}
}

func TestMassStorageCriteria(t *testing.T) {
	m := NewMassStorage(MassStorageOptions{StatusEndpoint: 0x82}, nil)
	c := m.Criteria()
	if c.Endpoint != 0x82 {
		t.Errorf("criteria endpoint = %d, want 0x82", c.Endpoint)
	}
	if !c.MatchEndpoint(1, 0, 0x82) || c.MatchEndpoint(1, 0, 0x81) {
		t.Error("criteria endpoint matching broken")
	}
}
