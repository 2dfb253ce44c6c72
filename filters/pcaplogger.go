package filters

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	usbproxy "github.com/kevmo314/go-usbproxy"
)

const (
	// snapLen covers a 64-byte packet plus the 48-byte URB header.
	snapLen      = 112
	urbHeaderLen = 48

	urbSubmit   = 'S'
	urbComplete = 'C'
)

// PcapLogger captures every setup and data packet crossing the relay into
// a usbmon-format (DLT_USB_LINUX) pcap stream readable by wireshark.
// Writers on different endpoints share the stream, so records are
// serialized by an internal lock.
type PcapLogger struct {
	log *zap.Logger

	// The capture pretends to be a single device on a single bus; both
	// identifiers are configurable.
	deviceAddress uint8
	busID         uint16

	mu       sync.Mutex
	w        *pcapgo.Writer
	pktCount uint64
}

// NewPcapLogger writes the pcap file header to out and returns the filter.
func NewPcapLogger(out io.Writer, deviceAddress uint8, busID uint16, log *zap.Logger) (*PcapLogger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if deviceAddress == 0 {
		deviceAddress = 1
	}
	if busID == 0 {
		busID = 1
	}
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeLinuxUSB); err != nil {
		return nil, fmt.Errorf("pcap file header: %w", err)
	}
	return &PcapLogger{
		log:           log,
		deviceAddress: deviceAddress,
		busID:         busID,
		w:             w,
	}, nil
}

func (l *PcapLogger) OnSetup(s *usbproxy.SetupPacket, _ bool) {
	dataLen := 0
	if s.Data != nil {
		dataLen = int(s.Length)
		if dataLen > len(s.Data) {
			dataLen = len(s.Data)
		}
	}
	buf := make([]byte, urbHeaderLen+dataLen)
	l.fillHeader(buf, 0, 2 /* control */, dataLen, false)
	s.MarshalTo(buf[40:48])
	if dataLen > 0 {
		copy(buf[urbHeaderLen:], s.Data[:dataLen])
	}
	l.write(buf)
}

func (l *PcapLogger) OnData(p *usbproxy.Packet) {
	buf := make([]byte, urbHeaderLen+len(p.Data))
	l.fillHeader(buf, p.Endpoint, 3 /* bulk */, len(p.Data), true)
	copy(buf[urbHeaderLen:], p.Data)
	l.write(buf)
}

// fillHeader lays out the 48-byte Linux URB capture header. The record id
// is assigned under the lock at write time.
func (l *PcapLogger) fillHeader(buf []byte, endpoint, transferType uint8, dataLen int, noSetup bool) {
	if dataLen > 0 {
		buf[8] = urbComplete
	} else {
		buf[8] = urbSubmit
	}
	buf[9] = transferType
	buf[10] = endpoint
	buf[11] = l.deviceAddress
	binary.LittleEndian.PutUint16(buf[12:14], l.busID)
	if noSetup {
		buf[14] = 1 // setup header absent
	}
	buf[15] = 1 // urb data counted via data_len

	ts := time.Now()
	binary.LittleEndian.PutUint64(buf[16:24], uint64(ts.Unix()))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(ts.Nanosecond()/1000))
	// status (28:32) and urb_len (32:36) stay zero.
	binary.LittleEndian.PutUint32(buf[36:40], uint32(dataLen))
}

func (l *PcapLogger) write(buf []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pktCount++
	binary.LittleEndian.PutUint64(buf[0:8], l.pktCount)

	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(buf),
		Length:        len(buf),
	}
	if ci.CaptureLength > snapLen {
		ci.CaptureLength = snapLen
		buf = buf[:snapLen]
	}
	if err := l.w.WritePacket(ci, buf); err != nil {
		l.log.Error("pcap write failed", zap.Error(err))
	}
}

// PacketCount returns the number of records written so far.
func (l *PcapLogger) PacketCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pktCount
}
