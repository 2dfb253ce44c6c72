package usbproxy

import (
	"encoding/binary"
	"fmt"
)

// Packet is one USB data transfer captured on its way through the relay.
// The holder of the pointer owns Data; ownership moves with the packet as
// it crosses a queue.
type Packet struct {
	// Endpoint is the full endpoint address including the direction bit
	// (0x80 = IN, toward the host).
	Endpoint uint8

	Data []byte

	// Transmit is cleared by a filter to drop the packet at the writer.
	Transmit bool

	// ZLP marks the packet as a logical transfer boundary. For bulk IN
	// packets whose length is a non-zero multiple of the endpoint's max
	// packet size, the writer follows up with a zero-length transfer.
	ZLP bool
}

// NewPacket wraps data read from one side into a transmittable packet.
func NewPacket(endpoint uint8, data []byte) *Packet {
	return &Packet{Endpoint: endpoint, Data: data, Transmit: true}
}

func (p *Packet) IsIn() bool {
	return p.Endpoint&EndpointDirectionIn != 0
}

func (p *Packet) Number() uint8 {
	return p.Endpoint & EndpointNumberMask
}

func (p *Packet) Length() uint16 {
	return uint16(len(p.Data))
}

func (p *Packet) String() string {
	return fmt.Sprintf("packet ep=%02x len=%d transmit=%v", p.Endpoint, len(p.Data), p.Transmit)
}

// SetupPacketSize is the wire size of a USB SETUP packet.
const SetupPacketSize = 8

// SetupPacket is a control request: the 8-byte standard setup header plus
// an optional data stage. Used only for EP0 traffic.
type SetupPacket struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue
	Index       uint16 // wIndex
	Length      uint16 // wLength

	// Data holds the data stage: the payload for OUT requests, the reply
	// buffer contents for IN requests once forwarded.
	Data []byte
}

// ParseSetupPacket decodes the 8-byte setup header from data into out.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return fmt.Errorf("setup packet too short: %d bytes", len(data))
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// MarshalTo writes the 8-byte setup header into buf and returns the number
// of bytes written, or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// IsIn reports whether the data stage runs device-to-host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&RequestTypeDirectionMask != 0
}

// IsStandard reports whether this is a standard request.
func (s *SetupPacket) IsStandard() bool {
	return s.RequestType&RequestTypeTypeMask == RequestTypeStandard
}

func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & RequestTypeRecipientMask
}

func (s *SetupPacket) String() string {
	return fmt.Sprintf("setup bmRequestType=%02x bRequest=%02x wValue=%04x wIndex=%04x wLength=%d",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
