package usbproxy

import "time"

// DeviceProxy is the transport toward the downstream physical device.
// Implementations must honor the per-call timeouts: the relay re-checks its
// halt flag between calls and a transport that never returns wedges
// shutdown.
type DeviceProxy interface {
	// Connect attaches to the device. Enumeration happens afterwards over
	// ControlRequest.
	Connect(timeout time.Duration) error
	Disconnect() error
	Reset() error
	IsConnected() bool

	// IsHighspeed reports whether the device enumerated at high speed.
	IsHighspeed() bool

	// ControlRequest performs one EP0 transfer. For IN requests the reply
	// is written into data; for OUT requests data is the payload. Returns
	// the number of bytes moved in the data stage.
	ControlRequest(setup *SetupPacket, data []byte, timeout time.Duration) (int, error)

	// Send performs an OUT transfer to the given endpoint.
	Send(endpoint, attributes uint8, maxPacketSize uint16, data []byte) error

	// Receive performs an IN transfer from the given endpoint. Returns
	// ErrTimeout when no data arrived within timeout.
	Receive(endpoint, attributes uint8, maxPacketSize uint16, timeout time.Duration) ([]byte, error)

	ClaimInterface(number uint8) error
	ReleaseInterface(number uint8) error

	// Address returns the device's bus address, for logging and capture.
	Address() uint8
}

// HostProxy is the transport toward the upstream host, symmetric to
// DeviceProxy.
type HostProxy interface {
	// Connect presents the enumerated device to the host side.
	Connect(device *Device, timeout time.Duration) error
	Disconnect() error
	Reset() error
	IsConnected() bool

	// ControlRequest blocks up to timeout for the host's next EP0 request.
	// It returns false when none is pending. For OUT requests with a data
	// stage the payload is left in setup.Data. A bus reset surfaces as
	// ErrReset.
	ControlRequest(setup *SetupPacket, timeout time.Duration) (bool, error)

	// Send queues an IN transfer toward the host (endpoint 0 carries EP0
	// data-stage replies).
	Send(endpoint, attributes uint8, maxPacketSize uint16, data []byte) error

	// SendWaitComplete waits for the last Send on the endpoint to drain.
	SendWaitComplete(endpoint uint8, timeout time.Duration) bool

	// Receive reads an OUT transfer from the host for the given endpoint.
	Receive(endpoint, attributes uint8, maxPacketSize uint16, timeout time.Duration) ([]byte, error)

	// ControlAck completes a zero-data control request.
	ControlAck() error

	// StallEndpoint signals a stall; endpoint 0 reports a failed control
	// request to the host.
	StallEndpoint(endpoint uint8) error

	// SetConfig supplies the full- and high-speed configurations applied
	// after enumeration.
	SetConfig(fullspeed, highspeed *ConfigDescriptor, isHighspeed bool) error
}

// packetSource is the receive half a relay reader needs: both DeviceProxy
// and HostProxy satisfy it.
type packetSource interface {
	Receive(endpoint, attributes uint8, maxPacketSize uint16, timeout time.Duration) ([]byte, error)
}

// packetSink is the transmit half a relay writer needs.
type packetSink interface {
	Send(endpoint, attributes uint8, maxPacketSize uint16, data []byte) error
}
