package usbproxy

import (
	"sync"
	"time"
)

// Descriptor fixtures used across tests.

func deviceDescBytes(numConfigs uint8) []byte {
	return []byte{
		18, DescriptorTypeDevice,
		0x00, 0x02, // bcdUSB 2.0
		0x00, 0x00, 0x00, // class/subclass/protocol
		64,         // bMaxPacketSize0
		0x34, 0x12, // idVendor 0x1234
		0x78, 0x56, // idProduct 0x5678
		0x01, 0x00, // bcdDevice
		1, 2, 3, // string indexes
		numConfigs,
	}
}

func configDescBytes(value uint8, eps ...EndpointDescriptor) []byte {
	var body []byte
	body = append(body, 9, DescriptorTypeInterface, 0, 0, byte(len(eps)), 0xff, 0, 0, 0)
	for _, ep := range eps {
		body = append(body, 7, DescriptorTypeEndpoint, ep.EndpointAddr, ep.Attributes,
			byte(ep.MaxPacketSize), byte(ep.MaxPacketSize>>8), ep.Interval)
	}
	total := 9 + len(body)
	cfg := []byte{9, DescriptorTypeConfig, byte(total), byte(total >> 8), 1, value, 0, 0xc0, 0x32}
	return append(cfg, body...)
}

func bulkIn(addr uint8, mps uint16) EndpointDescriptor {
	return EndpointDescriptor{EndpointAddr: addr, Attributes: uint8(TransferTypeBulk), MaxPacketSize: mps}
}

func bulkOut(addr uint8, mps uint16) EndpointDescriptor {
	return EndpointDescriptor{EndpointAddr: addr, Attributes: uint8(TransferTypeBulk), MaxPacketSize: mps, Interval: 10}
}

// mockDevice is a synthetic DeviceProxy serving canned descriptors, a
// per-endpoint supply of IN data, and a record of everything written to it.
type mockDevice struct {
	mu         sync.Mutex
	connected  bool
	rawDevice  []byte
	rawConfigs [][]byte
	inData     map[uint8]chan []byte
	sent       map[uint8][][]byte
	controls   []SetupPacket
	claimed    []uint8
	released   []uint8
	resets     int

	// failControl, when set, can veto forwarded requests.
	failControl func(*SetupPacket) error
}

func newMockDevice(rawConfigs ...[]byte) *mockDevice {
	return &mockDevice{
		rawDevice:  deviceDescBytes(uint8(len(rawConfigs))),
		rawConfigs: rawConfigs,
		inData:     make(map[uint8]chan []byte),
		sent:       make(map[uint8][][]byte),
	}
}

func (d *mockDevice) inChan(ep uint8) chan []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.inData[ep]; ok {
		return ch
	}
	ch := make(chan []byte, 256)
	d.inData[ep] = ch
	return ch
}

func (d *mockDevice) Connect(time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *mockDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *mockDevice) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

func (d *mockDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *mockDevice) IsHighspeed() bool { return true }
func (d *mockDevice) Address() uint8    { return 1 }

func (d *mockDevice) ControlRequest(setup *SetupPacket, data []byte, _ time.Duration) (int, error) {
	d.mu.Lock()
	d.controls = append(d.controls, *setup)
	fail := d.failControl
	d.mu.Unlock()

	if fail != nil {
		if err := fail(setup); err != nil {
			return 0, err
		}
	}
	if setup.IsIn() && setup.Request == RequestGetDescriptor {
		d.mu.Lock()
		defer d.mu.Unlock()
		switch uint8(setup.Value >> 8) {
		case DescriptorTypeDevice:
			return copy(data, d.rawDevice), nil
		case DescriptorTypeConfig:
			idx := int(uint8(setup.Value))
			if idx >= len(d.rawConfigs) {
				return 0, ErrPipe
			}
			n := copy(data, d.rawConfigs[idx])
			return n, nil
		}
		return 0, ErrPipe
	}
	if !setup.IsIn() {
		return len(data), nil
	}
	return 0, nil
}

func (d *mockDevice) Send(endpoint, _ uint8, _ uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[endpoint] = append(d.sent[endpoint], append([]byte(nil), data...))
	return nil
}

func (d *mockDevice) Receive(endpoint, _ uint8, _ uint16, timeout time.Duration) ([]byte, error) {
	select {
	case data := <-d.inChan(endpoint):
		return data, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

func (d *mockDevice) ClaimInterface(n uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimed = append(d.claimed, n)
	return nil
}

func (d *mockDevice) ReleaseInterface(n uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, n)
	return nil
}

func (d *mockDevice) sentTo(ep uint8) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent[ep]))
	copy(out, d.sent[ep])
	return out
}

func (d *mockDevice) requests() []SetupPacket {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SetupPacket, len(d.controls))
	copy(out, d.controls)
	return out
}

// hostReset is pushed into the mock host's request stream to simulate a
// bus reset from the upstream side.
var hostReset = &SetupPacket{RequestType: 0xff, Request: 0xff}

// mockHost is a synthetic HostProxy: tests script EP0 requests into it and
// read back everything the relay presented to the host side.
type mockHost struct {
	mu        sync.Mutex
	connected bool
	device    *Device
	requests  chan *SetupPacket
	outData   map[uint8]chan []byte
	received  map[uint8][][]byte
	ep0       [][]byte
	acks      int
	stalls    []uint8
	fsConfig  *ConfigDescriptor
	resets    int
}

func newMockHost() *mockHost {
	return &mockHost{
		requests: make(chan *SetupPacket, 16),
		outData:  make(map[uint8]chan []byte),
		received: make(map[uint8][][]byte),
	}
}

func (h *mockHost) outChan(ep uint8) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.outData[ep]; ok {
		return ch
	}
	ch := make(chan []byte, 256)
	h.outData[ep] = ch
	return ch
}

func (h *mockHost) Connect(device *Device, _ time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = true
	h.device = device
	return nil
}

func (h *mockHost) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
	return nil
}

func (h *mockHost) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
	return nil
}

func (h *mockHost) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *mockHost) ControlRequest(setup *SetupPacket, timeout time.Duration) (bool, error) {
	select {
	case req := <-h.requests:
		if req == hostReset {
			return false, ErrReset
		}
		*setup = *req
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (h *mockHost) Send(endpoint, _ uint8, _ uint16, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := append([]byte(nil), data...)
	if endpoint == 0 {
		h.ep0 = append(h.ep0, buf)
	} else {
		h.received[endpoint] = append(h.received[endpoint], buf)
	}
	return nil
}

func (h *mockHost) SendWaitComplete(uint8, time.Duration) bool { return true }

func (h *mockHost) Receive(endpoint, _ uint8, _ uint16, timeout time.Duration) ([]byte, error) {
	select {
	case data := <-h.outChan(endpoint):
		return data, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

func (h *mockHost) ControlAck() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acks++
	return nil
}

func (h *mockHost) StallEndpoint(endpoint uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stalls = append(h.stalls, endpoint)
	return nil
}

func (h *mockHost) SetConfig(fs, _ *ConfigDescriptor, _ bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fsConfig = fs
	return nil
}

func (h *mockHost) receivedOn(ep uint8) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.received[ep]))
	copy(out, h.received[ep])
	return out
}

func (h *mockHost) ep0Replies() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.ep0))
	copy(out, h.ep0)
	return out
}

func (h *mockHost) ackCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acks
}

func (h *mockHost) stallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stalls)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
