// Package usbfsdev implements the downstream device transport over Linux
// usbfs: the /dev/bus/usb character devices driven with ioctls, located by
// a sysfs scan. It requires no external libraries and is the default way
// to attach the proxy to a physical device.
package usbfsdev

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"go.uber.org/zap"

	usbproxy "github.com/kevmo314/go-usbproxy"
)

const (
	usbdevfsControl          = 0xc0185500
	usbdevfsBulk             = 0xc0185502
	usbdevfsSetInterface     = 0x80085504
	usbdevfsSetConfiguration = 0x80045505
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsClearHalt        = 0x80045515
	usbdevfsDisconnectClaim  = 0x8108551b
	usbdevfsGetSpeed         = 0x551f // no argument; the speed is the return value
)

// USB_SPEED_HIGH in the kernel's usb_device_speed enum.
const speedHigh = 3

type usbCtrlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	_           uint32 // padding to 8-byte alignment of Data
	Data        unsafe.Pointer
}

type usbBulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	_        uint32
	Data     unsafe.Pointer
}

type usbDisconnectClaim struct {
	Interface uint32
	Flags     uint32
	Driver    [256]byte
}

// Proxy is a usbproxy.DeviceProxy backed by usbfs. Connect locates the
// first device matching VendorID:ProductID.
type Proxy struct {
	VendorID  uint16
	ProductID uint16

	log *zap.Logger

	mu        sync.Mutex
	fd        int
	path      string
	busNum    uint8
	devNum    uint8
	speed     uint32
	claimed   map[uint8]bool
	connected bool
}

func New(vendorID, productID uint16, log *zap.Logger) *Proxy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Proxy{
		VendorID:  vendorID,
		ProductID: productID,
		log:       log,
		fd:        -1,
		claimed:   make(map[uint8]bool),
	}
}

// Connect scans sysfs for the configured VID:PID and opens its usbfs node.
func (p *Proxy) Connect(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return usbproxy.ErrConnected
	}

	deadline := time.Now().Add(timeout)
	for {
		err := p.locateLocked()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}

	fd, err := syscall.Open(p.path, syscall.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.path, err)
	}
	p.fd = fd

	if speed, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), usbdevfsGetSpeed, 0); errno == 0 {
		p.speed = uint32(speed)
	}
	p.connected = true
	p.log.Info("device attached", zap.String("path", p.path),
		zap.Uint8("bus", p.busNum), zap.Uint8("address", p.devNum),
		zap.Uint32("speed", p.speed))
	return nil
}

// locateLocked finds the device in sysfs and records its usbfs path.
func (p *Proxy) locateLocked() error {
	entries, err := os.ReadDir("/sys/bus/usb/devices")
	if err != nil {
		return fmt.Errorf("sysfs scan: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		// Skip hubs' root entries and interface nodes.
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}
		base := filepath.Join("/sys/bus/usb/devices", name)
		vid, err := readHexFile(filepath.Join(base, "idVendor"))
		if err != nil {
			continue
		}
		pid, err := readHexFile(filepath.Join(base, "idProduct"))
		if err != nil {
			continue
		}
		if vid != p.VendorID || pid != p.ProductID {
			continue
		}
		bus, err := readDecFile(filepath.Join(base, "busnum"))
		if err != nil {
			return err
		}
		dev, err := readDecFile(filepath.Join(base, "devnum"))
		if err != nil {
			return err
		}
		p.busNum = uint8(bus)
		p.devNum = uint8(dev)
		p.path = fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, dev)
		return nil
	}
	return fmt.Errorf("device %04x:%04x: %w", p.VendorID, p.ProductID, usbproxy.ErrNotConnected)
}

func (p *Proxy) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil
	}
	for iface := range p.claimed {
		p.releaseLocked(iface)
	}
	err := syscall.Close(p.fd)
	p.fd = -1
	p.connected = false
	return err
}

// Reset reopens the device node; the kernel re-binds endpoint state and all
// interface claims are lost.
func (p *Proxy) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return usbproxy.ErrNotConnected
	}
	fd, err := syscall.Open(p.path, syscall.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", p.path, err)
	}
	syscall.Close(p.fd)
	p.fd = fd
	p.claimed = make(map[uint8]bool)
	return nil
}

func (p *Proxy) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Proxy) IsHighspeed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed == speedHigh
}

func (p *Proxy) Address() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devNum
}

func (p *Proxy) ControlRequest(setup *usbproxy.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	fd, err := p.handle()
	if err != nil {
		return 0, err
	}

	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}
	ctrl := usbCtrlRequest{
		RequestType: setup.RequestType,
		Request:     setup.Request,
		Value:       setup.Value,
		Index:       setup.Index,
		Length:      uint16(len(data)),
		Timeout:     uint32(timeout.Milliseconds()),
		Data:        dataPtr,
	}
	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), usbdevfsControl, uintptr(unsafe.Pointer(&ctrl)))
	if errno != 0 {
		return 0, mapErrno(errno)
	}
	return int(ret), nil
}

// Send performs a blocking OUT transfer. Interrupt endpoints use the same
// usbfs bulk path.
func (p *Proxy) Send(endpoint, _ uint8, _ uint16, data []byte) error {
	fd, err := p.handle()
	if err != nil {
		return err
	}
	_, err = p.bulk(fd, endpoint, data, time.Second)
	return err
}

// Receive performs a blocking IN transfer of up to one max-packet-size
// unit, the granularity the relay queues at.
func (p *Proxy) Receive(endpoint, _ uint8, maxPacketSize uint16, timeout time.Duration) ([]byte, error) {
	fd, err := p.handle()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxPacketSize)
	n, err := p.bulk(fd, endpoint, buf, timeout)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *Proxy) bulk(fd int, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}
	xfer := usbBulkTransfer{
		Endpoint: uint32(endpoint),
		Length:   uint32(len(data)),
		Timeout:  uint32(timeout.Milliseconds()),
		Data:     dataPtr,
	}
	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), usbdevfsBulk, uintptr(unsafe.Pointer(&xfer)))
	if errno != 0 {
		return 0, mapErrno(errno)
	}
	return int(ret), nil
}

// ClaimInterface detaches any kernel driver and claims the interface,
// preferring the atomic DISCONNECT_CLAIM ioctl.
func (p *Proxy) ClaimInterface(number uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return usbproxy.ErrNotConnected
	}
	if p.claimed[number] {
		return nil
	}

	claim := usbDisconnectClaim{Interface: uint32(number)}
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(p.fd), usbdevfsDisconnectClaim, uintptr(unsafe.Pointer(&claim))); errno == 0 {
		p.claimed[number] = true
		return nil
	}

	iface := uint32(number)
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(p.fd), usbdevfsClaimInterface, uintptr(unsafe.Pointer(&iface))); errno != 0 {
		return mapErrno(errno)
	}
	p.claimed[number] = true
	return nil
}

func (p *Proxy) ReleaseInterface(number uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return usbproxy.ErrNotConnected
	}
	return p.releaseLocked(number)
}

func (p *Proxy) releaseLocked(number uint8) error {
	if !p.claimed[number] {
		return nil
	}
	iface := uint32(number)
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(p.fd), usbdevfsReleaseInterface, uintptr(unsafe.Pointer(&iface))); errno != 0 {
		return mapErrno(errno)
	}
	delete(p.claimed, number)
	return nil
}

// ClearHalt clears a stalled endpoint on the device side.
func (p *Proxy) ClearHalt(endpoint uint8) error {
	fd, err := p.handle()
	if err != nil {
		return err
	}
	ep := uint32(endpoint)
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), usbdevfsClearHalt, uintptr(unsafe.Pointer(&ep))); errno != 0 {
		return mapErrno(errno)
	}
	return nil
}

func (p *Proxy) handle() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return -1, usbproxy.ErrNotConnected
	}
	return p.fd, nil
}

func mapErrno(errno syscall.Errno) error {
	switch errno {
	case syscall.ETIMEDOUT:
		return usbproxy.ErrTimeout
	case syscall.EPIPE:
		return usbproxy.ErrPipe
	case syscall.ENODEV, syscall.ESHUTDOWN:
		return usbproxy.ErrNotConnected
	}
	return errno
}

func readHexFile(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func readDecFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
