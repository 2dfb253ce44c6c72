// Package libusbdev implements the downstream device transport over libusb
// through github.com/google/gousb. It is interchangeable with usbfsdev and
// useful where the kernel's usbfs interface is unavailable or the libusb
// backend is preferred.
package libusbdev

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	usbproxy "github.com/kevmo314/go-usbproxy"
)

// Proxy is a usbproxy.DeviceProxy over a libusb device handle.
type Proxy struct {
	VendorID  uint16
	ProductID uint16

	log *zap.Logger

	mu     sync.Mutex
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	ifaces map[uint8]*gousb.Interface
	inEps  map[uint8]*gousb.InEndpoint
	outEps map[uint8]*gousb.OutEndpoint
}

func New(vendorID, productID uint16, log *zap.Logger) *Proxy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Proxy{
		VendorID:  vendorID,
		ProductID: productID,
		log:       log,
		ifaces:    make(map[uint8]*gousb.Interface),
		inEps:     make(map[uint8]*gousb.InEndpoint),
		outEps:    make(map[uint8]*gousb.OutEndpoint),
	}
}

func (p *Proxy) Connect(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev != nil {
		return usbproxy.ErrConnected
	}

	ctx := gousb.NewContext()
	deadline := time.Now().Add(timeout)
	for {
		dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(p.VendorID), gousb.ID(p.ProductID))
		if err == nil && dev != nil {
			if err := dev.SetAutoDetach(true); err != nil {
				p.log.Warn("auto-detach unavailable", zap.Error(err))
			}
			p.ctx = ctx
			p.dev = dev
			p.log.Info("device attached",
				zap.String("device", dev.Desc.String()),
				zap.Stringer("speed", dev.Desc.Speed))
			return nil
		}
		if time.Now().After(deadline) {
			ctx.Close()
			if err != nil {
				return fmt.Errorf("open %04x:%04x: %w", p.VendorID, p.ProductID, err)
			}
			return fmt.Errorf("device %04x:%04x: %w", p.VendorID, p.ProductID, usbproxy.ErrNotConnected)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (p *Proxy) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil {
		return nil
	}
	p.closeEndpointsLocked()
	if p.cfg != nil {
		p.cfg.Close()
		p.cfg = nil
	}
	p.dev.Close()
	p.dev = nil
	p.ctx.Close()
	p.ctx = nil
	return nil
}

func (p *Proxy) closeEndpointsLocked() {
	for n, intf := range p.ifaces {
		intf.Close()
		delete(p.ifaces, n)
	}
	p.inEps = make(map[uint8]*gousb.InEndpoint)
	p.outEps = make(map[uint8]*gousb.OutEndpoint)
}

func (p *Proxy) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil {
		return usbproxy.ErrNotConnected
	}
	p.closeEndpointsLocked()
	if p.cfg != nil {
		p.cfg.Close()
		p.cfg = nil
	}
	return p.dev.Reset()
}

func (p *Proxy) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dev != nil
}

func (p *Proxy) IsHighspeed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dev != nil && p.dev.Desc.Speed == gousb.SpeedHigh
}

func (p *Proxy) Address() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil {
		return 0
	}
	return uint8(p.dev.Desc.Address)
}

func (p *Proxy) ControlRequest(setup *usbproxy.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	dev := p.dev
	p.mu.Unlock()
	if dev == nil {
		return 0, usbproxy.ErrNotConnected
	}
	dev.ControlTimeout = timeout
	n, err := dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

func (p *Proxy) Send(endpoint, _ uint8, _ uint16, data []byte) error {
	ep, err := p.outEndpoint(endpoint)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ep.WriteContext(ctx, data); err != nil {
		return mapError(err)
	}
	return nil
}

func (p *Proxy) Receive(endpoint, _ uint8, maxPacketSize uint16, timeout time.Duration) ([]byte, error) {
	ep, err := p.inEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxPacketSize)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := ep.ReadContext(ctx, buf)
	if err != nil {
		return nil, mapError(err)
	}
	return buf[:n], nil
}

// ClaimInterface opens the interface in the device's active configuration;
// gousb claims as part of opening.
func (p *Proxy) ClaimInterface(number uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil {
		return usbproxy.ErrNotConnected
	}
	if _, ok := p.ifaces[number]; ok {
		return nil
	}
	if p.cfg == nil {
		num, err := p.dev.ActiveConfigNum()
		if err != nil {
			return fmt.Errorf("active config: %w", err)
		}
		cfg, err := p.dev.Config(num)
		if err != nil {
			return fmt.Errorf("config %d: %w", num, err)
		}
		p.cfg = cfg
	}
	intf, err := p.cfg.Interface(int(number), 0)
	if err != nil {
		return fmt.Errorf("interface %d: %w", number, err)
	}
	p.ifaces[number] = intf
	return nil
}

func (p *Proxy) ReleaseInterface(number uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	intf, ok := p.ifaces[number]
	if !ok {
		return nil
	}
	// Endpoint handles opened on this interface die with it.
	for addr := range p.inEps {
		if hasEndpoint(intf, addr) {
			delete(p.inEps, addr)
		}
	}
	for addr := range p.outEps {
		if hasEndpoint(intf, addr) {
			delete(p.outEps, addr)
		}
	}
	intf.Close()
	delete(p.ifaces, number)
	return nil
}

func hasEndpoint(intf *gousb.Interface, address uint8) bool {
	_, ok := intf.Setting.Endpoints[gousb.EndpointAddress(address)]
	return ok
}

func (p *Proxy) inEndpoint(address uint8) (*gousb.InEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep, ok := p.inEps[address]; ok {
		return ep, nil
	}
	for _, intf := range p.ifaces {
		if !hasEndpoint(intf, address) {
			continue
		}
		ep, err := intf.InEndpoint(int(address & usbproxy.EndpointNumberMask))
		if err != nil {
			return nil, err
		}
		p.inEps[address] = ep
		return ep, nil
	}
	return nil, fmt.Errorf("endpoint %02x: %w", address, usbproxy.ErrNoEndpoint)
}

func (p *Proxy) outEndpoint(address uint8) (*gousb.OutEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep, ok := p.outEps[address]; ok {
		return ep, nil
	}
	for _, intf := range p.ifaces {
		if !hasEndpoint(intf, address) {
			continue
		}
		ep, err := intf.OutEndpoint(int(address & usbproxy.EndpointNumberMask))
		if err != nil {
			return nil, err
		}
		p.outEps[address] = ep
		return ep, nil
	}
	return nil, fmt.Errorf("endpoint %02x: %w", address, usbproxy.ErrNoEndpoint)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.TransferTimedOut):
		return usbproxy.ErrTimeout
	case errors.Is(err, gousb.TransferStall):
		return usbproxy.ErrPipe
	case errors.Is(err, gousb.ErrorNoDevice):
		return usbproxy.ErrNotConnected
	}
	return err
}
