package usbproxy

import (
	"fmt"

	"go.uber.org/atomic"
)

// Endpoint is the runtime state of one configured endpoint: the descriptor
// fields the relay needs plus a flag marking whether its workers run.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8

	started atomic.Bool
}

// NewEndpoint builds runtime state from an endpoint descriptor.
func NewEndpoint(desc EndpointDescriptor) *Endpoint {
	return &Endpoint{
		Address:       desc.EndpointAddr,
		Attributes:    desc.Attributes,
		MaxPacketSize: desc.MaxPacketSize,
		Interval:      desc.Interval,
	}
}

// IsIn reports whether the endpoint delivers data toward the host.
func (e *Endpoint) IsIn() bool {
	return e.Address&EndpointDirectionIn != 0
}

func (e *Endpoint) Number() uint8 {
	return e.Address & EndpointNumberMask
}

func (e *Endpoint) TransferType() TransferType {
	return TransferType(e.Attributes & endpointAttributeMask)
}

// Started reports whether relay workers for this endpoint are running.
func (e *Endpoint) Started() bool {
	return e.started.Load()
}

func (e *Endpoint) setStarted(v bool) {
	e.started.Store(v)
}

func (e *Endpoint) String() string {
	dir := "out"
	if e.IsIn() {
		dir = "in"
	}
	return fmt.Sprintf("ep%d-%s %s mps=%d", e.Number(), dir, e.TransferType(), e.MaxPacketSize)
}
