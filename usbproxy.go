// Package usbproxy relays USB traffic between a downstream device and an
// upstream host, exposing every transfer to a chain of packet filters and
// to injectors that can synthesize traffic of their own.
//
// The package holds the relay core only: transports toward the physical
// device and the upstream host are pluggable through the DeviceProxy and
// HostProxy interfaces. Backends live in the usbfsdev, libusbdev and
// tcphost subpackages.
package usbproxy

import "errors"

var (
	ErrTimeout      = errors.New("operation timed out")
	ErrPipe         = errors.New("pipe error")
	ErrNotConnected = errors.New("not connected")
	ErrConnected    = errors.New("already connected")
	ErrReset        = errors.New("bus reset")
	ErrHalted       = errors.New("relay halted")
	ErrNoEndpoint   = errors.New("no such endpoint")
	ErrNoConfig     = errors.New("no such configuration")
)

// USB descriptor types
const (
	DescriptorTypeDevice          = 0x01
	DescriptorTypeConfig          = 0x02
	DescriptorTypeString          = 0x03
	DescriptorTypeInterface       = 0x04
	DescriptorTypeEndpoint        = 0x05
	DescriptorTypeDeviceQualifier = 0x06
	DescriptorTypeOtherSpeed      = 0x07
	DescriptorTypeInterfaceAssoc  = 0x0b
	DescriptorTypeBOS             = 0x0f
	DescriptorTypeSSEndpointComp  = 0x30
)

// USB standard requests
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Feature selectors
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// bmRequestType fields
const (
	RequestTypeDirectionMask = 0x80
	RequestTypeTypeMask      = 0x60
	RequestTypeRecipientMask = 0x1f

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
)

// Endpoint address encoding: bit 7 is the direction, 1 = IN (toward host).
const (
	EndpointDirectionIn   = 0x80
	EndpointNumberMask    = 0x0f
	endpointAttributeMask = 0x03
)

type TransferType uint8

const (
	TransferTypeControl     TransferType = 0
	TransferTypeIsochronous TransferType = 1
	TransferTypeBulk        TransferType = 2
	TransferTypeInterrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case TransferTypeControl:
		return "control"
	case TransferTypeIsochronous:
		return "isochronous"
	case TransferTypeBulk:
		return "bulk"
	case TransferTypeInterrupt:
		return "interrupt"
	}
	return "unknown"
}
