package usbproxy

import (
	"encoding/binary"
	"fmt"
)

// DeviceDescriptor is the standard 18-byte USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// Unmarshal parses the 18-byte device descriptor.
func (d *DeviceDescriptor) Unmarshal(data []byte) error {
	if len(data) < 18 {
		return fmt.Errorf("device descriptor too short: %d bytes", len(data))
	}
	d.Length = data[0]
	d.DescriptorType = data[1]
	d.USBVersion = binary.LittleEndian.Uint16(data[2:4])
	d.DeviceClass = data[4]
	d.DeviceSubClass = data[5]
	d.DeviceProtocol = data[6]
	d.MaxPacketSize0 = data[7]
	d.VendorID = binary.LittleEndian.Uint16(data[8:10])
	d.ProductID = binary.LittleEndian.Uint16(data[10:12])
	d.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	d.ManufacturerIndex = data[14]
	d.ProductIndex = data[15]
	d.SerialNumberIndex = data[16]
	d.NumConfigurations = data[17]
	return nil
}

// ConfigDescriptor is a parsed USB configuration descriptor with its
// interface and endpoint tree.
type ConfigDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []Interface

	// Extra holds descriptors at configuration scope that are not parsed
	// into the structure.
	Extra []byte
}

// Interface groups the alternate settings of one interface number.
type Interface struct {
	AltSettings []InterfaceAltSetting
}

// InterfaceAltSetting is one interface descriptor with its endpoints.
type InterfaceAltSetting struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8

	Endpoints []EndpointDescriptor

	// Extra holds class-specific descriptors following this interface.
	Extra []byte
}

// EndpointDescriptor is a parsed endpoint descriptor.
type EndpointDescriptor struct {
	Length         uint8
	DescriptorType uint8
	EndpointAddr   uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8
}

func (e *EndpointDescriptor) IsIn() bool {
	return e.EndpointAddr&EndpointDirectionIn != 0
}

func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddr & EndpointNumberMask
}

func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & endpointAttributeMask)
}

// Unmarshal parses a full configuration descriptor set (the configuration
// header followed by interface, endpoint and class-specific descriptors) as
// returned by GET_DESCRIPTOR.
func (c *ConfigDescriptor) Unmarshal(data []byte) error {
	if len(data) < 9 {
		return fmt.Errorf("config descriptor too short: %d bytes", len(data))
	}

	c.Length = data[0]
	c.DescriptorType = data[1]
	c.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	c.NumInterfaces = data[4]
	c.ConfigurationValue = data[5]
	c.ConfigurationIndex = data[6]
	c.Attributes = data[7]
	c.MaxPower = data[8]

	interfaceMap := make(map[uint8]*Interface)
	var order []uint8

	var current *InterfaceAltSetting
	var endpoints []EndpointDescriptor
	var extra []byte

	flush := func() {
		if current == nil {
			return
		}
		current.Endpoints = endpoints
		current.Extra = extra
		if _, ok := interfaceMap[current.InterfaceNumber]; !ok {
			interfaceMap[current.InterfaceNumber] = &Interface{}
			order = append(order, current.InterfaceNumber)
		}
		iface := interfaceMap[current.InterfaceNumber]
		iface.AltSettings = append(iface.AltSettings, *current)
		current = nil
		endpoints = nil
		extra = nil
	}

	pos := 9
	for pos+2 <= len(data) {
		length := int(data[pos])
		descType := data[pos+1]
		if length == 0 || pos+length > len(data) {
			break
		}

		switch descType {
		case DescriptorTypeInterface:
			flush()
			if length < 9 {
				return fmt.Errorf("interface descriptor too short: %d bytes", length)
			}
			current = &InterfaceAltSetting{
				Length:            data[pos],
				DescriptorType:    data[pos+1],
				InterfaceNumber:   data[pos+2],
				AlternateSetting:  data[pos+3],
				NumEndpoints:      data[pos+4],
				InterfaceClass:    data[pos+5],
				InterfaceSubClass: data[pos+6],
				InterfaceProtocol: data[pos+7],
				InterfaceIndex:    data[pos+8],
			}
			endpoints = make([]EndpointDescriptor, 0, current.NumEndpoints)

		case DescriptorTypeEndpoint:
			if current == nil {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
				break
			}
			if length < 7 {
				return fmt.Errorf("endpoint descriptor too short: %d bytes", length)
			}
			endpoints = append(endpoints, EndpointDescriptor{
				Length:         data[pos],
				DescriptorType: data[pos+1],
				EndpointAddr:   data[pos+2],
				Attributes:     data[pos+3],
				MaxPacketSize:  binary.LittleEndian.Uint16(data[pos+4 : pos+6]),
				Interval:       data[pos+6],
			})

		default:
			if current != nil {
				extra = append(extra, data[pos:pos+length]...)
			} else {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			}
		}

		pos += length
	}
	flush()

	c.Interfaces = make([]Interface, 0, len(interfaceMap))
	for _, n := range order {
		c.Interfaces = append(c.Interfaces, *interfaceMap[n])
	}
	return nil
}

// ActiveEndpoints returns the endpoints of the zeroth alternate setting of
// every interface in the configuration, the set the relay brings up after
// SET_CONFIGURATION.
func (c *ConfigDescriptor) ActiveEndpoints() []EndpointDescriptor {
	var eps []EndpointDescriptor
	for i := range c.Interfaces {
		if len(c.Interfaces[i].AltSettings) == 0 {
			continue
		}
		eps = append(eps, c.Interfaces[i].AltSettings[0].Endpoints...)
	}
	return eps
}

// FindEndpoint finds an endpoint by address across all interfaces and
// alternate settings.
func (c *ConfigDescriptor) FindEndpoint(address uint8) *EndpointDescriptor {
	for i := range c.Interfaces {
		for j := range c.Interfaces[i].AltSettings {
			alt := &c.Interfaces[i].AltSettings[j]
			for k := range alt.Endpoints {
				if alt.Endpoints[k].EndpointAddr == address {
					return &alt.Endpoints[k]
				}
			}
		}
	}
	return nil
}

// Device is the enumerated view of the downstream device: descriptors as
// read off the wire plus their parsed form. It is read-only once setup
// completes and is shared by reference.
type Device struct {
	Descriptor DeviceDescriptor
	Configs    []*ConfigDescriptor

	// RawDescriptor and RawConfigs retain the exact bytes read from the
	// device so the host sees byte-identical descriptors on replay.
	RawDescriptor []byte
	RawConfigs    [][]byte

	Address   uint8
	Highspeed bool
}

// Config returns the configuration with the given bConfigurationValue.
func (d *Device) Config(value uint8) *ConfigDescriptor {
	for _, c := range d.Configs {
		if c.ConfigurationValue == value {
			return c
		}
	}
	return nil
}

func (d *Device) String() string {
	return fmt.Sprintf("device %04x:%04x addr=%d configs=%d",
		d.Descriptor.VendorID, d.Descriptor.ProductID, d.Address, len(d.Configs))
}
