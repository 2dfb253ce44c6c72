package usbproxy

import (
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// CriteriaAny is the wildcard value for any Criteria field.
const CriteriaAny = -1

// Criteria restricts which endpoints an injector is bound to when relaying
// starts. A field set to CriteriaAny matches everything.
type Criteria struct {
	VendorID      int32
	ProductID     int32
	Configuration int16
	Interface     int16
	Endpoint      int16 // full endpoint address
}

// AnyCriteria matches every endpoint of every device.
func AnyCriteria() Criteria {
	return Criteria{
		VendorID:      CriteriaAny,
		ProductID:     CriteriaAny,
		Configuration: CriteriaAny,
		Interface:     CriteriaAny,
		Endpoint:      CriteriaAny,
	}
}

// MatchDevice reports whether the enumerated device satisfies the device
// part of the criteria.
func (c Criteria) MatchDevice(d *Device) bool {
	if c.VendorID != CriteriaAny && uint16(c.VendorID) != d.Descriptor.VendorID {
		return false
	}
	if c.ProductID != CriteriaAny && uint16(c.ProductID) != d.Descriptor.ProductID {
		return false
	}
	return true
}

// MatchEndpoint reports whether one endpoint of the enumerated tree
// satisfies the configuration, interface and endpoint parts.
func (c Criteria) MatchEndpoint(configValue, ifaceNumber, address uint8) bool {
	if c.Configuration != CriteriaAny && uint8(c.Configuration) != configValue {
		return false
	}
	if c.Interface != CriteriaAny && uint8(c.Interface) != ifaceNumber {
		return false
	}
	if c.Endpoint != CriteriaAny && uint8(c.Endpoint) != address {
		return false
	}
	return true
}

// Injector is an independent producer of packets into the relay. Next may
// block on injector-owned I/O; it must return ErrTimeout within roughly the
// given timeout when it has nothing, so the core can observe halt.
type Injector interface {
	// Criteria selects the endpoints whose queues the injector may
	// produce into.
	Criteria() Criteria

	// Next returns the next synthesized packet or setup request. Exactly
	// one of the two results is non-nil on success.
	Next(timeout time.Duration) (*Packet, *SetupPacket, error)

	// Start runs before the listen loop, Stop after it.
	Start() error
	Stop()
}

// PollableInjector is implemented by injectors that also expose file
// descriptors for integration with an external event loop. The core does
// not require it.
type PollableInjector interface {
	Injector
	PollableFDs() []int
}

const injectorPollInterval = 250 * time.Millisecond

// injectorWorker runs one injector's listen loop. It holds only the
// capabilities the loop needs: the bound queues, the setup funnel toward
// the control loop, and the halt flag.
type injectorWorker struct {
	injector Injector
	queues   map[uint8]*PacketQueue
	setups   chan<- *SetupPacket
	halt     *atomic.Bool
	log      *zap.Logger
}

func (w *injectorWorker) bind(address uint8, q *PacketQueue) {
	w.queues[address] = q
}

// listen is the injector main loop: pull packets from the injector's own
// source and publish them into the queue matching their endpoint address,
// until halt. Injector failures stop this injector only.
func (w *injectorWorker) listen() error {
	if err := w.injector.Start(); err != nil {
		w.log.Error("injector start failed", zap.Error(err))
		return nil
	}
	defer w.injector.Stop()

	for !w.halt.Load() {
		packet, setup, err := w.injector.Next(injectorPollInterval)
		switch {
		case err == ErrTimeout:
			continue
		case err != nil:
			w.log.Error("injector failed", zap.Error(err))
			return nil
		}

		if setup != nil {
			select {
			case w.setups <- setup:
			default:
				w.log.Warn("injected setup dropped, control loop backlogged",
					zap.String("setup", setup.String()))
			}
		}
		if packet == nil {
			continue
		}

		q, ok := w.queues[packet.Endpoint]
		if !ok {
			w.log.Warn("injected packet for unbound endpoint",
				zap.Uint8("endpoint", packet.Endpoint))
			continue
		}
		if !q.TryEnqueue(packet) {
			w.log.Warn("injected packet dropped, queue full",
				zap.Uint8("endpoint", packet.Endpoint))
		}
	}
	return nil
}
