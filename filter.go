package usbproxy

// PacketFilter observes and mutates relayed traffic. OnData runs on the
// writer goroutine of one endpoint; the same filter instance is called
// concurrently for different endpoints and must synchronize any state it
// shares across them. Filters must not retain packet buffers beyond the
// call.
type PacketFilter interface {
	// OnSetup sees every EP0 request before it is forwarded. directionOut
	// is true for host-to-device requests.
	OnSetup(setup *SetupPacket, directionOut bool)

	// OnData may rewrite packet.Data in place or reallocate it, and may
	// clear packet.Transmit to drop the packet.
	OnData(packet *Packet)
}

// FullPipeHandler is implemented by filters that want to hear about packets
// dropped on queue overflow.
type FullPipeHandler interface {
	FullPipe(packet *Packet)
}
