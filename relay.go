package usbproxy

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// DefaultDataTimeout bounds each blocking transfer so workers can
	// observe the halt flag between attempts.
	DefaultDataTimeout = 250 * time.Millisecond

	writerPollInterval = 100 * time.Millisecond
)

// RelayReader pulls transfers off one side of the bus for a single endpoint
// and enqueues them for the paired writer. Every endpoint of the active
// configuration gets a reader, including endpoints that only carry injected
// traffic; on those the reader only ever times out.
type RelayReader struct {
	endpoint *Endpoint
	source   packetSource
	queue    *PacketQueue
	writer   *RelayWriter
	halt     *atomic.Bool
	timeout  time.Duration
	log      *zap.Logger

	relayed atomic.Uint64
}

func newRelayReader(ep *Endpoint, source packetSource, queue *PacketQueue, writer *RelayWriter, halt *atomic.Bool, log *zap.Logger) *RelayReader {
	return &RelayReader{
		endpoint: ep,
		source:   source,
		queue:    queue,
		writer:   writer,
		halt:     halt,
		timeout:  DefaultDataTimeout,
		log:      log.With(zap.Uint8("endpoint", ep.Address)),
	}
}

// run loops until halt or a fatal transport error. Timeouts are the idle
// case and just re-check halt; a dead endpoint stops this worker only.
func (r *RelayReader) run() error {
	for !r.halt.Load() {
		data, err := r.source.Receive(r.endpoint.Address, r.endpoint.Attributes, r.endpoint.MaxPacketSize, r.timeout)
		switch {
		case err == ErrTimeout:
			continue
		case err != nil:
			if !r.halt.Load() {
				r.log.Error("endpoint read failed, reader exiting", zap.Error(err))
			}
			return nil
		}

		packet := NewPacket(r.endpoint.Address, data)
		if !r.queue.TryEnqueue(packet) {
			// Synchronous on this goroutine: the writer hook decides
			// what dropping means before the reader touches the bus
			// again.
			r.writer.fullPipe(packet)
			continue
		}
		r.relayed.Inc()
	}
	return nil
}

// RelayWriter drains one endpoint's queue, runs the filter chain and
// transmits surviving packets to the opposite side.
type RelayWriter struct {
	endpoint *Endpoint
	sink     packetSink
	queue    *PacketQueue
	filters  []PacketFilter
	halt     *atomic.Bool
	log      *zap.Logger

	// onFatal asks the coordinator to stop the relay; a filter panic is
	// fatal for the whole session.
	onFatal func(error)

	written atomic.Uint64
	dropped atomic.Uint64
}

func newRelayWriter(ep *Endpoint, sink packetSink, queue *PacketQueue, filters []PacketFilter, halt *atomic.Bool, onFatal func(error), log *zap.Logger) *RelayWriter {
	return &RelayWriter{
		endpoint: ep,
		sink:     sink,
		queue:    queue,
		filters:  filters,
		halt:     halt,
		onFatal:  onFatal,
		log:      log.With(zap.Uint8("endpoint", ep.Address)),
	}
}

func (w *RelayWriter) run() (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("filter panic on endpoint %02x: %v", w.endpoint.Address, v)
			w.log.Error("filter panicked, stopping relay", zap.Any("panic", v))
			if w.onFatal != nil {
				w.onFatal(err)
			}
		}
	}()

	for {
		packet, ok := w.queue.Dequeue(writerPollInterval)
		if !ok {
			if w.halt.Load() {
				return nil
			}
			continue
		}

		for _, f := range w.filters {
			f.OnData(packet)
		}
		if !packet.Transmit {
			w.dropped.Inc()
			continue
		}

		if err := w.sink.Send(w.endpoint.Address, w.endpoint.Attributes, w.endpoint.MaxPacketSize, packet.Data); err != nil {
			if !w.halt.Load() {
				w.log.Error("endpoint write failed, writer exiting", zap.Error(err))
			}
			return nil
		}
		if w.needsZLP(packet) {
			if err := w.sink.Send(w.endpoint.Address, w.endpoint.Attributes, w.endpoint.MaxPacketSize, nil); err != nil {
				if !w.halt.Load() {
					w.log.Error("zero-length write failed, writer exiting", zap.Error(err))
				}
				return nil
			}
		}
		if sw, ok := w.sink.(sendWaiter); ok {
			if !sw.SendWaitComplete(w.endpoint.Address, DefaultDataTimeout) {
				w.log.Debug("send completion wait expired")
			}
		}
		w.written.Inc()
	}
}

// sendWaiter is the optional completion-wait surface of host-side sinks.
type sendWaiter interface {
	SendWaitComplete(endpoint uint8, timeout time.Duration) bool
}

// needsZLP reports whether the transfer must be terminated by a zero-length
// packet: a bulk IN transfer at a logical boundary whose length divides
// evenly into max-packet-size units leaves the host no short packet to end
// on.
func (w *RelayWriter) needsZLP(p *Packet) bool {
	if !p.ZLP || len(p.Data) == 0 {
		return false
	}
	if w.endpoint.TransferType() != TransferTypeBulk || !w.endpoint.IsIn() {
		return false
	}
	return len(p.Data)%int(w.endpoint.MaxPacketSize) == 0
}

// fullPipe handles a packet that did not fit the queue: drop it, count it,
// tell any filter that cares. Runs on the producer's goroutine.
func (w *RelayWriter) fullPipe(packet *Packet) {
	w.dropped.Inc()
	w.log.Warn("queue full, packet dropped", zap.Uint16("length", packet.Length()))
	for _, f := range w.filters {
		if h, ok := f.(FullPipeHandler); ok {
			h.FullPipe(packet)
		}
	}
}
