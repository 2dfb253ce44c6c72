package usbproxy

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status is the Manager lifecycle state. Only the Manager writes it; other
// components observe.
type Status int32

const (
	StatusIdle Status = iota
	StatusSetup
	StatusRelaying
	StatusStopping
	StatusSetupAbort
	StatusReset
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSetup:
		return "setup"
	case StatusRelaying:
		return "relaying"
	case StatusStopping:
		return "stopping"
	case StatusSetupAbort:
		return "setup-abort"
	case StatusReset:
		return "reset"
	}
	return "unknown"
}

const (
	// DefaultControlTimeout bounds each host control poll and each
	// forwarded EP0 transfer.
	DefaultControlTimeout = 500 * time.Millisecond

	// DefaultConnectTimeout bounds transport connect attempts.
	DefaultConnectTimeout = 250 * time.Millisecond
)

// relayPair is the worker set of one active endpoint.
type relayPair struct {
	endpoint *Endpoint
	reader   *RelayReader
	writer   *RelayWriter
	queue    *PacketQueue
}

// Manager coordinates the relay: it enumerates the downstream device,
// replays it to the host, services the EP0 control loop inline, and brings
// per-endpoint reader/writer workers up and down around the host's
// SET_CONFIGURATION requests.
type Manager struct {
	deviceProxy DeviceProxy
	hostProxy   HostProxy
	log         *zap.Logger

	filters   []PacketFilter
	injectors []Injector

	controlTimeout time.Duration
	connectTimeout time.Duration
	queueCapacity  int

	status atomic.Int32
	halt   *atomic.Bool

	device *Device

	mu           sync.Mutex
	queues       map[uint8]*PacketQueue
	workers      map[uint8]*relayPair
	claimed      []uint8
	activeConfig *ConfigDescriptor
	dataHalt     *atomic.Bool
	dataGroup    *errgroup.Group

	injGroup       *errgroup.Group
	injWorkers     []*injectorWorker
	injectedSetups chan *SetupPacket

	fatal atomic.Error
}

// NewManager builds a Manager over the two transports. A nil logger
// disables logging.
func NewManager(device DeviceProxy, host HostProxy, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		deviceProxy:    device,
		hostProxy:      host,
		log:            log,
		controlTimeout: DefaultControlTimeout,
		connectTimeout: DefaultConnectTimeout,
		queueCapacity:  DefaultQueueCapacity,
		halt:           atomic.NewBool(false),
		queues:         make(map[uint8]*PacketQueue),
		workers:        make(map[uint8]*relayPair),
		injectedSetups: make(chan *SetupPacket, 8),
	}
}

// AddFilter appends a filter to the chain. Order is insertion order and
// stable. Not safe to call once Run has started.
func (m *Manager) AddFilter(f PacketFilter) {
	m.filters = append(m.filters, f)
}

// AddInjector registers an injector; its criteria resolve against the
// enumerated device when relaying starts.
func (m *Manager) AddInjector(i Injector) {
	m.injectors = append(m.injectors, i)
}

// SetQueueCapacity overrides the per-endpoint queue depth.
func (m *Manager) SetQueueCapacity(n int) {
	m.queueCapacity = n
}

// SetControlTimeout overrides the host control poll timeout.
func (m *Manager) SetControlTimeout(d time.Duration) {
	m.controlTimeout = d
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	return Status(m.status.Load())
}

// Device returns the enumerated device tree, nil before setup completes.
func (m *Manager) Device() *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

func (m *Manager) setStatus(s Status) {
	old := Status(m.status.Swap(int32(s)))
	if old != s {
		m.log.Info("status", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// Stop asks the relay to shut down. It is safe to call from any goroutine
// and is idempotent; Run returns once all workers have joined.
func (m *Manager) Stop() {
	m.halt.Store(true)
}

func (m *Manager) requestStop(err error) {
	if err != nil {
		m.fatal.CompareAndSwap(nil, err)
	}
	m.Stop()
}

// Run performs control relaying: connect, enumerate, present the device to
// the host, then service the control loop until Stop or a fatal error. It
// owns the calling goroutine for the lifetime of the relay.
func (m *Manager) Run() error {
	if !m.status.CompareAndSwap(int32(StatusIdle), int32(StatusSetup)) {
		return fmt.Errorf("relay already running (status %v)", m.Status())
	}
	m.halt.Store(false)
	m.fatal.Store(nil)
	m.log.Info("status", zap.Stringer("from", StatusIdle), zap.Stringer("to", StatusSetup))

	if err := m.deviceProxy.Connect(m.connectTimeout); err != nil {
		m.setStatus(StatusSetupAbort)
		m.setStatus(StatusIdle)
		return fmt.Errorf("device connect: %w", err)
	}

	device, err := m.enumerate()
	if err != nil {
		m.deviceProxy.Disconnect()
		m.setStatus(StatusSetupAbort)
		m.setStatus(StatusIdle)
		return fmt.Errorf("enumerate: %w", err)
	}
	m.mu.Lock()
	m.device = device
	m.mu.Unlock()
	m.log.Info("enumerated", zap.String("device", device.String()),
		zap.Bool("highspeed", device.Highspeed))

	m.bindInjectors()
	m.injGroup = new(errgroup.Group)
	for _, w := range m.injWorkers {
		w := w
		m.injGroup.Go(w.listen)
	}

	if err := m.hostProxy.Connect(device, m.connectTimeout); err != nil {
		m.halt.Store(true)
		m.injGroup.Wait()
		m.deviceProxy.Disconnect()
		m.setStatus(StatusIdle)
		return fmt.Errorf("host connect: %w", err)
	}

	m.setStatus(StatusRelaying)
	m.controlLoop()

	m.setStatus(StatusStopping)
	m.halt.Store(true)
	m.stopDataRelaying()
	m.injGroup.Wait()
	m.cleanup()
	m.setStatus(StatusIdle)
	return m.fatal.Load()
}

// controlLoop drives the host side: poll for EP0 requests, interleave
// injected setups, and react to bus resets.
func (m *Manager) controlLoop() {
	for !m.halt.Load() {
		m.drainInjectedSetups()

		var setup SetupPacket
		pending, err := m.hostProxy.ControlRequest(&setup, m.controlTimeout)
		switch {
		case err == ErrReset:
			if !m.handleReset() {
				return
			}
			continue
		case err == ErrTimeout:
			continue
		case err != nil:
			m.requestStop(fmt.Errorf("host control poll: %w", err))
			return
		}
		if !pending || setup.Request == 0 && setup.RequestType == 0 {
			continue
		}
		m.handleControl(&setup)
	}
}

func (m *Manager) drainInjectedSetups() {
	for {
		select {
		case setup := <-m.injectedSetups:
			m.forwardInjectedSetup(setup)
		default:
			return
		}
	}
}

// forwardInjectedSetup sends an injector-synthesized control request to the
// device. There is no host awaiting a reply.
func (m *Manager) forwardInjectedSetup(setup *SetupPacket) {
	directionOut := !setup.IsIn()
	for _, f := range m.filters {
		f.OnSetup(setup, directionOut)
	}
	data := setup.Data
	if setup.IsIn() {
		data = make([]byte, setup.Length)
	}
	if _, err := m.deviceProxy.ControlRequest(setup, data, m.controlTimeout); err != nil {
		m.log.Warn("injected control request failed", zap.String("setup", setup.String()), zap.Error(err))
	}
}

// handleControl services one host EP0 request: filter it, intercept the
// standard requests that change proxy state, forward the rest.
func (m *Manager) handleControl(setup *SetupPacket) {
	directionOut := !setup.IsIn()
	for _, f := range m.filters {
		f.OnSetup(setup, directionOut)
	}

	if setup.IsStandard() {
		switch {
		case setup.Request == RequestSetAddress && setup.Recipient() == RequestRecipientDevice:
			// The proxy keeps its own bus address; the device already
			// has one. Absorb silently.
			m.log.Debug("swallowed SET_ADDRESS", zap.Uint16("address", setup.Value))
			m.hostProxy.ControlAck()
			return

		case setup.Request == RequestSetConfiguration && setup.Recipient() == RequestRecipientDevice:
			m.handleSetConfiguration(setup)
			return

		case setup.Request == RequestSetInterface && setup.Recipient() == RequestRecipientInterface:
			if _, err := m.deviceProxy.ControlRequest(setup, nil, m.controlTimeout); err != nil {
				m.log.Warn("SET_INTERFACE failed", zap.Error(err))
				m.hostProxy.StallEndpoint(0)
				return
			}
			m.hostProxy.ControlAck()
			return

		case setup.Request == RequestClearFeature && setup.Recipient() == RequestRecipientEndpoint &&
			setup.Value == FeatureEndpointHalt:
			if _, err := m.deviceProxy.ControlRequest(setup, nil, m.controlTimeout); err != nil {
				m.log.Warn("CLEAR_FEATURE(ENDPOINT_HALT) failed",
					zap.Uint16("endpoint", setup.Index), zap.Error(err))
				m.hostProxy.StallEndpoint(0)
				return
			}
			m.log.Debug("cleared endpoint halt", zap.Uint16("endpoint", setup.Index))
			m.hostProxy.ControlAck()
			return
		}
	}

	m.forwardControl(setup)
}

// forwardControl relays a control request to the device and the result back
// to the host, stalling EP0 on device failure.
func (m *Manager) forwardControl(setup *SetupPacket) {
	if setup.IsIn() {
		data := make([]byte, setup.Length)
		n, err := m.deviceProxy.ControlRequest(setup, data, m.controlTimeout)
		if err != nil {
			m.log.Warn("control forward failed", zap.String("setup", setup.String()), zap.Error(err))
			m.hostProxy.StallEndpoint(0)
			return
		}
		if n == 0 {
			m.hostProxy.ControlAck()
			return
		}
		m.hostProxy.Send(0, 0, uint16(m.device.Descriptor.MaxPacketSize0), data[:n])
		return
	}

	if _, err := m.deviceProxy.ControlRequest(setup, setup.Data, m.controlTimeout); err != nil {
		m.log.Warn("control forward failed", zap.String("setup", setup.String()), zap.Error(err))
		m.hostProxy.StallEndpoint(0)
		return
	}
	m.hostProxy.ControlAck()
}

func (m *Manager) handleSetConfiguration(setup *SetupPacket) {
	value := uint8(setup.Value)
	if _, err := m.deviceProxy.ControlRequest(setup, nil, m.controlTimeout); err != nil {
		m.log.Warn("SET_CONFIGURATION forward failed", zap.Uint8("value", value), zap.Error(err))
		m.hostProxy.StallEndpoint(0)
		return
	}
	if value == 0 {
		m.stopDataRelaying()
		m.hostProxy.ControlAck()
		return
	}
	if err := m.setConfig(value); err != nil {
		m.log.Error("configuration failed", zap.Uint8("value", value), zap.Error(err))
		m.hostProxy.StallEndpoint(0)
		return
	}
	m.hostProxy.ControlAck()
}

// setConfig tears down workers of a prior configuration and starts data
// relaying for the configuration with the given value.
func (m *Manager) setConfig(value uint8) error {
	m.stopDataRelaying()

	cfg := m.device.Config(value)
	if cfg == nil {
		return fmt.Errorf("%w: value %d", ErrNoConfig, value)
	}
	if err := m.hostProxy.SetConfig(cfg, cfg, m.device.Highspeed); err != nil {
		return fmt.Errorf("host set config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range cfg.Interfaces {
		if len(cfg.Interfaces[i].AltSettings) == 0 {
			continue
		}
		num := cfg.Interfaces[i].AltSettings[0].InterfaceNumber
		if err := m.deviceProxy.ClaimInterface(num); err != nil {
			m.log.Warn("claim interface failed", zap.Uint8("interface", num), zap.Error(err))
			continue
		}
		m.claimed = append(m.claimed, num)
	}

	m.startDataRelaying(cfg)
	return nil
}

// startDataRelaying spawns one reader and one writer per endpoint of the
// configuration. Callers hold m.mu.
func (m *Manager) startDataRelaying(cfg *ConfigDescriptor) {
	m.dataHalt = atomic.NewBool(false)
	m.dataGroup = new(errgroup.Group)
	m.activeConfig = cfg

	for _, desc := range cfg.ActiveEndpoints() {
		ep := NewEndpoint(desc)
		queue := m.queueLocked(ep.Address)

		var source packetSource
		var sink packetSink
		if ep.IsIn() {
			source, sink = m.deviceProxy, m.hostProxy
		} else {
			source, sink = m.hostProxy, m.deviceProxy
		}

		writer := newRelayWriter(ep, sink, queue, m.filters, m.dataHalt, m.requestStop, m.log)
		reader := newRelayReader(ep, source, queue, writer, m.dataHalt, m.log)
		m.workers[ep.Address] = &relayPair{endpoint: ep, reader: reader, writer: writer, queue: queue}

		m.dataGroup.Go(reader.run)
		m.dataGroup.Go(writer.run)
		ep.setStarted(true)
		m.log.Info("endpoint up", zap.String("endpoint", ep.String()))
	}
}

// stopDataRelaying halts and joins all data workers, drains the queues and
// releases claimed interfaces. Idempotent.
func (m *Manager) stopDataRelaying() {
	m.mu.Lock()
	group := m.dataGroup
	haltFlag := m.dataHalt
	m.mu.Unlock()

	if group == nil {
		return
	}
	haltFlag.Store(true)
	group.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range m.workers {
		pair.endpoint.setStarted(false)
	}
	m.workers = make(map[uint8]*relayPair)
	for _, q := range m.queues {
		if n := q.Drain(); n > 0 {
			m.log.Debug("queue drained", zap.Int("packets", n))
		}
	}
	for _, num := range m.claimed {
		m.deviceProxy.ReleaseInterface(num)
	}
	m.claimed = nil
	m.activeConfig = nil
	m.dataGroup = nil
	m.dataHalt = nil
}

// ActiveWorkerCount returns the number of endpoints with running workers.
func (m *Manager) ActiveWorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// handleReset services a host-side bus reset: tear down data workers,
// reset and re-enumerate the device, and resume. Returns false when the
// relay cannot recover.
func (m *Manager) handleReset() bool {
	m.log.Info("bus reset from host")
	m.setStatus(StatusReset)
	m.stopDataRelaying()

	m.setStatus(StatusSetup)
	if err := m.deviceProxy.Reset(); err != nil {
		m.requestStop(fmt.Errorf("device reset: %w", err))
		return false
	}
	device, err := m.enumerate()
	if err != nil {
		m.requestStop(fmt.Errorf("re-enumerate after reset: %w", err))
		return false
	}
	m.mu.Lock()
	m.device = device
	m.mu.Unlock()
	if err := m.hostProxy.Reset(); err != nil {
		m.requestStop(fmt.Errorf("host reset: %w", err))
		return false
	}
	m.setStatus(StatusRelaying)
	return true
}

// queue returns the packet queue for an endpoint address, creating it on
// first use. Queues persist across reconfiguration so injector bindings
// stay valid.
func (m *Manager) queue(address uint8) *PacketQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueLocked(address)
}

func (m *Manager) queueLocked(address uint8) *PacketQueue {
	if q, ok := m.queues[address]; ok {
		return q
	}
	q := NewPacketQueue(m.queueCapacity)
	m.queues[address] = q
	return q
}

// bindInjectors resolves every injector's criteria against the enumerated
// tree and hands each one the queues it may produce into.
func (m *Manager) bindInjectors() {
	m.injWorkers = m.injWorkers[:0]
	for _, inj := range m.injectors {
		crit := inj.Criteria()
		if !crit.MatchDevice(m.device) {
			continue
		}
		worker := &injectorWorker{
			injector: inj,
			queues:   make(map[uint8]*PacketQueue),
			setups:   m.injectedSetups,
			halt:     m.halt,
			log:      m.log.Named("injector"),
		}
		for _, cfg := range m.device.Configs {
			for i := range cfg.Interfaces {
				for j := range cfg.Interfaces[i].AltSettings {
					alt := &cfg.Interfaces[i].AltSettings[j]
					for k := range alt.Endpoints {
						addr := alt.Endpoints[k].EndpointAddr
						if crit.MatchEndpoint(cfg.ConfigurationValue, alt.InterfaceNumber, addr) {
							worker.bind(addr, m.queue(addr))
						}
					}
				}
			}
		}
		if len(worker.queues) == 0 {
			m.log.Warn("injector criteria matched no endpoints")
			continue
		}
		m.injWorkers = append(m.injWorkers, worker)
	}
}

// enumerate reads the device descriptor and every configuration descriptor
// set, retaining the raw bytes alongside the parsed tree.
func (m *Manager) enumerate() (*Device, error) {
	raw, err := m.getDescriptor(DescriptorTypeDevice, 0, 18)
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	device := &Device{
		RawDescriptor: raw,
		Address:       m.deviceProxy.Address(),
		Highspeed:     m.deviceProxy.IsHighspeed(),
	}
	if err := device.Descriptor.Unmarshal(raw); err != nil {
		return nil, err
	}

	for i := uint8(0); i < device.Descriptor.NumConfigurations; i++ {
		header, err := m.getDescriptor(DescriptorTypeConfig, i, 9)
		if err != nil {
			return nil, fmt.Errorf("config %d header: %w", i, err)
		}
		total := uint16(header[2]) | uint16(header[3])<<8
		full, err := m.getDescriptor(DescriptorTypeConfig, i, total)
		if err != nil {
			return nil, fmt.Errorf("config %d: %w", i, err)
		}
		cfg := new(ConfigDescriptor)
		if err := cfg.Unmarshal(full); err != nil {
			return nil, fmt.Errorf("config %d: %w", i, err)
		}
		device.Configs = append(device.Configs, cfg)
		device.RawConfigs = append(device.RawConfigs, full)
	}
	return device, nil
}

func (m *Manager) getDescriptor(descType, index uint8, length uint16) ([]byte, error) {
	setup := SetupPacket{
		RequestType: RequestTypeDirectionMask, // device-to-host, standard, device
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Length:      length,
	}
	data := make([]byte, length)
	n, err := m.deviceProxy.ControlRequest(&setup, data, m.controlTimeout)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

// cleanup tears down both transports and forgets per-session state.
func (m *Manager) cleanup() {
	m.hostProxy.Disconnect()
	m.deviceProxy.Disconnect()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		q.Drain()
	}
	m.queues = make(map[uint8]*PacketQueue)
	m.injWorkers = nil
	m.device = nil
}
