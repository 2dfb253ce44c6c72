package filters

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/zap"

	usbproxy "github.com/kevmo314/go-usbproxy"
)

// Bulk-Only Transport framing.
const (
	cbwSize      = 31
	cswSize      = 13
	cbwSignature = 0x43425355 // "USBC"
	cswSignature = 0x53425355 // "USBS"

	scsiRead10  = 0x28
	scsiWrite10 = 0x2a

	blockSize = 512
)

type botState int

const (
	botIdle botState = iota
	botRead
	botWrite
)

// MassStorage watches Bulk-Only Transport traffic. It can cache blocks the
// host reads and writes, and it can suppress writes entirely: the CBW and
// every data block of a blocked WRITE(10) are dropped and a forged success
// CSW is injected on the status endpoint so the host believes the write
// landed. Optional in-band passwords written to the medium toggle blocking
// at runtime.
type MassStorage struct {
	log *zap.Logger

	blockWrites      bool
	cacheBlocks      bool
	inbandSignalling bool
	blockPassword    []byte
	unblockPassword  []byte

	// statusEndpoint carries forged CSWs toward the host.
	statusEndpoint uint8

	mu                sync.Mutex
	state             botState
	inbandBlockWrites bool
	baseAddress       uint32
	blockCount        uint32
	blockOffset       uint32
	tag               uint32
	cache             map[uint32][]byte

	// tags queues one entry per fully-blocked write awaiting its forged
	// status.
	tags chan uint32
}

// MassStorageOptions configures the filter; zero values disable the
// corresponding behavior.
type MassStorageOptions struct {
	BlockWrites      bool
	CacheBlocks      bool
	InbandSignalling bool
	BlockPassword    string
	UnblockPassword  string
	StatusEndpoint   uint8 // defaults to 0x82
}

func NewMassStorage(opts MassStorageOptions, log *zap.Logger) *MassStorage {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.StatusEndpoint == 0 {
		opts.StatusEndpoint = 0x82
	}
	return &MassStorage{
		log:               log,
		blockWrites:       opts.BlockWrites,
		cacheBlocks:       opts.CacheBlocks,
		inbandSignalling:  opts.InbandSignalling,
		inbandBlockWrites: opts.BlockWrites,
		blockPassword:     []byte(opts.BlockPassword),
		unblockPassword:   []byte(opts.UnblockPassword),
		statusEndpoint:    opts.StatusEndpoint,
		cache:             make(map[uint32][]byte),
		tags:              make(chan uint32, 64),
	}
}

func (m *MassStorage) OnSetup(*usbproxy.SetupPacket, bool) {}

func (m *MassStorage) OnData(p *usbproxy.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case len(p.Data) == cbwSize && binary.LittleEndian.Uint32(p.Data) == cbwSignature:
		m.handleCBW(p)
	case len(p.Data) == cswSize && binary.LittleEndian.Uint32(p.Data) == cswSignature:
		m.handleCSW(p)
	case len(p.Data) > 64:
		// Data phase of whatever command is in flight.
		switch m.state {
		case botWrite:
			m.handleWriteData(p)
		case botRead:
			m.handleReadData(p)
		}
	}
}

// handleCBW decodes the command block; the CDB starts at offset 15.
func (m *MassStorage) handleCBW(p *usbproxy.Packet) {
	opcode := p.Data[15]
	switch opcode {
	case scsiRead10:
		m.state = botRead
		m.baseAddress = binary.BigEndian.Uint32(p.Data[0x11:0x15])
		m.blockCount = uint32(binary.BigEndian.Uint16(p.Data[0x16:0x18]))
		m.blockOffset = 0
		m.log.Debug("CBW read",
			zap.Uint32("lba", m.baseAddress), zap.Uint32("blocks", m.blockCount))

	case scsiWrite10:
		m.state = botWrite
		if m.inbandSignalling {
			m.blockWrites = m.inbandBlockWrites
		}
		m.tag = binary.LittleEndian.Uint32(p.Data[4:8])
		m.baseAddress = binary.BigEndian.Uint32(p.Data[0x11:0x15])
		m.blockCount = uint32(binary.BigEndian.Uint16(p.Data[0x16:0x18]))
		m.blockOffset = 0
		if m.blockWrites {
			p.Transmit = false
		}
		m.log.Debug("CBW write",
			zap.Uint32("tag", m.tag), zap.Uint32("lba", m.baseAddress),
			zap.Uint32("blocks", m.blockCount), zap.Bool("blocked", m.blockWrites))

	default:
		if opcode != 0 { // ignore status ping
			m.log.Debug("CBW", zap.Uint8("opcode", opcode),
				zap.Uint32("tag", binary.LittleEndian.Uint32(p.Data[4:8])))
		}
	}
}

func (m *MassStorage) handleCSW(p *usbproxy.Packet) {
	status := p.Data[12]
	if status == 0 {
		if m.state == botWrite {
			m.log.Debug("CSW write ok", zap.Uint32("tag", binary.LittleEndian.Uint32(p.Data[4:8])))
		}
	} else {
		m.log.Warn("CSW error", zap.Uint8("status", status))
	}
	m.state = botIdle
}

func (m *MassStorage) handleWriteData(p *usbproxy.Packet) {
	address := m.baseAddress + m.blockOffset
	if m.cacheBlocks {
		m.cacheWrite(address, p.Data)
	}
	if m.inbandSignalling {
		m.scanPassword(p.Data)
	}
	if m.blockWrites {
		p.Transmit = false
		m.blockOffset++
		if m.blockOffset == m.blockCount {
			// Whole write suppressed; owe the host a success status.
			select {
			case m.tags <- m.tag:
			default:
				m.log.Warn("status queue full, forged CSW lost", zap.Uint32("tag", m.tag))
			}
		}
	} else {
		m.blockOffset++
	}
}

func (m *MassStorage) handleReadData(p *usbproxy.Packet) {
	address := m.baseAddress + m.blockOffset
	if m.cacheBlocks {
		m.cacheRead(address, p.Data)
	}
	m.blockOffset++
}

// cacheRead serves a previously cached (possibly locally written) block
// back to the host, or caches a block seen for the first time.
func (m *MassStorage) cacheRead(address uint32, data []byte) {
	if len(data) < blockSize {
		return
	}
	if cached, ok := m.cache[address]; ok {
		copy(data[:blockSize], cached)
		return
	}
	block := make([]byte, blockSize)
	copy(block, data)
	m.cache[address] = block
}

func (m *MassStorage) cacheWrite(address uint32, data []byte) {
	if len(data) < blockSize {
		return
	}
	if cached, ok := m.cache[address]; ok {
		changed := 0
		for i := 0; i < blockSize; i++ {
			if cached[i] != data[i] {
				changed++
			}
		}
		m.log.Debug("block rewritten", zap.Uint32("lba", address), zap.Int("changed", changed))
		copy(cached, data[:blockSize])
		return
	}
	block := make([]byte, blockSize)
	copy(block, data)
	m.cache[address] = block
	m.log.Debug("block cached on write", zap.Uint32("lba", address))
}

// scanPassword toggles write blocking when a configured password appears in
// written data.
func (m *MassStorage) scanPassword(data []byte) {
	limit := len(data)
	if limit > blockSize {
		limit = blockSize
	}
	if m.inbandBlockWrites {
		if len(m.unblockPassword) > 0 && bytes.Contains(data[:limit], m.unblockPassword) {
			m.log.Info("unblock password seen, writes pass through")
			m.inbandBlockWrites = false
		}
	} else {
		if len(m.blockPassword) > 0 && bytes.Contains(data[:limit], m.blockPassword) {
			m.log.Info("block password seen, writes suppressed")
			m.inbandBlockWrites = true
		}
	}
}

// CacheSize returns the number of cached blocks.
func (m *MassStorage) CacheSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// Injector surface: forged CSWs for blocked writes.

func (m *MassStorage) Criteria() usbproxy.Criteria {
	c := usbproxy.AnyCriteria()
	c.Endpoint = int16(m.statusEndpoint)
	return c
}

// Next blocks for the next suppressed write and synthesizes its success
// CSW on the status endpoint.
func (m *MassStorage) Next(timeout time.Duration) (*usbproxy.Packet, *usbproxy.SetupPacket, error) {
	select {
	case tag := <-m.tags:
		buf := make([]byte, cswSize)
		binary.LittleEndian.PutUint32(buf[0:4], cswSignature)
		binary.LittleEndian.PutUint32(buf[4:8], tag)
		// Residue and status stay zero: everything "transferred", no error.
		m.log.Info("injecting forged CSW", zap.Uint32("tag", tag))
		return usbproxy.NewPacket(m.statusEndpoint, buf), nil, nil
	case <-time.After(timeout):
		return nil, nil, usbproxy.ErrTimeout
	}
}

func (m *MassStorage) Start() error { return nil }

func (m *MassStorage) Stop() {
	m.log.Debug("mass storage filter stopping", zap.Int("cached_blocks", m.CacheSize()))
}
