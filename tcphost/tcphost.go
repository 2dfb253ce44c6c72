// Package tcphost implements the upstream host transport over a TCP
// tunnel: a remote peer drives real gadget hardware and forwards the
// host's transfers as length-delimited frames. The proxy side listens and
// serves a single peer at a time.
package tcphost

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	usbproxy "github.com/kevmo314/go-usbproxy"
)

// Proxy is a usbproxy.HostProxy over a framed TCP connection.
type Proxy struct {
	ListenAddr string

	log *zap.Logger

	mu        sync.Mutex
	ln        net.Listener
	conn      net.Conn
	bw        *bufio.Writer
	connected bool

	group *errgroup.Group

	setups chan frame
	resets chan struct{}

	epMu   sync.Mutex
	epData map[uint8]chan []byte
}

func New(listenAddr string, log *zap.Logger) *Proxy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Proxy{
		ListenAddr: listenAddr,
		log:        log,
		setups:     make(chan frame, 16),
		resets:     make(chan struct{}, 1),
		epData:     make(map[uint8]chan []byte),
	}
}

func (p *Proxy) epChan(endpoint uint8) chan []byte {
	p.epMu.Lock()
	defer p.epMu.Unlock()
	if ch, ok := p.epData[endpoint]; ok {
		return ch
	}
	ch := make(chan []byte, 64)
	p.epData[endpoint] = ch
	return ch
}

// Connect waits for the remote peer and hands it the enumerated
// descriptors so its gadget side can expose the device.
func (p *Proxy) Connect(device *usbproxy.Device, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return usbproxy.ErrConnected
	}

	if p.ln == nil {
		ln, err := net.Listen("tcp", p.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", p.ListenAddr, err)
		}
		p.ln = ln
		p.log.Info("listening for host peer", zap.String("addr", ln.Addr().String()))
	}

	type accepted struct {
		conn net.Conn
		err  error
	}
	ln := p.ln
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	// The lock is released while waiting for the peer.
	p.mu.Unlock()
	var a accepted
	select {
	case a = <-ch:
	case <-time.After(timeout):
		a.err = usbproxy.ErrTimeout
	}
	p.mu.Lock()
	if a.err == usbproxy.ErrTimeout {
		return a.err
	}
	if a.err != nil {
		return fmt.Errorf("accept: %w", a.err)
	}
	conn := a.conn

	p.conn = conn
	p.bw = bufio.NewWriter(conn)
	p.connected = true
	p.log.Info("host peer connected", zap.String("peer", conn.RemoteAddr().String()))

	blobs := [][]byte{device.RawDescriptor}
	blobs = append(blobs, device.RawConfigs...)
	if err := p.writeFrameLocked(frame{Type: frameDescriptors, Payload: encodeDescriptors(blobs)}); err != nil {
		p.disconnectLocked()
		return fmt.Errorf("send descriptors: %w", err)
	}

	p.group = new(errgroup.Group)
	p.group.Go(func() error { return p.readLoop(conn) })
	return nil
}

// readLoop demultiplexes inbound frames into the setup and per-endpoint
// channels until the peer goes away.
func (p *Proxy) readLoop(conn net.Conn) error {
	br := bufio.NewReader(conn)
	for {
		f, err := readFrame(br)
		if err != nil {
			p.mu.Lock()
			open := p.connected && p.conn == conn
			p.mu.Unlock()
			if open {
				p.log.Warn("host peer read failed", zap.Error(err))
			}
			return nil
		}
		switch f.Type {
		case frameSetup:
			select {
			case p.setups <- f:
			default:
				p.log.Warn("setup backlog full, request dropped")
			}
		case frameData:
			select {
			case p.epChan(f.Endpoint) <- f.Payload:
			default:
				p.log.Warn("endpoint backlog full, transfer dropped",
					zap.Uint8("endpoint", f.Endpoint))
			}
		case frameReset:
			select {
			case p.resets <- struct{}{}:
			default:
			}
		default:
			p.log.Warn("unexpected frame from peer", zap.Uint8("type", f.Type))
		}
	}
}

func (p *Proxy) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnectLocked()
}

func (p *Proxy) disconnectLocked() error {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	if p.ln != nil {
		p.ln.Close()
		p.ln = nil
	}
	p.connected = false
	if p.group != nil {
		group := p.group
		p.group = nil
		p.mu.Unlock()
		group.Wait()
		p.mu.Lock()
	}
	return nil
}

// Reset acknowledges a bus reset to the peer.
func (p *Proxy) Reset() error {
	return p.send(frame{Type: frameReset})
}

func (p *Proxy) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Proxy) ControlRequest(setup *usbproxy.SetupPacket, timeout time.Duration) (bool, error) {
	select {
	case <-p.resets:
		return false, usbproxy.ErrReset
	case f := <-p.setups:
		if err := usbproxy.ParseSetupPacket(f.Payload, setup); err != nil {
			return false, err
		}
		setup.Data = nil
		if !setup.IsIn() && len(f.Payload) > usbproxy.SetupPacketSize {
			setup.Data = f.Payload[usbproxy.SetupPacketSize:]
		}
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (p *Proxy) Send(endpoint, _ uint8, _ uint16, data []byte) error {
	return p.send(frame{Type: frameData, Endpoint: endpoint, Payload: data})
}

// SendWaitComplete flushes the stream; TCP delivery stands in for transfer
// completion.
func (p *Proxy) SendWaitComplete(uint8, time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return false
	}
	return p.bw.Flush() == nil
}

func (p *Proxy) Receive(endpoint, _ uint8, _ uint16, timeout time.Duration) ([]byte, error) {
	select {
	case data := <-p.epChan(endpoint):
		return data, nil
	case <-time.After(timeout):
		return nil, usbproxy.ErrTimeout
	}
}

func (p *Proxy) ControlAck() error {
	return p.send(frame{Type: frameAck})
}

func (p *Proxy) StallEndpoint(endpoint uint8) error {
	return p.send(frame{Type: frameStall, Endpoint: endpoint})
}

// SetConfig tells the peer which configuration went active. The peer holds
// the full descriptor sets from Connect; the value plus the speed flag is
// enough to pick one.
func (p *Proxy) SetConfig(fullspeed, _ *usbproxy.ConfigDescriptor, isHighspeed bool) error {
	payload := []byte{fullspeed.ConfigurationValue, 0}
	if isHighspeed {
		payload[1] = 1
	}
	return p.send(frame{Type: frameConfig, Payload: payload})
}

func (p *Proxy) send(f frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeFrameLocked(f)
}

func (p *Proxy) writeFrameLocked(f frame) error {
	if !p.connected {
		return usbproxy.ErrNotConnected
	}
	if err := writeFrame(p.bw, f); err != nil {
		return err
	}
	return p.bw.Flush()
}
