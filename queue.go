package usbproxy

import (
	"time"

	"go.uber.org/atomic"
)

// DefaultQueueCapacity bounds each endpoint queue. A full queue drops the
// producer's packet rather than blocking the bus.
const DefaultQueueCapacity = 32

// PacketQueue is the bounded queue connecting the producers of one endpoint
// (its reader plus any bound injectors) to its single writer. Enqueue order
// is the order the writer observes.
type PacketQueue struct {
	ch      chan *Packet
	dropped atomic.Uint64
}

func NewPacketQueue(capacity int) *PacketQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &PacketQueue{ch: make(chan *Packet, capacity)}
}

// TryEnqueue adds the packet without blocking. It returns false when the
// queue is full; the packet is then the caller's to drop.
func (q *PacketQueue) TryEnqueue(p *Packet) bool {
	select {
	case q.ch <- p:
		return true
	default:
		q.dropped.Inc()
		return false
	}
}

// Dequeue removes one packet, waiting up to timeout. The second return is
// false when the wait expired empty.
func (q *PacketQueue) Dequeue(timeout time.Duration) (*Packet, bool) {
	select {
	case p := <-q.ch:
		return p, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-q.ch:
		return p, true
	case <-timer.C:
		return nil, false
	}
}

// Drain discards all queued packets and returns how many were removed.
func (q *PacketQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

func (q *PacketQueue) Len() int {
	return len(q.ch)
}

func (q *PacketQueue) Cap() int {
	return cap(q.ch)
}

// Dropped returns how many packets overflow has discarded.
func (q *PacketQueue) Dropped() uint64 {
	return q.dropped.Load()
}
