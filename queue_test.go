package usbproxy

import (
	"testing"
	"time"
)

func TestPacketQueueFIFO(t *testing.T) {
	q := NewPacketQueue(8)
	for i := 0; i < 5; i++ {
		if !q.TryEnqueue(NewPacket(0x81, []byte{byte(i)})) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	for i := 0; i < 5; i++ {
		p, ok := q.Dequeue(time.Second)
		if !ok {
			t.Fatalf("dequeue %d timed out", i)
		}
		if p.Data[0] != byte(i) {
			t.Fatalf("dequeue %d = %d, out of order", i, p.Data[0])
		}
	}
}

func TestPacketQueueOverflow(t *testing.T) {
	q := NewPacketQueue(4)
	for i := 0; i < 4; i++ {
		if !q.TryEnqueue(NewPacket(0x81, nil)) {
			t.Fatalf("enqueue %d failed below capacity", i)
		}
	}
	if q.TryEnqueue(NewPacket(0x81, nil)) {
		t.Fatal("enqueue above capacity succeeded")
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", q.Dropped())
	}
	if q.Len() != 4 || q.Cap() != 4 {
		t.Errorf("Len=%d Cap=%d, want 4/4", q.Len(), q.Cap())
	}
}

func TestPacketQueueDequeueTimeout(t *testing.T) {
	q := NewPacketQueue(1)
	start := time.Now()
	if _, ok := q.Dequeue(20 * time.Millisecond); ok {
		t.Fatal("dequeue on empty queue returned a packet")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("dequeue returned before the timeout")
	}
}

func TestPacketQueueDrain(t *testing.T) {
	q := NewPacketQueue(8)
	for i := 0; i < 6; i++ {
		q.TryEnqueue(NewPacket(0x02, nil))
	}
	if n := q.Drain(); n != 6 {
		t.Errorf("Drain = %d, want 6", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len after drain = %d, want 0", q.Len())
	}
}

func TestPacketQueueDefaultCapacity(t *testing.T) {
	q := NewPacketQueue(0)
	if q.Cap() != DefaultQueueCapacity {
		t.Errorf("Cap = %d, want %d", q.Cap(), DefaultQueueCapacity)
	}
}
