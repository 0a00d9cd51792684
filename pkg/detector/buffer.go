// Package detector implements the warden detector worker. It connects to the
// supervisor over a Unix domain socket, polls a source for occurrences, and
// reports detections and heartbeats. Detections found while disconnected are
// buffered and replayed after reconnect; the supervisor's dedup ledger makes
// the replay safe.
package detector

import (
	"sync"

	"warden/pkg/protocol"
)

// detectBuffer holds detections found while the supervisor is unreachable.
// Bounded FIFO: at capacity the oldest detection is evicted and counted, so
// a long outage loses the stalest work first and the loss is reportable.
type detectBuffer struct {
	mu      sync.Mutex
	pending []protocol.DetectPayload
	cap     int
	dropped int
}

func newDetectBuffer(capacity int) *detectBuffer {
	return &detectBuffer{
		pending: make([]protocol.DetectPayload, 0, capacity),
		cap:     capacity,
	}
}

// add queues one detection, evicting the oldest when full.
func (b *detectBuffer) add(det protocol.DetectPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) >= b.cap {
		copy(b.pending, b.pending[1:])
		b.pending[len(b.pending)-1] = det
		b.dropped++
		return
	}
	b.pending = append(b.pending, det)
}

// drain returns all queued detections plus the count evicted since the last
// drain, and resets both.
func (b *detectBuffer) drain() ([]protocol.DetectPayload, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := b.dropped
	b.dropped = 0
	if len(b.pending) == 0 {
		return nil, dropped
	}
	out := make([]protocol.DetectPayload, len(b.pending))
	copy(out, b.pending)
	b.pending = b.pending[:0]
	return out, dropped
}

func (b *detectBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
