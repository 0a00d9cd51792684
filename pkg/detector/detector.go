package detector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"time"

	"warden/pkg/protocol"
)

// DefaultHeartbeatInterval is how often the detector reports liveness.
const DefaultHeartbeatInterval = 30 * time.Second

// reconnectBaseInterval is the base retry interval for reconnection.
const reconnectBaseInterval = 2 * time.Second

// reconnectJitter is the maximum jitter added to the reconnect interval.
const reconnectJitter = 500 * time.Millisecond

// maxBufferedDetections bounds detections held across a supervisor outage.
const maxBufferedDetections = 100

// Source produces detections from wherever this detector watches: a mailbox,
// a social feed, an invoice directory. Poll is called on the configured
// interval and may return zero detections.
type Source interface {
	Poll(ctx context.Context) ([]protocol.DetectPayload, error)
}

// Detector is one worker process: a Source polled on an interval, with the
// results sent to the supervisor over a UDS connection.
type Detector struct {
	Name string

	mu           sync.Mutex
	conn         net.Conn
	disconnected bool

	socketPath        string // for reconnection; empty disables it
	source            Source
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	buffer            *detectBuffer
}

// New creates a Detector connected to the supervisor at socketPath.
func New(name, socketPath string, source Source, pollInterval time.Duration) (*Detector, error) {
	conn, err := net.Dial("unix", socketPath) //nolint:noctx // UDS connect is instant
	if err != nil {
		return nil, fmt.Errorf("connect to supervisor: %w", err)
	}
	d := NewWithConn(name, conn, source, pollInterval)
	d.socketPath = socketPath
	return d, nil
}

// NewWithConn creates a Detector on a pre-established connection (for
// testing); reconnection is disabled.
func NewWithConn(name string, conn net.Conn, source Source, pollInterval time.Duration) *Detector {
	return &Detector{
		Name:              name,
		conn:              conn,
		source:            source,
		pollInterval:      pollInterval,
		heartbeatInterval: DefaultHeartbeatInterval,
		buffer:            newDetectBuffer(maxBufferedDetections),
	}
}

// SetHeartbeatInterval overrides the heartbeat cadence (for testing).
func (d *Detector) SetHeartbeatInterval(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heartbeatInterval = interval
}

// Run is the main loop: heartbeats, source polls, and the read side watching
// for SHUTDOWN. It returns nil on clean shutdown or context cancellation.
func (d *Detector) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	shutdown := make(chan struct{})
	go d.readLoop(readErr, shutdown)

	d.sendHeartbeat()
	d.poll(ctx)

	d.mu.Lock()
	hb := time.NewTicker(d.heartbeatInterval)
	d.mu.Unlock()
	defer hb.Stop()
	pollTicker := time.NewTicker(d.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-shutdown:
			return nil
		case <-hb.C:
			d.sendHeartbeat()
		case <-pollTicker.C:
			d.poll(ctx)
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil //nolint:nilerr // cancelled = clean shutdown
			}
			if d.socketPath == "" {
				return err
			}
			if reconnErr := d.reconnect(ctx); reconnErr != nil {
				return reconnErr
			}
			go d.readLoop(readErr, shutdown)
		}
	}
}

// readLoop watches the connection for supervisor messages. The only one a
// detector acts on is SHUTDOWN.
func (d *Detector) readLoop(readErr chan<- error, shutdown chan<- struct{}) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type == protocol.MsgShutdown {
			shutdown <- struct{}{}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		readErr <- err
		return
	}
	readErr <- fmt.Errorf("connection closed")
}

// poll asks the source for detections and reports each one. A failing source
// is retried on the next tick; the supervisor notices persistent silence via
// heartbeat staleness only if we stop heartbeating, so source errors alone do
// not kill the detector.
func (d *Detector) poll(ctx context.Context) {
	detections, err := d.source.Poll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "detector %s: poll: %v\n", d.Name, err)
		return
	}
	now := time.Now()
	for _, det := range detections {
		det.Worker = d.Name
		if det.Source == "" {
			det.Source = d.Name
		}
		if det.DetectedAt.IsZero() {
			det.DetectedAt = now
		}
		detCopy := det
		d.send(protocol.Message{Type: protocol.MsgDetect, Detect: &detCopy})
	}
}

func (d *Detector) sendHeartbeat() {
	d.send(protocol.Message{
		Type: protocol.MsgHeartbeat,
		Heartbeat: &protocol.HeartbeatPayload{
			Worker:    d.Name,
			PID:       os.Getpid(),
			Timestamp: time.Now(),
		},
	})
}

// send writes one message, buffering it instead when disconnected.
// Heartbeats are not buffered; a stale heartbeat is worse than none.
func (d *Detector) send(msg protocol.Message) {
	d.mu.Lock()
	disconnected := d.disconnected
	conn := d.conn
	d.mu.Unlock()

	if disconnected {
		if msg.Type == protocol.MsgDetect {
			d.buffer.add(*msg.Detect)
		}
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil && msg.Type == protocol.MsgDetect {
		d.buffer.add(*msg.Detect)
	}
}

// reconnect dials the supervisor with jittered retries until it succeeds or
// ctx is cancelled, then replays buffered detections.
func (d *Detector) reconnect(ctx context.Context) error {
	d.mu.Lock()
	d.disconnected = true
	d.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("detector reconnect: %w", ctx.Err())
		default:
		}

		jitter := time.Duration(rand.Int64N(int64(2*reconnectJitter))) - reconnectJitter //nolint:gosec // jitter needs no crypto rand
		select {
		case <-ctx.Done():
			return fmt.Errorf("detector reconnect: %w", ctx.Err())
		case <-time.After(reconnectBaseInterval + jitter):
		}

		conn, err := net.Dial("unix", d.socketPath) //nolint:noctx // UDS reconnect is instant
		if err != nil {
			continue
		}

		d.mu.Lock()
		d.conn = conn
		d.disconnected = false
		d.mu.Unlock()

		d.sendHeartbeat()
		detections, dropped := d.buffer.drain()
		if dropped > 0 {
			fmt.Fprintf(os.Stderr, "detector %s: dropped %d detections while disconnected\n", d.Name, dropped)
		}
		for _, det := range detections {
			detCopy := det
			d.send(protocol.Message{Type: protocol.MsgDetect, Detect: &detCopy})
		}
		return nil
	}
}
