// Package broadcaster implements the per-device client registry and
// packet-pacing drain loop (§4.3): one-display-one-viewer client
// replacement, stale-frame dropping, abort-on-newer-frame mid-sequence,
// and buffer-drain pacing against a slow transport. Grounded on the
// teacher's internal/webmonitor.Broadcaster for the client-set/fanout
// shape, generalized from a single shared video stream to a per-device
// registry of independently paced queues.
package broadcaster

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/logger"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/metrics"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/protocol"
	"github.com/dj-oyu/kiosk-stream/streaming-server/pkg/types"
)

const (
	minFrameGap       = 100 * time.Millisecond
	drainMax          = 2 * time.Second
	drainPoll         = 5 * time.Millisecond
	backpressureLow   = 16 * 1024 // bytes
	statsFrameID      = 0
	clientRateLimitHz = 60 // ceiling independent of minFrameInterval; pacing does the real gating
)

// Conn is the transport connection contract the broadcaster paces
// against. transport.Conn satisfies this.
type Conn interface {
	ID() string
	WriteMessage(data []byte) error
	BufferedAmount() int
	Closed() bool
	Close() error
}

// outFrame is one queued, already-packetized frame sequence.
type outFrame struct {
	frameID  uint32
	isStats  bool
	packets  [][]byte
	seq      int64 // monotonic enqueue sequence, for "has a newer frame arrived" checks
}

type deviceQueue struct {
	mu      sync.Mutex
	clients map[string]Conn
	queue   []outFrame
	nextSeq int64
	sending bool
	limiter *rate.Limiter
}

// Broadcaster owns one deviceQueue per device identifier.
type Broadcaster struct {
	m *metrics.Metrics

	mu      sync.Mutex
	devices map[string]*deviceQueue
}

// New constructs an empty Broadcaster.
func New(m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{m: m, devices: make(map[string]*deviceQueue)}
}

func (b *Broadcaster) deviceLocked(deviceID string) *deviceQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	dq, ok := b.devices[deviceID]
	if !ok {
		dq = &deviceQueue{
			clients: make(map[string]Conn),
			limiter: rate.NewLimiter(rate.Limit(clientRateLimitHz), 1),
		}
		b.devices[deviceID] = dq
	}
	return dq
}

// AddClient registers conn for deviceID. Per the one-display-one-viewer
// replacement policy, any previously connected clients for deviceID are
// closed first.
func (b *Broadcaster) AddClient(deviceID string, conn Conn) {
	dq := b.deviceLocked(deviceID)

	dq.mu.Lock()
	stale := make([]Conn, 0, len(dq.clients))
	for id, c := range dq.clients {
		stale = append(stale, c)
		delete(dq.clients, id)
	}
	dq.clients[conn.ID()] = conn
	dq.mu.Unlock()

	for _, c := range stale {
		_ = c.Close()
	}
	b.m.ConnectedClients.Add(1)
}

// RemoveClient unregisters conn. If the client set becomes empty, the
// queue and all state for deviceID is discarded.
func (b *Broadcaster) RemoveClient(deviceID string, conn Conn) {
	b.mu.Lock()
	dq, ok := b.devices[deviceID]
	b.mu.Unlock()
	if !ok {
		return
	}

	dq.mu.Lock()
	if existing, present := dq.clients[conn.ID()]; present && existing == conn {
		delete(dq.clients, conn.ID())
	}
	empty := len(dq.clients) == 0
	if empty {
		dq.queue = nil
	}
	dq.mu.Unlock()

	b.m.ConnectedClients.Add(^uint64(0)) // atomic decrement

	if empty {
		b.mu.Lock()
		delete(b.devices, deviceID)
		b.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients for deviceID.
func (b *Broadcaster) ClientCount(deviceID string) int {
	b.mu.Lock()
	dq, ok := b.devices[deviceID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return len(dq.clients)
}

// SendFrameChunked packetizes frame via the protocol encoder, enqueues
// it as one OutFrame, and starts the drain loop if one is not already
// running. A frame is silently dropped (not enqueued) if the device has
// no connected clients, per invariant 6.
func (b *Broadcaster) SendFrameChunked(deviceID string, frame types.FrameOut, frameID uint32, maxBytes int) {
	if frame.Empty() {
		return
	}

	dq := b.deviceLocked(deviceID)
	dq.mu.Lock()
	if len(dq.clients) == 0 {
		dq.mu.Unlock()
		return
	}
	dq.mu.Unlock()

	rects := make([]protocol.Rect, len(frame.Rects))
	for i, r := range frame.Rects {
		rects[i] = protocol.Rect{X: r.X, Y: r.Y, W: r.W, H: r.H, Payload: r.Payload}
	}
	packets, err := protocol.BuildFramePackets(rects, frameID, frame.IsFullFrame, maxBytes)
	if err != nil {
		logger.Warn("Broadcaster", "device %s: failed to packetize frame %d: %v", deviceID, frameID, err)
		return
	}

	b.enqueue(dq, outFrame{frameID: frameID, packets: packets})
	b.startDrain(deviceID, dq)
}

// StartSelfTestMeasurement enqueues a distinguished single-packet frame
// carrying no tile payload, used for round-trip timing measurement.
func (b *Broadcaster) StartSelfTestMeasurement(deviceID string) {
	dq := b.deviceLocked(deviceID)
	dq.mu.Lock()
	if len(dq.clients) == 0 {
		dq.mu.Unlock()
		return
	}
	dq.mu.Unlock()

	b.enqueue(dq, outFrame{frameID: statsFrameID, isStats: true, packets: [][]byte{protocol.BuildFrameStatsPacket()}})
	b.startDrain(deviceID, dq)
}

func (b *Broadcaster) enqueue(dq *deviceQueue, f outFrame) {
	dq.mu.Lock()
	dq.nextSeq++
	f.seq = dq.nextSeq
	dq.queue = append(dq.queue, f)
	dq.mu.Unlock()
}

func (b *Broadcaster) startDrain(deviceID string, dq *deviceQueue) {
	dq.mu.Lock()
	if dq.sending {
		dq.mu.Unlock()
		return
	}
	dq.sending = true
	dq.mu.Unlock()

	go b.drain(deviceID, dq)
}

// drain is the pacing algorithm of §4.3: stale-frame dropping, per-packet
// abort-if-newer, then a fixed gap plus adaptive buffer-drain wait.
func (b *Broadcaster) drain(deviceID string, dq *deviceQueue) {
	defer func() {
		dq.mu.Lock()
		dq.sending = false
		dq.mu.Unlock()
	}()

	for {
		dq.mu.Lock()
		if len(dq.queue) == 0 {
			dq.mu.Unlock()
			return
		}
		if len(dq.queue) > 1 {
			// Discard all but the newest queued frame.
			dropped := len(dq.queue) - 1
			dq.queue = dq.queue[len(dq.queue)-1:]
			b.m.FramesDroppedStale.Add(uint64(dropped))
		}
		frame := dq.queue[0]
		dq.mu.Unlock()

		aborted := b.sendFrame(deviceID, dq, frame)

		dq.mu.Lock()
		if len(dq.queue) > 0 && dq.queue[0].seq == frame.seq {
			dq.queue = dq.queue[1:]
		}
		clientsLeft := len(dq.clients)
		dq.mu.Unlock()

		if clientsLeft == 0 {
			dq.mu.Lock()
			dq.queue = nil
			dq.mu.Unlock()
			return
		}

		if aborted {
			continue
		}
		if !b.pace(dq, frame.seq) {
			return
		}
	}
}

// sendFrame sends every packet of frame to every currently open client,
// in order, aborting immediately if a newer frame has been enqueued.
// Reports whether it aborted before sending every packet.
func (b *Broadcaster) sendFrame(deviceID string, dq *deviceQueue, frame outFrame) bool {
	for _, pkt := range frame.packets {
		dq.mu.Lock()
		// frame is still dq.queue[0] here -- drain only shifts it off the
		// head once sendFrame returns -- so a newer arrival shows up as a
		// second entry, not as a changed head.
		newer := len(dq.queue) > 1
		dq.mu.Unlock()
		if newer {
			return true
		}

		dq.mu.Lock()
		conns := make([]Conn, 0, len(dq.clients))
		for _, c := range dq.clients {
			conns = append(conns, c)
		}
		dq.mu.Unlock()

		for _, c := range conns {
			if c.Closed() {
				b.RemoveClient(deviceID, c)
				continue
			}
			if err := c.WriteMessage(pkt); err != nil {
				logger.Warn("Broadcaster", "device %s: client %s send failed: %v", deviceID, c.ID(), err)
				_ = c.Close()
				b.RemoveClient(deviceID, c)
				continue
			}
			b.m.BroadcastBytes.Add(uint64(len(pkt)))
		}

		time.Sleep(0) // yield between packets
	}
	return false
}

// pace applies the dispatch-rate ceiling, sleeps MIN_FRAME_GAP_MS, then
// polls buffer drain up to DRAIN_MAX_MS, exiting early if a newer frame
// arrives or every client's buffer has drained below BACKPRESSURE_LOW.
// Returns false if the client set emptied during the wait, signaling the
// drain loop to stop. The rate-limiter wait only ever runs here, on the
// completed-frame path -- never on the abort-and-restart path in drain,
// so a newer frame that arrives mid-send is still resent with minimum
// latency per §4.3.
func (b *Broadcaster) pace(dq *deviceQueue, lastSeq int64) bool {
	_ = dq.limiter.Wait(context.Background())
	time.Sleep(minFrameGap)

	deadline := time.Now().Add(drainMax)
	for time.Now().Before(deadline) {
		dq.mu.Lock()
		if len(dq.clients) == 0 {
			dq.mu.Unlock()
			return false
		}
		if len(dq.queue) > 0 && dq.queue[0].seq != lastSeq {
			dq.mu.Unlock()
			return true
		}
		backed := false
		for _, c := range dq.clients {
			if c.BufferedAmount() > backpressureLow {
				backed = true
				break
			}
		}
		dq.mu.Unlock()

		if !backed {
			return true
		}
		b.m.BackpressureWaitMs.Add(uint64(drainPoll.Milliseconds()))
		time.Sleep(drainPoll)
	}
	return true
}
