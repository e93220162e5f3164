// Package device implements DeviceSession (§4.4): the browser target, the
// screencast subscription, the fallback screenshot timer, and the
// pending-frame slot, reconciled into a single stream and handed to the
// FrameProcessor and Broadcaster. Per the "Callback-driven control flow"
// redesign flag (§9), a session is a single-consumer event loop rather
// than a set of mutually-locking callbacks: the processing mutex and
// pending-slot invariants fall out of strict serial event draining.
package device

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/browser"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/broadcaster"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/codec"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/frameproc"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/hash"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/logger"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/metrics"
	"github.com/dj-oyu/kiosk-stream/streaming-server/pkg/types"
)

const (
	fallbackDelay    = 800 * time.Millisecond
	fallbackRepeat   = 2000 * time.Millisecond
	fallbackIdleWait = 5 * time.Second
	cdpTimeout       = 3 * time.Second
)

// ErrSessionClosed is returned by operations attempted against a
// destroyed session.
var ErrSessionClosed = errors.New("device: session closed")

type eventKind int

const (
	evScreencastFrame eventKind = iota
	evScreenshot
	evMutationHint
	evThrottleTick
	evFallbackTick
	evClientJoined
	evShutdown
)

type event struct {
	kind eventKind
	data []byte
	gen  uint64 // timer generation, for evThrottleTick/evFallbackTick staleness checks
}

// token is a cancellable timer handle. Cancel bumps the generation so a
// fire already in flight is recognized as stale and dropped.
type token struct {
	mu  sync.Mutex
	gen uint64
	t   *time.Timer
}

func (tk *token) cancel() {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	tk.gen++
	if tk.t != nil {
		tk.t.Stop()
		tk.t = nil
	}
}

func (tk *token) arm(d time.Duration, fire func(gen uint64)) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.t != nil {
		tk.t.Stop()
	}
	tk.gen++
	gen := tk.gen
	tk.t = time.AfterFunc(d, func() { fire(gen) })
}

func (tk *token) currentGen() uint64 {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.gen
}

// armed reports whether a timer is currently scheduled.
func (tk *token) armed() bool {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.t != nil
}

// clear marks the timer as having fired, without bumping the
// generation (a cancel/re-arm race is still caught by the gen check;
// this just lets a fired timer be re-armed from zero).
func (tk *token) clear() {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	tk.t = nil
}

// Session is one DeviceSession: a browser target, its event loop, and
// its processing pipeline. The pending slot, processing flag, frame hash,
// frame id and FrameProcessor are owned exclusively by the run()
// goroutine. Outside it, New and Destroy arm or cancel the mutex-guarded
// timer tokens and Destroy closes done; lastActiveMs is atomic; every
// other method only sends an event.
type Session struct {
	deviceID   string
	targetID   string
	cdpSession string
	cfg        types.DeviceConfig
	url        string

	ctrl  browser.Controller
	bcast *broadcaster.Broadcaster
	proc  *frameproc.Processor
	m     *metrics.Metrics

	events chan event

	throttleTok token
	fallbackTok token

	lastActiveMs  atomic.Int64 // ms, read by the registry's idle sweep outside the event loop
	lastProcessed int64        // ms, owned by run()
	pending       []byte
	processing    bool
	prevFrameHash uint32
	frameID       uint32

	destroyOnce sync.Once
	done        chan struct{}
	onDestroyed func()
}

// New creates and starts a DeviceSession. It creates a browser target,
// attaches a session, configures emulation, and starts the screencast,
// per §4.4 step 1-5.
func New(ctx context.Context, deviceID, url string, cfg types.DeviceConfig, ctrl browser.Controller, bcast *broadcaster.Broadcaster, m *metrics.Metrics, reducedMotion bool, onDestroyed func()) (*Session, error) {
	targetID, err := ctrl.CreateTarget(ctx, "about:blank")
	if err != nil {
		return nil, fmt.Errorf("device: create target: %w", err)
	}
	cdpSession, err := ctrl.AttachSession(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("device: attach session: %w", err)
	}

	s := &Session{
		deviceID:    deviceID,
		targetID:    targetID,
		cdpSession:  cdpSession,
		cfg:         cfg,
		url:         url,
		ctrl:        ctrl,
		bcast:       bcast,
		proc:        frameproc.New(cfg, m),
		m:           m,
		events:      make(chan event, 64),
		done:        make(chan struct{}),
		onDestroyed: onDestroyed,
	}
	s.touch()

	if err := s.configureBrowser(ctx, reducedMotion); err != nil {
		_ = ctrl.CloseTarget(ctx, targetID)
		return nil, err
	}

	s.proc.RequestFullFrame()
	go s.dispatchEvents()
	go s.run()
	s.fallbackTok.arm(fallbackDelay, s.onFallbackTick)
	return s, nil
}

func (s *Session) configureBrowser(ctx context.Context, reducedMotion bool) error {
	if _, err := s.ctrl.Send(ctx, s.cdpSession, "Page.enable", nil); err != nil {
		return fmt.Errorf("device: Page.enable: %w", err)
	}
	if _, err := s.ctrl.Send(ctx, s.cdpSession, "Emulation.setDeviceMetricsOverride", map[string]any{
		"width": s.cfg.Width, "height": s.cfg.Height, "deviceScaleFactor": 1, "mobile": true,
	}); err != nil {
		return fmt.Errorf("device: setDeviceMetricsOverride: %w", err)
	}
	if reducedMotion {
		if _, err := s.ctrl.Send(ctx, s.cdpSession, "Emulation.setEmulatedMedia", map[string]any{
			"features": []map[string]string{{"name": "prefers-reduced-motion", "value": "reduce"}},
		}); err != nil {
			logger.Warn("Device", "device %s: setEmulatedMedia failed: %v", s.deviceID, err)
			s.m.CommandErrors.Add(1)
		}
	}
	if _, err := s.ctrl.Send(ctx, s.cdpSession, "Page.navigate", map[string]any{"url": s.url}); err != nil {
		return fmt.Errorf("device: Page.navigate: %w", err)
	}
	if _, err := s.ctrl.Send(ctx, s.cdpSession, "Page.startScreencast", map[string]any{
		"format": "png", "maxWidth": s.cfg.Width, "maxHeight": s.cfg.Height, "everyNthFrame": max(1, s.cfg.EveryNthFrame),
	}); err != nil {
		return fmt.Errorf("device: Page.startScreencast: %w", err)
	}
	return nil
}

// URL reports the session's last navigated URL.
func (s *Session) URL() string { return s.url }

// Config reports the session's DeviceConfig snapshot.
func (s *Session) Config() types.DeviceConfig { return s.cfg }

// LastActiveMs reports the wall-clock ms timestamp of the last activity.
func (s *Session) LastActiveMs() int64 { return s.lastActiveMs.Load() }

func (s *Session) touch() { s.lastActiveMs.Store(nowMs()) }

// RequestFullFrame latches a one-shot full-frame request for the next
// processed frame, used when a new client joins. The latch itself
// happens inside the event loop, since the FrameProcessor is owned
// exclusively by run().
func (s *Session) RequestFullFrame() {
	s.send(event{kind: evClientJoined})
}

// dispatchEvents pumps browser.Controller events for this session's CDP
// session into the core event loop. The screencast ACK happens here,
// synchronously and immediately, independent of whether the loop is
// busy processing a prior frame -- per §4.4's requirement that ACKs
// never wait on processing.
func (s *Session) dispatchEvents() {
	ch := s.ctrl.Events(s.cdpSession)
	for {
		var ev browser.Event
		var ok bool
		select {
		case ev, ok = <-ch:
			if !ok {
				return
			}
		case <-s.done:
			return
		}

		switch ev.Kind {
		case browser.EventScreencastFrame:
			ackCtx, cancel := context.WithTimeout(context.Background(), cdpTimeout)
			_, _ = s.ctrl.Send(ackCtx, s.cdpSession, "Page.screencastFrameAck", map[string]any{"sessionId": ev.ScreencastFrame.SessionID})
			cancel()

			data, err := decodeBase64PNG(ev.ScreencastFrame.DataBase64)
			if err != nil {
				logger.Warn("Device", "device %s: malformed screencast frame: %v", s.deviceID, err)
				continue
			}
			s.send(event{kind: evScreencastFrame, data: data})
		case browser.EventDOMMutation:
			s.send(event{kind: evMutationHint})
		}
	}
}

func (s *Session) send(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// run is the single-consumer event loop. Every field read/write above
// the loop boundary happens exclusively here, so the "processing"
// invariant and the pending-slot invariant hold by construction.
func (s *Session) run() {
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.done:
			return
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evShutdown:
		return
	case evScreencastFrame:
		s.onScreencastFrame(ev.data)
	case evScreenshot:
		s.onScreenshot(ev.data)
	case evMutationHint:
		s.onMutationHint()
	case evThrottleTick:
		if ev.gen != s.throttleTok.currentGen() {
			return // stale fire from a cancelled/rearmed timer
		}
		s.flushPending()
	case evFallbackTick:
		if ev.gen != s.fallbackTok.currentGen() {
			return
		}
		s.fallbackCapture()
	case evClientJoined:
		s.proc.RequestFullFrame()
	}
}

// onScreencastFrame implements §4.4's screencast-frame handler, steps
// 2-5 (the ACK itself already happened in dispatchEvents).
func (s *Session) onScreencastFrame(data []byte) {
	s.fallbackTok.arm(fallbackDelay, s.onFallbackTick)

	if s.bcast.ClientCount(s.deviceID) == 0 {
		return
	}

	s.touch()
	s.pending = data

	if !s.throttleTok.armed() {
		s.armThrottle(s.nextThrottleDelay())
	}
}

func (s *Session) nextThrottleDelay() time.Duration {
	gap := time.Duration(s.cfg.MinFrameInterval) * time.Millisecond
	elapsed := time.Duration(nowMs()-s.lastProcessed) * time.Millisecond
	if elapsed >= gap {
		return 0
	}
	return gap - elapsed
}

func (s *Session) armThrottle(d time.Duration) {
	s.throttleTok.arm(d, func(gen uint64) { s.send(event{kind: evThrottleTick, gen: gen}) })
}

// flushPending is the throttle-timer callback (§4.4): at most one
// in-flight decode/diff/broadcast hand-off, enforced here by the fact
// that the event loop never runs two handle() calls concurrently --
// the "processing" boolean mirrors that for observability/testing, not
// for actual exclusion.
func (s *Session) flushPending() {
	s.throttleTok.clear()

	data := s.pending
	s.pending = nil
	if data == nil {
		return
	}

	s.processing = true
	defer func() {
		s.processing = false
		s.lastProcessed = nowMs()
		if s.pending != nil && !s.throttleTok.armed() {
			s.armThrottle(0)
		}
	}()

	h := hash.Bytes(data)
	if h == s.prevFrameHash {
		s.m.FramesDroppedDup.Add(1)
		return
	}
	s.prevFrameHash = h

	img, err := codec.DecodePNG(data)
	if err != nil {
		logger.Warn("Device", "device %s: decode failed: %v", s.deviceID, err)
		s.m.DecodeErrors.Add(1)
		return
	}
	img = codec.Rotate(img, s.cfg.Rotation)

	out, err := s.proc.ProcessFrame(img.Pix, img.Bounds().Dx(), img.Bounds().Dy())
	if err != nil {
		logger.Warn("Device", "device %s: process frame failed: %v", s.deviceID, err)
		return
	}
	s.m.FramesProcessed.Add(1)
	if out.Empty() {
		return
	}

	s.frameID++
	s.bcast.SendFrameChunked(s.deviceID, out, s.frameID, s.cfg.MaxBytesPerMessage)
}

// onScreenshot handles a completed fallback screenshot: latch a full
// frame, store it pending, and arm an immediate throttle tick.
func (s *Session) onScreenshot(data []byte) {
	s.proc.RequestFullFrame()
	s.pending = data
	s.armThrottle(0)
}

func (s *Session) onMutationHint() {
	s.fallbackCapture()
}

// onFallbackTick and fallbackCapture implement §4.4's fallback timer.
func (s *Session) onFallbackTick(gen uint64) {
	s.send(event{kind: evFallbackTick, gen: gen})
}

func (s *Session) fallbackCapture() {
	if s.bcast.ClientCount(s.deviceID) == 0 {
		s.fallbackTok.arm(fallbackIdleWait, s.onFallbackTick)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cdpTimeout)
	res, err := s.ctrl.Send(ctx, s.cdpSession, "Page.captureScreenshot", map[string]any{"format": "png"})
	cancel()
	if err != nil {
		if errors.Is(err, browser.ErrSessionClosed) {
			return // unrecoverable target error: do not re-arm
		}
		logger.Warn("Device", "device %s: fallback screenshot failed: %v", s.deviceID, err)
		s.m.CommandErrors.Add(1)
	} else {
		data, decodeErr := decodeScreenshotResult(res)
		if decodeErr != nil {
			logger.Warn("Device", "device %s: malformed screenshot result: %v", s.deviceID, decodeErr)
		} else {
			s.send(event{kind: evScreenshot, data: data})
		}
	}

	s.fallbackTok.arm(fallbackRepeat, s.onFallbackTick)
}

// Destroy tears the session down: idempotent, cancels timers, stops the
// screencast, closes the browser target, then notifies the registry.
func (s *Session) Destroy(ctx context.Context) {
	s.destroyOnce.Do(func() {
		s.throttleTok.cancel()
		s.fallbackTok.cancel()

		if _, err := s.ctrl.Send(ctx, s.cdpSession, "Page.stopScreencast", nil); err != nil {
			logger.Warn("Device", "device %s: stopScreencast failed: %v", s.deviceID, err)
			s.m.CommandErrors.Add(1)
		}
		if err := s.ctrl.CloseTarget(ctx, s.targetID); err != nil {
			logger.Warn("Device", "device %s: closeTarget failed: %v", s.deviceID, err)
			s.m.CommandErrors.Add(1)
		}

		close(s.done)
		if s.onDestroyed != nil {
			s.onDestroyed()
		}
	})
}

func decodeBase64PNG(b64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("device: base64 decode: %w", err)
	}
	return data, nil
}

// decodeScreenshotResult unwraps Page.captureScreenshot's {"data": "<base64 png>"} result.
func decodeScreenshotResult(raw json.RawMessage) ([]byte, error) {
	var out struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("device: unmarshal captureScreenshot result: %w", err)
	}
	return decodeBase64PNG(out.Data)
}

func nowMs() int64 { return time.Now().UnixMilli() }
