package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/broadcaster"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/browser"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/metrics"
	"github.com/dj-oyu/kiosk-stream/streaming-server/pkg/types"
)

// fakeController is an in-memory browser.Controller recording every call
// by name, in the same style as internal/device/session_test.go's fake
// (each package keeps its own copy since test files aren't importable
// across packages).
type fakeController struct {
	mu        sync.Mutex
	calls     []string
	targetSeq int
	evCh      chan browser.Event
}

func newFakeController() *fakeController {
	return &fakeController{evCh: make(chan browser.Event, 16)}
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeController) CreateTarget(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	f.targetSeq++
	id := fmt.Sprintf("TARGET-%d", f.targetSeq)
	f.mu.Unlock()
	f.record("Target.createTarget")
	return id, nil
}

func (f *fakeController) AttachSession(ctx context.Context, targetID string) (string, error) {
	f.record("Target.attachToTarget")
	return "SESSION-" + targetID, nil
}

func (f *fakeController) Send(ctx context.Context, cdpSessionID, method string, params map[string]any) (json.RawMessage, error) {
	f.record(method)
	return json.RawMessage(`{}`), nil
}

func (f *fakeController) Events(cdpSessionID string) <-chan browser.Event {
	return f.evCh
}

func (f *fakeController) CloseTarget(ctx context.Context, targetID string) error {
	f.record("Target.closeTarget")
	return nil
}

func (f *fakeController) Close() error { return nil }

func (f *fakeController) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func testDeviceConfig() types.DeviceConfig {
	return types.DeviceConfig{
		Width:                  480,
		Height:                 320,
		TileSize:               64,
		JPEGQuality:            75,
		FullFrameTileCount:     24,
		FullFrameAreaThreshold: 0.5,
		FullFrameEvery:         120,
		EveryNthFrame:          1,
		MinFrameInterval:       100,
		MaxBytesPerMessage:     4096,
	}
}

func newTestRegistry() (*Registry, *fakeController) {
	ctrl := newFakeController()
	m := metrics.New()
	bcast := broadcaster.New(m)
	return New(ctrl, bcast, m, false), ctrl
}

func TestEnsureDeviceReturnsSameSessionForUnchangedConfig(t *testing.T) {
	r, ctrl := newTestRegistry()
	cfg := testDeviceConfig()

	s1, err := r.EnsureDevice(context.Background(), "device-1", "about:blank", cfg)
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	t.Cleanup(func() { s1.Destroy(context.Background()) })

	s2, err := r.EnsureDevice(context.Background(), "device-1", "about:blank", cfg)
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}

	if s1 != s2 {
		t.Fatal("expected EnsureDevice to return the same session for an unchanged config")
	}
	if got := ctrl.callCount("Target.createTarget"); got != 1 {
		t.Fatalf("Target.createTarget called %d times, want 1 (no rebuild expected)", got)
	}
}

func TestEnsureDeviceRebuildsExactlyOnceOnConfigMismatch(t *testing.T) {
	r, ctrl := newTestRegistry()
	cfgA := testDeviceConfig()
	cfgB := testDeviceConfig()
	cfgB.Width = 640

	s1, err := r.EnsureDevice(context.Background(), "device-1", "about:blank", cfgA)
	if err != nil {
		t.Fatalf("EnsureDevice(cfgA): %v", err)
	}

	s2, err := r.EnsureDevice(context.Background(), "device-1", "about:blank", cfgB)
	if err != nil {
		t.Fatalf("EnsureDevice(cfgB): %v", err)
	}
	t.Cleanup(func() { s2.Destroy(context.Background()) })

	if s1 == s2 {
		t.Fatal("expected EnsureDevice to rebuild the session when its config changes")
	}
	if got := ctrl.callCount("Target.createTarget"); got != 2 {
		t.Fatalf("Target.createTarget called %d times, want 2 (exactly one rebuild)", got)
	}
	if got := ctrl.callCount("Target.closeTarget"); got != 1 {
		t.Fatalf("Target.closeTarget called %d times, want 1 (old session destroyed)", got)
	}
	if s2.Config().Width != 640 {
		t.Fatalf("rebuilt session Config().Width = %d, want 640", s2.Config().Width)
	}
}

func TestCleanupIdleDestroysStaleSessionExactlyOnceUnderConcurrency(t *testing.T) {
	r, ctrl := newTestRegistry()

	s, err := r.EnsureDevice(context.Background(), "device-1", "about:blank", testDeviceConfig())
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	_ = s

	// Give LastActiveMs a moment in the past relative to CleanupIdle's
	// cutoff, so a ttl of 0 is guaranteed to find it stale.
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CleanupIdle(context.Background(), 0)
		}()
	}
	wg.Wait()

	if _, ok := r.Get("device-1"); ok {
		t.Fatal("expected the stale session to be removed from the registry")
	}
	if got := ctrl.callCount("Target.closeTarget"); got != 1 {
		t.Fatalf("Target.closeTarget called %d times, want exactly 1 (no double-destroy)", got)
	}
	if got := ctrl.callCount("Page.stopScreencast"); got != 1 {
		t.Fatalf("Page.stopScreencast called %d times, want exactly 1 (no double-destroy)", got)
	}
}
