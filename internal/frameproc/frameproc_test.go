package frameproc

import (
	"testing"

	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/metrics"
	"github.com/dj-oyu/kiosk-stream/streaming-server/pkg/types"
)

func testConfig() types.DeviceConfig {
	return types.DeviceConfig{
		Width:                  16,
		Height:                 16,
		TileSize:               8,
		JPEGQuality:            80,
		FullFrameTileCount:     100, // effectively disabled for these tests
		FullFrameAreaThreshold: 0,   // disabled
		FullFrameEvery:         0,   // disabled
		MaxBytesPerMessage:     65536,
	}
}

func solidRaster(w, h int, r, g, b byte) []byte {
	out := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		out[i*4] = r
		out[i*4+1] = g
		out[i*4+2] = b
		out[i*4+3] = 255
	}
	return out
}

func TestProcessFrameFirstFrameIsFull(t *testing.T) {
	p := New(testConfig(), metrics.New())
	raster := solidRaster(16, 16, 10, 20, 30)

	out, err := p.ProcessFrame(raster, 16, 16)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if !out.IsFullFrame {
		t.Fatal("first frame should be forced full")
	}
	if len(out.Rects) != 1 || out.Rects[0].W != 16 || out.Rects[0].H != 16 {
		t.Fatalf("got rects %+v, want one 16x16 rect", out.Rects)
	}
}

func TestProcessFrameIdenticalSecondFrameIsEmpty(t *testing.T) {
	p := New(testConfig(), metrics.New())
	raster := solidRaster(16, 16, 10, 20, 30)

	if _, err := p.ProcessFrame(raster, 16, 16); err != nil {
		t.Fatalf("ProcessFrame (first): %v", err)
	}
	out, err := p.ProcessFrame(append([]byte(nil), raster...), 16, 16)
	if err != nil {
		t.Fatalf("ProcessFrame (second): %v", err)
	}
	if !out.Empty() {
		t.Fatalf("identical second frame should report no change, got %d rects", len(out.Rects))
	}
}

func TestProcessFrameChangedRegionEmitsTile(t *testing.T) {
	p := New(testConfig(), metrics.New())
	raster := solidRaster(16, 16, 10, 20, 30)
	if _, err := p.ProcessFrame(raster, 16, 16); err != nil {
		t.Fatalf("ProcessFrame (first): %v", err)
	}

	changed := append([]byte(nil), raster...)
	// Modify only the bottom-right 8x8 tile (tile (1,1)).
	for y := 8; y < 16; y++ {
		for x := 8; x < 16; x++ {
			i := (y*16 + x) * 4
			changed[i] = 250
		}
	}

	out, err := p.ProcessFrame(changed, 16, 16)
	if err != nil {
		t.Fatalf("ProcessFrame (second): %v", err)
	}
	if out.IsFullFrame {
		t.Fatal("a single changed tile should not force a full frame")
	}
	if len(out.Rects) != 1 {
		t.Fatalf("got %d rects, want 1", len(out.Rects))
	}
	r := out.Rects[0]
	if r.X != 8 || r.Y != 8 || r.W != 8 || r.H != 8 {
		t.Fatalf("got rect %+v, want {8,8,8,8}", r)
	}
}

func TestProcessFrameRequestFullFrameLatches(t *testing.T) {
	p := New(testConfig(), metrics.New())
	raster := solidRaster(16, 16, 10, 20, 30)
	if _, err := p.ProcessFrame(raster, 16, 16); err != nil {
		t.Fatalf("ProcessFrame (first): %v", err)
	}

	p.RequestFullFrame()
	out, err := p.ProcessFrame(append([]byte(nil), raster...), 16, 16)
	if err != nil {
		t.Fatalf("ProcessFrame (second): %v", err)
	}
	if !out.IsFullFrame {
		t.Fatal("RequestFullFrame should force the next frame to be full, even with no pixel change")
	}

	out2, err := p.ProcessFrame(append([]byte(nil), raster...), 16, 16)
	if err != nil {
		t.Fatalf("ProcessFrame (third): %v", err)
	}
	if !out2.Empty() {
		t.Fatal("RequestFullFrame should be a one-shot latch, not sticky")
	}
}

func TestProcessFrameCadenceForcesFullFrame(t *testing.T) {
	cfg := testConfig()
	cfg.FullFrameEvery = 3
	p := New(cfg, metrics.New())
	raster := solidRaster(16, 16, 1, 1, 1)

	for i := 1; i <= 3; i++ {
		out, err := p.ProcessFrame(append([]byte(nil), raster...), 16, 16)
		if err != nil {
			t.Fatalf("ProcessFrame #%d: %v", i, err)
		}
		if i == 3 && !out.IsFullFrame {
			t.Fatal("third frame should be forced full by cadence")
		}
	}
}

func TestProcessFrameResizeResetsState(t *testing.T) {
	p := New(testConfig(), metrics.New())
	if _, err := p.ProcessFrame(solidRaster(16, 16, 1, 1, 1), 16, 16); err != nil {
		t.Fatalf("ProcessFrame (16x16): %v", err)
	}

	out, err := p.ProcessFrame(solidRaster(8, 8, 1, 1, 1), 8, 8)
	if err != nil {
		t.Fatalf("ProcessFrame (8x8): %v", err)
	}
	if !out.IsFullFrame {
		t.Fatal("a resolution change should force a full frame, as if it were the first frame")
	}
}
