// Package config mirrors the teacher's webmonitor.Config / DefaultConfig
// shape: a flag-bindable struct plus a DefaultConfig constructor, whose
// fields cmd/server overrides from its command-line flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/dj-oyu/kiosk-stream/streaming-server/pkg/types"
)

// Config is the process-wide runtime configuration for the device bridge.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	BrowserCDPURL string

	IdleTTL           time.Duration
	IdleSweepInterval time.Duration

	LogLevel string
	LogColor bool

	// PrefersReducedMotion is read once at startup from the
	// PREFERS_REDUCED_MOTION environment flag (see ReducedMotionFromEnv)
	// and stored on the process-wide owner rather than re-read per call.
	PrefersReducedMotion bool
}

// DefaultConfig returns the baseline configuration for a freshly started
// process, before flag parsing overrides it.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:          ":8080",
		MetricsAddr:       ":9090",
		BrowserCDPURL:     "ws://127.0.0.1:9222/devtools/browser",
		IdleTTL:           5 * time.Minute,
		IdleSweepInterval: 30 * time.Second,
		LogLevel:          "info",
		LogColor:          true,
	}
}

// DefaultDeviceConfig returns the device rendering/pacing defaults a
// session is built with absent any client-provided override.
func DefaultDeviceConfig() types.DeviceConfig {
	return types.DeviceConfig{
		Width:                  480,
		Height:                 320,
		TileSize:               64,
		Rotation:               types.Rotate0,
		JPEGQuality:            75,
		FullFrameTileCount:     24,
		FullFrameAreaThreshold: 0.5,
		FullFrameEvery:         120,
		EveryNthFrame:          1,
		MinFrameInterval:       100,
		MaxBytesPerMessage:     4096,
	}
}

// ReducedMotionFromEnv parses the PREFERS_REDUCED_MOTION environment
// variable using the case-insensitive truthy set the spec names: 1, true,
// yes, on.
func ReducedMotionFromEnv() bool {
	return ParseTruthy(os.Getenv("PREFERS_REDUCED_MOTION"))
}

// ParseTruthy reports whether s is one of the recognized truthy strings,
// case-insensitively.
func ParseTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
