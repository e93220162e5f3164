// Package httpapi exposes the device-facing and operator-facing HTTP
// surface: client websocket connect, device status, and health.
// Grounded on the teacher's internal/webmonitor.Server mux/writeJSON
// pattern, trimmed to the routes SPEC_FULL.md names (§12).
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/config"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/logger"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/registry"
	"github.com/dj-oyu/kiosk-stream/streaming-server/internal/transport"
	"github.com/dj-oyu/kiosk-stream/streaming-server/pkg/types"
)

// Server wires the registry and broadcaster into an HTTP mux.
type Server struct {
	reg      *registry.Registry
	upgrader websocket.Upgrader
	cfg      config.Config
}

// New constructs the HTTP surface bound to reg.
func New(reg *registry.Registry, cfg config.Config) *Server {
	return &Server{
		reg: reg,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the full device-bridge HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/", s.handleDeviceByID)
	mux.HandleFunc("/ws/device/", s.handleDeviceConnect)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"devices": s.reg.Snapshot()})
}

func (s *Server) handleDeviceByID(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/api/devices/"):]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	sess, ok := s.reg.Get(id)
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "device not found"}, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"id":         id,
		"url":        sess.URL(),
		"config":     sess.Config(),
		"lastActive": sess.LastActiveMs(),
	})
}

// deviceConnectRequest is the client-chosen device identifier and
// rendering configuration, sent as the websocket handshake's query
// parameters per the teacher's connect-time-configuration pattern.
type deviceConnectRequest struct {
	id  string
	url string
	cfg types.DeviceConfig
}

func (s *Server) handleDeviceConnect(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/ws/device/"):]
	if id == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}
	req := parseConnectRequest(id, r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("HTTPAPI", "websocket upgrade failed for device %s: %v", id, err)
		return
	}

	sess, err := s.reg.EnsureDevice(r.Context(), req.id, req.url, req.cfg)
	if err != nil {
		logger.Error("HTTPAPI", "ensure device %s failed: %v", id, err)
		_ = ws.Close()
		return
	}
	logger.Info("HTTPAPI", "client connected to device %s (%s)", id, sess.URL())

	conn := transport.New(uuid.NewString(), ws)

	b := s.reg.Broadcaster()
	b.AddClient(req.id, conn)
	conn.ReadLoop(func() { b.RemoveClient(req.id, conn) })
}

// parseConnectRequest reads the client-chosen rendering geometry, tile
// size, compression quality, and frame cadence from the connect-time
// query string (§1), falling back to config.DefaultDeviceConfig for any
// field the client omits.
func parseConnectRequest(id string, r *http.Request) deviceConnectRequest {
	q := r.URL.Query()
	dc := config.DefaultDeviceConfig()

	intOr := func(key string, fallback int) int {
		if v, err := strconv.Atoi(q.Get(key)); err == nil {
			return v
		}
		return fallback
	}
	floatOr := func(key string, fallback float64) float64 {
		if v, err := strconv.ParseFloat(q.Get(key), 64); err == nil {
			return v
		}
		return fallback
	}

	dc.Width = intOr("width", dc.Width)
	dc.Height = intOr("height", dc.Height)
	dc.TileSize = intOr("tileSize", dc.TileSize)
	dc.Rotation = types.Rotation(intOr("rotation", int(dc.Rotation)))
	dc.JPEGQuality = intOr("jpegQuality", dc.JPEGQuality)
	dc.FullFrameTileCount = intOr("fullFrameTileCount", dc.FullFrameTileCount)
	dc.FullFrameAreaThreshold = floatOr("fullFrameAreaThreshold", dc.FullFrameAreaThreshold)
	dc.FullFrameEvery = intOr("fullFrameEvery", dc.FullFrameEvery)
	dc.EveryNthFrame = intOr("everyNthFrame", dc.EveryNthFrame)
	dc.MinFrameInterval = intOr("minFrameInterval", dc.MinFrameInterval)
	dc.MaxBytesPerMessage = intOr("maxBytesPerMessage", dc.MaxBytesPerMessage)

	url := q.Get("url")
	if url == "" {
		url = "about:blank"
	}
	return deviceConnectRequest{id: id, url: url, cfg: dc}
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
