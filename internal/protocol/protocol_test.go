package protocol

import (
	"encoding/binary"
	"testing"
)

func TestBuildFramePacketsSinglePacket(t *testing.T) {
	rects := []Rect{{X: 10, Y: 20, W: 64, H: 64, Payload: []byte("tile-payload")}}
	packets, err := BuildFramePackets(rects, 42, false, 4096)
	if err != nil {
		t.Fatalf("BuildFramePackets: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}

	p := packets[0]
	if got := binary.BigEndian.Uint16(p[0:2]); got != magic {
		t.Errorf("magic = %x, want %x", got, magic)
	}
	if got := binary.BigEndian.Uint32(p[2:6]); got != 42 {
		t.Errorf("frameID = %d, want 42", got)
	}
	if got := binary.BigEndian.Uint16(p[6:8]); got != 0 {
		t.Errorf("seq = %d, want 0", got)
	}
	if got := binary.BigEndian.Uint16(p[8:10]); got != 1 {
		t.Errorf("total = %d, want 1", got)
	}
	if Kind(p[10]) != KindTile {
		t.Errorf("kind = %d, want KindTile", p[10])
	}
	if p[11]&FlagFullFrame != 0 {
		t.Error("FlagFullFrame should not be set")
	}
	if got := binary.BigEndian.Uint16(p[12:14]); got != 10 {
		t.Errorf("x = %d, want 10", got)
	}
	if got := binary.BigEndian.Uint16(p[14:16]); got != 20 {
		t.Errorf("y = %d, want 20", got)
	}
	if got := binary.BigEndian.Uint32(p[20:24]); int(got) != len("tile-payload") {
		t.Errorf("payloadLen = %d, want %d", got, len("tile-payload"))
	}
	if string(p[24:]) != "tile-payload" {
		t.Errorf("payload = %q, want %q", p[24:], "tile-payload")
	}
}

func TestBuildFramePacketsFullFrameFlag(t *testing.T) {
	rects := []Rect{{X: 0, Y: 0, W: 480, H: 320, Payload: []byte("full")}}
	packets, err := BuildFramePackets(rects, 1, true, 4096)
	if err != nil {
		t.Fatalf("BuildFramePackets: %v", err)
	}
	if packets[0][11]&FlagFullFrame == 0 {
		t.Error("expected FlagFullFrame set for a full-frame rect")
	}
}

func TestBuildFramePacketsChunksLargePayload(t *testing.T) {
	maxBytes := headerSize + 10
	payload := make([]byte, 25)
	for i := range payload {
		payload[i] = byte(i)
	}
	rects := []Rect{{X: 1, Y: 2, W: 3, H: 4, Payload: payload}}

	packets, err := BuildFramePackets(rects, 7, false, maxBytes)
	if err != nil {
		t.Fatalf("BuildFramePackets: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("got %d packets, want 3 (25 bytes / 10-byte chunks)", len(packets))
	}

	var reassembled []byte
	for i, p := range packets {
		if got := int(binary.BigEndian.Uint16(p[6:8])); got != i {
			t.Errorf("packet %d: seq = %d, want %d", i, got, i)
		}
		if got := int(binary.BigEndian.Uint16(p[8:10])); got != len(packets) {
			t.Errorf("packet %d: total = %d, want %d", i, got, len(packets))
		}
		if i > 0 && p[11]&FlagContinuation == 0 {
			t.Errorf("packet %d: expected FlagContinuation set", i)
		}
		if i == 0 && p[11]&FlagContinuation != 0 {
			t.Error("first packet should not carry FlagContinuation")
		}
		reassembled = append(reassembled, p[headerSize:]...)
	}
	if string(reassembled) != string(payload) {
		t.Error("reassembled payload does not match original")
	}
}

func TestBuildFramePacketsRejectsTooSmallMaxBytes(t *testing.T) {
	rects := []Rect{{X: 0, Y: 0, W: 1, H: 1, Payload: []byte("x")}}
	if _, err := BuildFramePackets(rects, 1, false, headerSize-1); err == nil {
		t.Fatal("expected error when maxBytes is smaller than the header")
	}
}

func TestBuildFrameStatsPacketIsSinglePacketStatsKind(t *testing.T) {
	p := BuildFrameStatsPacket()
	if Kind(p[10]) != KindStats {
		t.Errorf("kind = %d, want KindStats", p[10])
	}
	if got := binary.BigEndian.Uint16(p[8:10]); got != 1 {
		t.Errorf("total = %d, want 1", got)
	}
	if len(p) != headerSize {
		t.Errorf("stats packet should carry no payload, got %d bytes", len(p))
	}
}
