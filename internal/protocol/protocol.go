// Package protocol implements the wire framing the Broadcaster hands to
// the transport layer: a small fixed binary header over encoding/binary,
// tight enough for memory-constrained embedded display clients. Each
// packet is exactly one transport message.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	magic uint16 = 0xFA7E

	// headerSize is the fixed-size portion of every packet, before the
	// payload bytes.
	headerSize = 2 /*magic*/ + 4 /*frameID*/ + 2 /*seq*/ + 2 /*total*/ + 1 /*kind*/ + 1 /*flags*/ + 2*4 /*x,y,w,h*/ + 4 /*payloadLen*/
)

// Kind tags the packet body.
type Kind uint8

const (
	KindTile  Kind = 0
	KindStats Kind = 1
)

// Flag bits within the packet header.
const (
	FlagFullFrame    uint8 = 1 << 0
	FlagContinuation uint8 = 1 << 1
)

// Rect mirrors types.Rect without importing pkg/types, keeping this
// package dependency-free and reusable from tests without the domain
// model in scope.
type Rect struct {
	X, Y, W, H int
	Payload    []byte
}

// BuildFramePackets packetizes an ordered set of rectangles for frameID
// into one or more binary packets, each no larger than maxBytes. A
// rectangle whose payload exceeds maxBytes-headerSize is split into
// continuation chunks; the first chunk of a rectangle carries its bounds,
// continuation chunks carry FlagContinuation and a zeroed rect header.
func BuildFramePackets(rects []Rect, frameID uint32, isFullFrame bool, maxBytes int) ([][]byte, error) {
	if maxBytes <= headerSize {
		return nil, fmt.Errorf("protocol: maxBytes %d too small for header size %d", maxBytes, headerSize)
	}
	maxPayload := maxBytes - headerSize

	var packets [][]byte
	for _, r := range rects {
		chunks := chunk(r.Payload, maxPayload)
		if len(chunks) == 0 {
			chunks = [][]byte{nil}
		}
		for i, c := range chunks {
			flags := uint8(0)
			if isFullFrame {
				flags |= FlagFullFrame
			}
			x, y, w, h := r.X, r.Y, r.W, r.H
			if i > 0 {
				flags |= FlagContinuation
				x, y, w, h = 0, 0, 0, 0
			}
			packets = append(packets, buildPacket(frameID, KindTile, flags, x, y, w, h, c))
		}
	}

	total := len(packets)
	for i, p := range packets {
		binary.BigEndian.PutUint16(p[6:8], uint16(i))
		binary.BigEndian.PutUint16(p[8:10], uint16(total))
	}
	return packets, nil
}

// BuildFrameStatsPacket builds the single-packet self-test measurement
// frame. It uses a reserved packet kind rather than a reserved frameId,
// sidestepping the collision the spec's third open question flags.
func BuildFrameStatsPacket() []byte {
	p := buildPacket(0, KindStats, 0, 0, 0, 0, 0, nil)
	binary.BigEndian.PutUint16(p[6:8], 0)
	binary.BigEndian.PutUint16(p[8:10], 1)
	return p
}

func buildPacket(frameID uint32, kind Kind, flags uint8, x, y, w, h int, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], magic)
	binary.BigEndian.PutUint32(buf[2:6], frameID)
	// buf[6:10] (seq, total) filled in by the caller once the full packet
	// sequence for the frame is known.
	buf[10] = uint8(kind)
	buf[11] = flags
	binary.BigEndian.PutUint16(buf[12:14], uint16(x))
	binary.BigEndian.PutUint16(buf[14:16], uint16(y))
	binary.BigEndian.PutUint16(buf[16:18], uint16(w))
	binary.BigEndian.PutUint16(buf[18:20], uint16(h))
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

func chunk(data []byte, maxLen int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(data) > 0 {
		n := maxLen
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
