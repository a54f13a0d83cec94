package kms

import (
	"encoding/binary"
	"fmt"
	"os"
)

// DRM event types delivered on the card descriptor (DRM_EVENT_*).
const (
	EventVBlank       = 0x01
	EventFlipComplete = 0x02
	EventCrtcSequence = 0x03
)

const (
	eventHeaderLen = 8
	vblankEventLen = 32
)

// FlipCompleteEvent is the payload of a page-flip completion
// (struct drm_event_vblank). UserData carries the value given to the
// commit that requested the event.
type FlipCompleteEvent struct {
	UserData uint64
	Sec      uint32
	Usec     uint32
	Sequence uint32
	CrtcID   uint32
}

// DecodeEvents parses a raw read from the card descriptor into flip
// completions. VBlank and CRTC-sequence events are valid on the wire
// but irrelevant here and are skipped. Every event is
// length-prefixed, so unknown types skip cleanly too.
func DecodeEvents(buf []byte) ([]FlipCompleteEvent, error) {
	var events []FlipCompleteEvent
	for len(buf) > 0 {
		if len(buf) < eventHeaderLen {
			return events, fmt.Errorf("short drm event header: %d bytes", len(buf))
		}
		typ := binary.NativeEndian.Uint32(buf[0:4])
		length := binary.NativeEndian.Uint32(buf[4:8])
		if length < eventHeaderLen || int(length) > len(buf) {
			return events, fmt.Errorf("bad drm event length %d (type %#x, %d bytes left)",
				length, typ, len(buf))
		}

		if typ == EventFlipComplete && length >= vblankEventLen {
			events = append(events, FlipCompleteEvent{
				UserData: binary.NativeEndian.Uint64(buf[8:16]),
				Sec:      binary.NativeEndian.Uint32(buf[16:20]),
				Usec:     binary.NativeEndian.Uint32(buf[20:24]),
				Sequence: binary.NativeEndian.Uint32(buf[24:28]),
				CrtcID:   binary.NativeEndian.Uint32(buf[28:32]),
			})
		}
		buf = buf[length:]
	}
	return events, nil
}

// ReadEvents drains pending events from the descriptor. Call it only
// after poll reports readability; the read blocks otherwise.
func ReadEvents(file *os.File) ([]FlipCompleteEvent, error) {
	// large enough for a burst of 32-byte events; the kernel never
	// splits an event across reads
	buf := make([]byte, 1024)
	n, err := file.Read(buf)
	if err != nil {
		return nil, err
	}
	return DecodeEvents(buf[:n])
}
