package media

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// IsKeyframe reports whether an RTP packet starts a VP8 key frame or carries an
// H.264 IDR slice. Other codecs are never recognised.
func IsKeyframe(mimeType string, packet *rtp.Packet) bool {
	if len(packet.Payload) == 0 {
		return false
	}
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return isVP8Keyframe(packet.Payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return isH264Keyframe(packet.Payload)
	}
	return false
}

// isVP8Keyframe parses the payload descriptor (RFC 7741) and checks the P bit of
// the frame header in the first partition.
func isVP8Keyframe(payload []byte) bool {
	first := payload[0]
	start := first&0x10 != 0
	partition := first & 0x07
	if !start || partition != 0 {
		return false
	}

	offset := 1
	if first&0x80 != 0 {
		if len(payload) <= offset {
			return false
		}
		ext := payload[offset]
		offset++
		if ext&0x80 != 0 { // PictureID
			if len(payload) <= offset {
				return false
			}
			if payload[offset]&0x80 != 0 {
				offset += 2
			} else {
				offset++
			}
		}
		if ext&0x40 != 0 { // TL0PICIDX
			offset++
		}
		if ext&0x30 != 0 { // TID/KEYIDX
			offset++
		}
	}
	if len(payload) <= offset {
		return false
	}
	return payload[offset]&0x01 == 0
}

func isH264Keyframe(payload []byte) bool {
	const (
		naluIDR    = 5
		naluSPS    = 7
		naluSTAPA  = 24
		naluFUA    = 28
		naluTypeMk = 0x1F
	)

	switch nalType := payload[0] & naluTypeMk; nalType {
	case naluIDR, naluSPS:
		return true
	case naluSTAPA:
		offset := 1
		for offset+2 < len(payload) {
			size := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if offset >= len(payload) {
				return false
			}
			if t := payload[offset] & naluTypeMk; t == naluIDR || t == naluSPS {
				return true
			}
			offset += size
		}
	case naluFUA:
		if len(payload) < 2 {
			return false
		}
		startBit := payload[1]&0x80 != 0
		return startBit && payload[1]&naluTypeMk == naluIDR
	}
	return false
}

// KeyframeGate drops video packets until the first key frame so a freshly bound
// renderer never starts on a frame it cannot decode. Audio passes through.
type KeyframeGate struct {
	mimeType string
	open     bool
}

func NewKeyframeGate(mimeType string) *KeyframeGate {
	audio := strings.HasPrefix(strings.ToLower(mimeType), "audio/")
	return &KeyframeGate{mimeType: mimeType, open: audio}
}

func (g *KeyframeGate) Allow(packet *rtp.Packet) bool {
	if g.open {
		return true
	}
	if IsKeyframe(g.mimeType, packet) {
		g.open = true
	}
	return g.open
}

// Open reports whether a key frame has passed the gate.
func (g *KeyframeGate) Open() bool {
	return g.open
}
