package media

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"proctornet/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsKeyframe(t *testing.T) {
	tests := []struct {
		name     string
		mimeType string
		payload  []byte
		want     bool
	}{
		{"vp8 key frame", webrtc.MimeTypeVP8, []byte{0x10, 0x00, 0x9d}, true},
		{"vp8 inter frame", webrtc.MimeTypeVP8, []byte{0x10, 0x01, 0x9d}, false},
		{"vp8 continuation", webrtc.MimeTypeVP8, []byte{0x00, 0x00}, false},
		{"vp8 extended picture id", webrtc.MimeTypeVP8, []byte{0x90, 0x80, 0x81, 0x23, 0x00}, true},
		{"vp8 truncated", webrtc.MimeTypeVP8, []byte{0x90}, false},
		{"h264 idr", webrtc.MimeTypeH264, []byte{0x65, 0x88}, true},
		{"h264 non idr", webrtc.MimeTypeH264, []byte{0x41, 0x9a}, false},
		{"h264 fu-a idr start", webrtc.MimeTypeH264, []byte{0x7c, 0x85, 0x00}, true},
		{"h264 fu-a idr middle", webrtc.MimeTypeH264, []byte{0x7c, 0x05, 0x00}, false},
		{"h264 stap-a with sps", webrtc.MimeTypeH264, []byte{0x78, 0x00, 0x02, 0x67, 0x42}, true},
		{"opus", webrtc.MimeTypeOpus, []byte{0x65}, false},
		{"empty", webrtc.MimeTypeVP8, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsKeyframe(tt.mimeType, &rtp.Packet{Payload: tt.payload})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyframeGate(t *testing.T) {
	gate := NewKeyframeGate(webrtc.MimeTypeVP8)
	assert.False(t, gate.Allow(&rtp.Packet{Payload: []byte{0x10, 0x01}}))
	assert.True(t, gate.Allow(&rtp.Packet{Payload: []byte{0x10, 0x00}}))
	assert.True(t, gate.Allow(&rtp.Packet{Payload: []byte{0x10, 0x01}}), "gate stays open")

	audio := NewKeyframeGate(webrtc.MimeTypeOpus)
	assert.True(t, audio.Open())
}

func TestUDPRendererPorts(t *testing.T) {
	renderer, err := NewUDPRenderer("127.0.0.1:6000", zap.NewNop().Sugar())
	require.NoError(t, err)

	camera := renderer.Port("s1", domain.TrackRoleCamera)
	screen := renderer.Port("s1", domain.TrackRoleScreen)
	assert.Equal(t, 6000, camera)
	assert.Equal(t, 6002, screen)
	assert.Equal(t, camera, renderer.Port("s1", domain.TrackRoleCamera))

	assert.Equal(t, renderer.Port("a1", domain.TrackRoleVoice), renderer.Port("a2", domain.TrackRoleVoice),
		"every voice feed shares one playback sink")

	_, err = NewUDPRenderer("nope", zap.NewNop().Sugar())
	assert.Error(t, err)
}

type fakeTrack struct {
	packets chan []byte
}

func (f *fakeTrack) ID() string             { return "t1" }
func (f *fakeTrack) StreamID() string       { return "s" }
func (f *fakeTrack) Kind() domain.TrackKind { return domain.TrackKindVideo }
func (f *fakeTrack) MimeType() string       { return webrtc.MimeTypeVP8 }
func (f *fakeTrack) Label() string          { return "t1" }
func (f *fakeTrack) DisplaySurface() string { return "" }
func (f *fakeTrack) RequestKeyframe() error { return nil }
func (f *fakeTrack) ReadRTP() ([]byte, error) {
	raw, ok := <-f.packets
	if !ok {
		return nil, errors.New("track ended")
	}
	return raw, nil
}

func TestUDPRendererForwardsFromKeyframe(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	port := listener.LocalAddr().(*net.UDPAddr).Port
	renderer, err := NewUDPRenderer(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), zap.NewNop().Sugar())
	require.NoError(t, err)

	track := &fakeTrack{packets: make(chan []byte, 4)}
	defer close(track.packets)

	binding, err := renderer.Bind(context.Background(), "s1", domain.TrackRoleCamera, track)
	require.NoError(t, err)
	defer binding.Release()

	marshal := func(seq uint16, payload []byte) []byte {
		raw, err := (&rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq}, Payload: payload}).Marshal()
		require.NoError(t, err)
		return raw
	}
	track.packets <- marshal(1, []byte{0x10, 0x01})
	track.packets <- marshal(2, []byte{0x10, 0x00})

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)

	var got rtp.Packet
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, uint16(2), got.SequenceNumber, "packets before the first key frame are dropped")
}

func TestUDPCaptureSourceUnavailable(t *testing.T) {
	source := NewUDPCaptureSource(CaptureConfig{}, zap.NewNop().Sugar())

	_, err := source.Acquire(domain.CaptureCamera)
	assert.ErrorIs(t, err, domain.ErrNoCamera)

	_, err = source.Acquire(domain.CaptureMicrophone)
	assert.ErrorIs(t, err, domain.ErrNoMicrophone)

	_, err = source.Acquire(domain.CaptureScreen)
	assert.ErrorIs(t, err, domain.ErrScreenDenied)
}

func TestUDPCaptureSourceAcquire(t *testing.T) {
	source := NewUDPCaptureSource(CaptureConfig{
		ScreenAddress: "127.0.0.1:0",
		ScreenSurface: "monitor",
	}, zap.NewNop().Sugar())

	track, err := source.Acquire(domain.CaptureScreen)
	require.NoError(t, err)

	assert.Equal(t, domain.CaptureScreen, track.Kind())
	assert.Equal(t, "monitor", track.DisplaySurface())
	assert.Equal(t, "screen", track.Track().ID())
	assert.Equal(t, "monitor", domain.DisplaySurfaceOf(track.Track().StreamID()))

	require.NoError(t, track.Stop())
	assert.NoError(t, track.Stop())
}
