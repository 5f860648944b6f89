package media

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// CaptureConfig maps each capture kind to the UDP address an RTP producer
// (a browser bridge, ffmpeg or gstreamer) sends to. An empty address means the
// device is not available.
type CaptureConfig struct {
	CameraAddress     string
	ScreenAddress     string
	MicrophoneAddress string
	VideoCodec        string
	ScreenSurface     string
}

// UDPCaptureSource turns RTP/UDP ingest into local WebRTC tracks.
type UDPCaptureSource struct {
	config CaptureConfig
	logger *zap.SugaredLogger
}

func NewUDPCaptureSource(cfg CaptureConfig, logger *zap.SugaredLogger) *UDPCaptureSource {
	return &UDPCaptureSource{config: cfg, logger: logger}
}

func (s *UDPCaptureSource) Acquire(kind domain.CaptureKind) (ports.LocalTrack, error) {
	var (
		address     string
		unavailable error
		codec       webrtc.RTPCodecCapability
		streamID    = "proctornet-" + string(kind)
		surface     string
	)

	switch kind {
	case domain.CaptureCamera:
		address, unavailable, codec = s.config.CameraAddress, domain.ErrNoCamera, s.videoCodec()
	case domain.CaptureScreen:
		address, unavailable, codec = s.config.ScreenAddress, domain.ErrScreenDenied, s.videoCodec()
		surface = s.config.ScreenSurface
		streamID = domain.ScreenStreamID(surface)
	case domain.CaptureMicrophone:
		address, unavailable = s.config.MicrophoneAddress, domain.ErrNoMicrophone
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	default:
		return nil, fmt.Errorf("unknown capture kind %q", kind)
	}
	if address == "" {
		return nil, unavailable
	}

	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", unavailable, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", unavailable, address, err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), streamID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	local := &udpTrack{
		kind:    kind,
		surface: surface,
		track:   track,
		conn:    conn,
		done:    make(chan struct{}),
		logger:  s.logger.With("capture", kind, "address", address),
	}
	go local.pump()

	s.logger.Infow("capture started", "kind", kind, "address", address, "codec", codec.MimeType)
	return local, nil
}

func (s *UDPCaptureSource) videoCodec() webrtc.RTPCodecCapability {
	if strings.EqualFold(s.config.VideoCodec, "h264") {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

// udpTrack forwards every packet received on its socket to the local track,
// which fans out to every session it is attached to.
type udpTrack struct {
	kind    domain.CaptureKind
	surface string
	track   *webrtc.TrackLocalStaticRTP
	conn    *net.UDPConn
	done    chan struct{}
	logger  *zap.SugaredLogger

	stopOnce sync.Once
}

func (t *udpTrack) Track() webrtc.TrackLocal { return t.track }
func (t *udpTrack) Kind() domain.CaptureKind { return t.kind }
func (t *udpTrack) DisplaySurface() string   { return t.surface }

func (t *udpTrack) pump() {
	defer close(t.done)

	buf := make([]byte, 1500) // MTU size
	packet := &rtp.Packet{}
	for {
		n, _, err := t.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Warnw("capture read failed", "error", err)
			}
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			t.logger.Debugw("dropping malformed rtp packet", "error", err)
			continue
		}
		if err := t.track.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.logger.Debugw("error writing rtp packet to local track", "error", err)
		}
	}
}

// Stop closes the socket and waits for the pump to exit. Safe to call twice.
func (t *udpTrack) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		err = t.conn.Close()
		<-t.done
		t.logger.Infow("capture stopped")
	})
	return err
}
