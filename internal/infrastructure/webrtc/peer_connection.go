package webrtc

import (
	"fmt"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
	"proctornet/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config WebRTC configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// ConfigFromApp converts the application config section.
func ConfigFromApp(cfg *config.Config) Config {
	var out Config
	for _, server := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// PionFactory creates pion peer connections sharing one API instance.
type PionFactory struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

// NewPionFactory registers the default codecs and the default NACK, RTCP report
// and TWCC interceptors. Without codecs no sender can be negotiated.
func NewPionFactory(cfg Config, logger *zap.SugaredLogger) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptors); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			logger.Warnw("ignoring invalid udp port range", "min", cfg.PortRange.Min, "max", cfg.PortRange.Max, "error", err)
		}
	}
	return &PionFactory{
		config: cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptors),
			webrtc.WithSettingEngine(settingEngine),
		),
		logger: logger,
	}, nil
}

func (f *PionFactory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionPeerConnection{PeerConnection: pc, logger: f.logger}, nil
}

// pionPeerConnection adapts *webrtc.PeerConnection to ports.PeerConnection.
type pionPeerConnection struct {
	*webrtc.PeerConnection
	logger *zap.SugaredLogger
}

func (p *pionPeerConnection) OnTrack(f func(ports.RemoteTrack)) {
	p.PeerConnection.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Infow("remote track started",
			"track_id", track.ID(),
			"stream_id", track.StreamID(),
			"codec", track.Codec().MimeType,
		)
		go p.drainRTCP(receiver)
		f(&pionRemoteTrack{track: track, pc: p.PeerConnection})
	})
}

// drainRTCP keeps the receiver's interceptors running until the track ends.
func (p *pionPeerConnection) drainRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

type pionRemoteTrack struct {
	track *webrtc.TrackRemote
	pc    *webrtc.PeerConnection
	buf   [1500]byte
}

func (t *pionRemoteTrack) ID() string       { return t.track.ID() }
func (t *pionRemoteTrack) StreamID() string { return t.track.StreamID() }
func (t *pionRemoteTrack) Label() string    { return t.track.ID() }
func (t *pionRemoteTrack) MimeType() string { return t.track.Codec().MimeType }

func (t *pionRemoteTrack) Kind() domain.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}

func (t *pionRemoteTrack) DisplaySurface() string {
	return domain.DisplaySurfaceOf(t.track.StreamID())
}

// ReadRTP returns one raw RTP packet. The slice is only valid until the next call.
func (t *pionRemoteTrack) ReadRTP() ([]byte, error) {
	n, _, err := t.track.Read(t.buf[:])
	if err != nil {
		return nil, err
	}
	return t.buf[:n], nil
}

func (t *pionRemoteTrack) RequestKeyframe() error {
	return t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(t.track.SSRC())},
	})
}
