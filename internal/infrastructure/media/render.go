package media

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

type sinkKey struct {
	remoteID string
	role     domain.TrackRole
}

// UDPRenderer plays bound tracks out as RTP/UDP, one destination port per
// (remote, role) pair. Ports are handed out upwards from the base address and
// stay stable for the life of the renderer, so a player pointed at a feed keeps
// working across reconnects. All voice roles share one port: every admin that
// speaks feeds the same playback sink.
type UDPRenderer struct {
	host     string
	basePort int
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	ports map[sinkKey]int
	next  int
}

func NewUDPRenderer(baseAddress string, logger *zap.SugaredLogger) (*UDPRenderer, error) {
	host, portStr, err := net.SplitHostPort(baseAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid render base address %q: %w", baseAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid render base port %q", portStr)
	}
	return &UDPRenderer{
		host:     host,
		basePort: port,
		logger:   logger,
		ports:    make(map[sinkKey]int),
	}, nil
}

// Port returns the destination port of a (remote, role) pair, allocating it on first use.
func (r *UDPRenderer) Port(remoteID string, role domain.TrackRole) int {
	key := sinkKey{remoteID: remoteID, role: role}
	if role == domain.TrackRoleVoice {
		key.remoteID = ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if port, ok := r.ports[key]; ok {
		return port
	}
	port := r.basePort + r.next
	r.next += 2 // leave room for RTCP
	r.ports[key] = port
	return port
}

func (r *UDPRenderer) Bind(ctx context.Context, remoteID string, role domain.TrackRole, track ports.RemoteTrack) (ports.Binding, error) {
	address := net.JoinHostPort(r.host, strconv.Itoa(r.Port(remoteID, role)))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("dial render sink %s: %w", address, err)
	}

	b := &udpBinding{
		track:  track,
		conn:   conn,
		gate:   NewKeyframeGate(track.MimeType()),
		done:   make(chan struct{}),
		logger: r.logger.With("remote_id", remoteID, "role", role, "address", address),
	}
	go b.pump()
	b.logger.Infow("render binding attached", "track_id", track.ID())
	return b, nil
}

type udpBinding struct {
	track  ports.RemoteTrack
	conn   net.Conn
	gate   *KeyframeGate
	done   chan struct{}
	logger *zap.SugaredLogger

	releaseOnce sync.Once
}

func (b *udpBinding) pump() {
	packet := &rtp.Packet{}
	for {
		select {
		case <-b.done:
			return
		default:
		}

		raw, err := b.track.ReadRTP()
		if err != nil {
			b.logger.Debugw("track ended", "error", err)
			return
		}
		if !b.gate.Open() {
			if err := packet.Unmarshal(raw); err != nil || !b.gate.Allow(packet) {
				continue
			}
		}
		if _, err := b.conn.Write(raw); err != nil {
			select {
			case <-b.done:
			default:
				b.logger.Debugw("render write failed", "error", err)
			}
		}
	}
}

// Release stops forwarding. The pump exits after the packet it is waiting for.
func (b *udpBinding) Release() {
	b.releaseOnce.Do(func() {
		close(b.done)
		b.conn.Close()
		b.logger.Infow("render binding released", "track_id", b.track.ID())
	})
}
