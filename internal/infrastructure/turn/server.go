// Package turn runs an optional embedded TURN relay for participants behind
// restrictive NATs.
package turn

import (
	"fmt"
	"net"

	"proctornet/pkg/config"

	"github.com/pion/turn/v3"
	"go.uber.org/zap"
)

type Server struct {
	server *turn.Server
	addr   net.Addr
}

// Start listens on cfg.TURN.Address (UDP) and relays through cfg.TURN.PublicIP.
func Start(cfg *config.Config, logger *zap.SugaredLogger) (*Server, error) {
	publicIP := net.ParseIP(cfg.TURN.PublicIP)
	if publicIP == nil {
		return nil, fmt.Errorf("invalid turn public ip %q", cfg.TURN.PublicIP)
	}

	conn, err := net.ListenPacket("udp4", cfg.TURN.Address)
	if err != nil {
		return nil, fmt.Errorf("listen turn: %w", err)
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm:       cfg.TURN.Realm,
		AuthHandler: authHandler(cfg.TURN.Realm, cfg.TURN.Users, logger),
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn: conn,
			RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
				RelayAddress: publicIP,
				Address:      "0.0.0.0",
			},
		}},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("start turn server: %w", err)
	}

	logger.Infow("turn relay listening", "address", conn.LocalAddr().String(), "public_ip", publicIP.String(), "users", len(cfg.TURN.Users))
	return &Server{server: server, addr: conn.LocalAddr()}, nil
}

func authHandler(realm string, users map[string]string, logger *zap.SugaredLogger) turn.AuthHandler {
	keys := make(map[string][]byte, len(users))
	for username, password := range users {
		keys[username] = turn.GenerateAuthKey(username, realm, password)
	}
	return func(username, _ string, srcAddr net.Addr) ([]byte, bool) {
		key, ok := keys[username]
		if !ok {
			logger.Debugw("turn auth rejected", "username", username, "source", srcAddr.String())
		}
		return key, ok
	}
}

func (s *Server) Addr() net.Addr {
	return s.addr
}

func (s *Server) Close() error {
	return s.server.Close()
}
