// Package signal is the signaling hub: it exposes the signaling channel contract
// to remote agents over websockets and runs each connection's disconnect hooks
// when its socket drops.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
	"proctornet/internal/core/services"
	"proctornet/internal/infrastructure/channel/memory"
	redischannel "proctornet/internal/infrastructure/channel/redis"
	"proctornet/internal/infrastructure/middleware"
	"proctornet/pkg/config"
	"proctornet/pkg/tracing"
	"proctornet/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	opTimeout  = 10 * time.Second
	sendBuffer = 256
)

// ClientChannel is one hub connection's view of the backing store. Close runs
// the connection's disconnect hooks.
type ClientChannel interface {
	ports.SignalingChannel
	Close(ctx context.Context) error
}

// Backend opens a ClientChannel per websocket connection.
type Backend interface {
	Connect(ctx context.Context) (ClientChannel, error)
}

type MemoryBackend struct {
	Store *memory.Store
}

type memoryClient struct {
	*memory.Channel
}

func (c memoryClient) Close(context.Context) error {
	c.Disconnect()
	return nil
}

func (b MemoryBackend) Connect(context.Context) (ClientChannel, error) {
	return memoryClient{b.Store.Connect()}, nil
}

type RedisBackend struct {
	Store    *redischannel.Store
	LeaseTTL time.Duration
}

func (b RedisBackend) Connect(ctx context.Context) (ClientChannel, error) {
	return b.Store.Connect(ctx, b.LeaseTTL)
}

// Metrics observes hub activity.
type Metrics interface {
	HubConnectionOpened()
	HubConnectionClosed()
	HubRequest(op string, failed bool)
}

type noopMetrics struct{}

func (noopMetrics) HubConnectionOpened()    {}
func (noopMetrics) HubConnectionClosed()    {}
func (noopMetrics) HubRequest(string, bool) {}

type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	AllowedOrigins    []string
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return opts
}

type Hub struct {
	backend  Backend
	auth     services.AuthService
	opts     Options
	metrics  Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*hubClient

	logger *zap.SugaredLogger
}

func NewHub(backend Backend, auth services.AuthService, opts Options, metrics Metrics, logger *zap.SugaredLogger) *Hub {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	h := &Hub{
		backend: backend,
		auth:    auth,
		opts:    opts,
		metrics: metrics,
		clients: make(map[string]*hubClient),
		logger:  logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type hubClient struct {
	id      string
	conn    *websocket.Conn
	claims  *services.Claims
	channel ClientChannel
	limiter *rate.Limiter

	send     chan Response
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	subs    map[uint64]func()
	nextSub uint64

	logger *zap.SugaredLogger
}

func (c *hubClient) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// push queues a frame for the writer; it gives up once the connection is closing.
func (c *hubClient) push(resp Response) {
	select {
	case c.send <- resp:
	case <-c.done:
	}
}

// HandleWebSocket must run behind middleware.AuthMiddleware.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	channel, err := h.backend.Connect(c.Request.Context())
	if err != nil {
		h.logger.Errorw("failed to open backing channel", "error", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "signaling store unavailable"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		h.closeChannel(channel, "")
		return
	}

	client := &hubClient{
		id:      utils.GenerateClientID(),
		conn:    conn,
		claims:  claims,
		channel: channel,
		send:    make(chan Response, sendBuffer),
		done:    make(chan struct{}),
		subs:    make(map[uint64]func()),
	}
	if h.opts.MessagesPerSecond > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.Burst)
	}
	client.logger = h.logger.With(
		"client_id", client.id,
		"exam_id", claims.ExamID,
		"participant_id", claims.ParticipantID,
	)

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	h.metrics.HubConnectionOpened()
	client.logger.Infow("signaling client connected")

	go h.writeLoop(client)
	h.readLoop(client)

	client.stop()
	conn.Close()
	client.mu.Lock()
	subs := client.subs
	client.subs = make(map[uint64]func())
	client.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
	h.closeChannel(channel, client.id)

	h.mu.Lock()
	delete(h.clients, client.id)
	h.mu.Unlock()
	h.metrics.HubConnectionClosed()
	client.logger.Infow("signaling client disconnected")
}

func (h *Hub) closeChannel(channel ClientChannel, clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := channel.Close(ctx); err != nil {
		h.logger.Warnw("failed to run disconnect hooks", "client_id", clientID, "error", err)
	}
}

func (h *Hub) readLoop(client *hubClient) {
	if h.opts.MaxMessageSize > 0 {
		client.conn.SetReadLimit(h.opts.MaxMessageSize)
	}
	client.conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	})

	for {
		var req Request
		if err := client.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				client.logger.Infow("error reading from signaling client", "error", err)
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))

		if client.limiter != nil && !client.limiter.Allow() {
			h.metrics.HubRequest(string(req.Op), true)
			client.push(Response{Type: FrameError, ID: req.ID, Error: "rate limit exceeded"})
			continue
		}

		resp, sent := h.handleRequest(client, req)
		h.metrics.HubRequest(string(req.Op), resp.Type == FrameError)
		client.push(resp)
		if sent != nil {
			sent()
		}
	}
}

func (h *Hub) writeLoop(client *hubClient) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case resp := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := client.conn.WriteJSON(resp); err != nil {
				client.logger.Infow("error writing to signaling client", "error", err)
				client.stop()
				client.conn.Close()
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.logger.Infow("error sending ping", "error", err)
				client.stop()
				client.conn.Close()
				return
			}
		}
	}
}

// handleRequest returns the response and, for subscriptions, a func to call once
// the response is queued.
func (h *Hub) handleRequest(client *hubClient, req Request) (Response, func()) {
	if err := req.Validate(); err != nil {
		return errorResponse(req.ID, err), nil
	}
	if req.Op != OpUnsubscribe {
		if err := h.auth.CheckPathAccess(client.claims, req.Path); err != nil {
			return errorResponse(req.ID, err), nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ctx, span := tracing.TraceHubOperation(ctx, string(req.Op), client.id, req.Path)
	defer span.End()

	resp := Response{Type: FrameResult, ID: req.ID}
	var (
		err  error
		sent func()
	)
	switch req.Op {
	case OpWrite:
		err = client.channel.Write(ctx, req.Path, req.Value)
	case OpRead:
		resp.Value, resp.Found, err = client.channel.ReadOnce(ctx, req.Path)
	case OpDelete:
		err = client.channel.Delete(ctx, req.Path)
	case OpOnDisconnectDelete:
		err = client.channel.OnDisconnectDelete(ctx, req.Path)
	case OpSubscribe:
		resp.SubID, sent, err = h.subscribe(ctx, client, req.Path, req.Depth)
	case OpUnsubscribe:
		client.mu.Lock()
		unsub, ok := client.subs[req.SubID]
		delete(client.subs, req.SubID)
		client.mu.Unlock()
		if ok {
			unsub()
		}
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		client.logger.Debugw("signaling request failed", "op", req.Op, "path", req.Path, "error", err)
		return errorResponse(req.ID, err), nil
	}
	return resp, sent
}

// subscribe holds snapshots back until the result frame carrying subID is queued.
func (h *Hub) subscribe(ctx context.Context, client *hubClient, path string, depth domain.Depth) (uint64, func(), error) {
	client.mu.Lock()
	client.nextSub++
	subID := client.nextSub
	client.mu.Unlock()

	ready := make(chan struct{})
	unsub, err := client.channel.Subscribe(ctx, path, func(snap domain.Snapshot) {
		select {
		case <-ready:
		case <-client.done:
			return
		}
		client.push(Response{Type: FrameSnapshot, SubID: subID, Path: snap.Path, Entries: snap.Entries})
	}, domain.WithDepth(depth))
	if err != nil {
		return 0, nil, err
	}

	client.mu.Lock()
	client.subs[subID] = unsub
	client.mu.Unlock()
	return subID, func() { close(ready) }, nil
}

func errorResponse(id uint64, err error) Response {
	msg := err.Error()
	if errors.Is(err, services.ErrForbidden) {
		msg = fmt.Sprintf("forbidden: %v", err)
	}
	return Response{Type: FrameError, ID: id, Error: utils.TruncateString(msg, 512)}
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": h.ConnectionCount(),
	})
}

// Shutdown closes every connection; their disconnect hooks run as the handlers return.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub shutting down"),
			time.Now().Add(time.Second))
		client.conn.Close()
	}
}
