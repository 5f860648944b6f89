// Package wsclient implements the signaling channel against a remote hub.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
	"proctornet/internal/infrastructure/channel/dispatch"
	"proctornet/internal/infrastructure/signal"
	"proctornet/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrDisconnected is returned for operations attempted while the hub is unreachable.
var ErrDisconnected = errors.New("signaling hub unreachable")

// errBound skips a subscribe for a subscription that is bound or being bound.
var errBound = errors.New("subscription already bound")

type Options struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	// PongTimeout drops a connection whose hub stopped pinging. Zero disables it.
	PongTimeout time.Duration
	Reconnect   retry.Config
}

type subscription struct {
	path     string
	depth    domain.Depth
	queue    *dispatch.Queue
	remoteID uint64
	// binding is the in-flight subscribe call for this subscription, if any.
	binding *call
}

type call struct {
	ch  chan signal.Response
	sub *subscription
}

// Client is a ports.SignalingChannel backed by a hub websocket. After a drop it
// reconnects, re-registers its disconnect hooks, rewrites the registration nodes
// they protect and resubscribes.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]*call
	subs    map[*subscription]struct{}
	remote  map[uint64]*subscription
	// hooks maps each disconnect-hook path to the value last written there.
	hooks  map[string][]byte
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ ports.SignalingChannel = (*Client)(nil)

// Dial connects to the hub and keeps the connection alive until Close.
func Dial(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*Client, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	c := &Client{
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		logger:  logger,
		pending: make(map[uint64]*call),
		subs:    make(map[*subscription]struct{}),
		remote:  make(map[uint64]*subscription),
		hooks:   make(map[string][]byte),
		done:    make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.attach(conn)

	c.wg.Add(1)
	go c.run(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signaling hub: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial signaling hub: %w", err)
	}

	if c.opts.PongTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		conn.SetPingHandler(func(data string) error {
			conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
			err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return false
	}
	c.conn = conn
	return true
}

// detach fails every in-flight request. Subscriptions lose their hub ids until
// they are restored.
func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	for id, pc := range c.pending {
		pc.unbind()
		close(pc.ch)
		delete(c.pending, id)
	}
	for sub := range c.subs {
		sub.remoteID = 0
	}
	c.remote = make(map[uint64]*subscription)
}

func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.readLoop(conn)
		c.detach()

		select {
		case <-c.done:
			return
		default:
		}
		c.logger.Warnw("signaling hub connection lost, reconnecting", "url", c.opts.URL)

		var ok bool
		conn, ok = c.reconnect()
		if !ok {
			return
		}
		// Restoring issues requests whose responses only readLoop delivers.
		go c.restore()
	}
}

func (c *Client) reconnect() (*websocket.Conn, bool) {
	for attempt := 0; ; attempt++ {
		timer := time.NewTimer(retry.Backoff(c.opts.Reconnect, attempt))
		select {
		case <-c.done:
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Debugw("reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		if !c.attach(conn) {
			return nil, false
		}
		c.logger.Infow("reconnected to signaling hub", "attempts", attempt+1)
		return conn, true
	}
}

func (c *Client) restore() {
	c.mu.Lock()
	hooks := make(map[string][]byte, len(c.hooks))
	for path, value := range c.hooks {
		hooks[path] = value
	}
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		if sub.remoteID == 0 && sub.binding == nil {
			subs = append(subs, sub)
		}
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	for path, value := range hooks {
		if _, err := c.request(ctx, signal.Request{Op: signal.OpOnDisconnectDelete, Path: path}, nil); err != nil {
			c.logger.Warnw("failed to restore disconnect hook", "path", path, "error", err)
			continue
		}
		if value == nil {
			continue
		}
		if _, err := c.request(ctx, signal.Request{Op: signal.OpWrite, Path: path, Value: value}, nil); err != nil {
			c.logger.Warnw("failed to restore registration", "path", path, "error", err)
		}
	}
	restored := 0
	for _, sub := range subs {
		err := c.bind(ctx, sub)
		switch {
		case err == nil:
			restored++
		case errors.Is(err, errBound):
		default:
			c.logger.Warnw("failed to restore subscription", "path", sub.path, "error", err)
		}
	}
	c.logger.Infow("signaling state restored", "hooks", len(hooks), "subscriptions", restored)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var resp signal.Response
		if err := conn.ReadJSON(&resp); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debugw("signaling hub read failed", "error", err)
			}
			return
		}
		c.deliver(resp)
	}
}

func (c *Client) deliver(resp signal.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if resp.Type == signal.FrameSnapshot {
		if sub, ok := c.remote[resp.SubID]; ok {
			sub.queue.Push(resp.Snapshot())
		}
		return
	}

	pc, ok := c.pending[resp.ID]
	if !ok {
		return
	}
	delete(c.pending, resp.ID)
	pc.unbind()
	// Bind the hub id here: snapshots for it may be the very next frame.
	if pc.sub != nil && resp.Type == signal.FrameResult {
		if _, live := c.subs[pc.sub]; live {
			pc.sub.remoteID = resp.SubID
			c.remote[resp.SubID] = pc.sub
		}
	}
	pc.ch <- resp
}

func (c *Client) request(ctx context.Context, req signal.Request, sub *subscription) (signal.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signal.Response{}, domain.ErrChannelClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return signal.Response{}, ErrDisconnected
	}
	if sub != nil {
		// Subscribe and restore can race for a fresh subscription; the hub
		// must see one subscribe per binding.
		if _, live := c.subs[sub]; !live || sub.remoteID != 0 || sub.binding != nil {
			c.mu.Unlock()
			return signal.Response{}, errBound
		}
	}
	c.nextID++
	req.ID = c.nextID
	pc := &call{ch: make(chan signal.Response, 1), sub: sub}
	if sub != nil {
		sub.binding = pc
	}
	c.pending[req.ID] = pc
	c.mu.Unlock()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.RequestTimeout))
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		conn.Close()
		return signal.Response{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case resp, ok := <-pc.ch:
		if !ok {
			return signal.Response{}, ErrDisconnected
		}
		if resp.Type == signal.FrameError {
			return resp, hubError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return signal.Response{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok := c.pending[id]; ok {
		pc.unbind()
		delete(c.pending, id)
	}
}

// unbind releases the subscription this call was binding. Callers hold c.mu.
func (pc *call) unbind() {
	if pc.sub != nil && pc.sub.binding == pc {
		pc.sub.binding = nil
	}
}

func (c *Client) bind(ctx context.Context, sub *subscription) error {
	_, err := c.request(ctx, signal.Request{Op: signal.OpSubscribe, Path: sub.path, Depth: sub.depth}, sub)
	return err
}

// hubError maps the hub's error text back onto the domain errors it came from.
func hubError(msg string) error {
	for _, known := range []error{domain.ErrInvalidPath, domain.ErrMalformedMessage, domain.ErrChannelClosed} {
		if strings.Contains(msg, known.Error()) {
			return fmt.Errorf("%w: %s", known, msg)
		}
	}
	return fmt.Errorf("signaling hub: %s", msg)
}

func (c *Client) Write(ctx context.Context, path string, value []byte) error {
	if err := domain.ValidatePath(path); err != nil {
		return err
	}
	if _, err := c.request(ctx, signal.Request{Op: signal.OpWrite, Path: path, Value: value}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.hooks[path]; ok {
		c.hooks[path] = value
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) ReadOnce(ctx context.Context, path string) ([]byte, bool, error) {
	if err := domain.ValidatePath(path); err != nil {
		return nil, false, err
	}
	resp, err := c.request(ctx, signal.Request{Op: signal.OpRead, Path: path}, nil)
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if err := domain.ValidatePath(path); err != nil {
		return err
	}
	if _, err := c.request(ctx, signal.Request{Op: signal.OpDelete, Path: path}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	for hook := range c.hooks {
		if hook == path || strings.HasPrefix(hook, path+"/") {
			delete(c.hooks, hook)
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) OnDisconnectDelete(ctx context.Context, path string) error {
	if err := domain.ValidatePath(path); err != nil {
		return err
	}
	if _, err := c.request(ctx, signal.Request{Op: signal.OpOnDisconnectDelete, Path: path}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.hooks[path]; !ok {
		c.hooks[path] = nil
	}
	c.mu.Unlock()
	return nil
}

// Subscribe keeps the subscription across reconnects. When the hub is
// unreachable the first snapshot arrives once the connection is restored.
func (c *Client) Subscribe(ctx context.Context, path string, onChange func(domain.Snapshot), opts ...domain.SubscribeOption) (func(), error) {
	if err := domain.ValidatePath(path); err != nil {
		return nil, err
	}
	options := domain.NewSubscribeOptions(opts...)
	sub := &subscription{path: path, depth: options.Depth, queue: dispatch.NewQueue(onChange)}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	// errBound means a concurrent restore already took it over.
	if err := c.bind(ctx, sub); err != nil && !errors.Is(err, ErrDisconnected) && !errors.Is(err, errBound) {
		c.drop(sub)
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(func() { c.unsubscribe(sub) }) }, nil
}

func (c *Client) drop(sub *subscription) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
	remoteID := sub.remoteID
	if remoteID != 0 {
		delete(c.remote, remoteID)
	}
	sub.queue.Cancel()
	return remoteID
}

func (c *Client) unsubscribe(sub *subscription) {
	remoteID := c.drop(sub)
	if remoteID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if _, err := c.request(ctx, signal.Request{Op: signal.OpUnsubscribe, SubID: remoteID}, nil); err != nil {
		c.logger.Debugw("failed to unsubscribe", "path", sub.path, "error", err)
	}
}

// Close drops the connection, which makes the hub run this client's disconnect hooks.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	for sub := range c.subs {
		sub.queue.Cancel()
	}
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.wg.Wait()
	return nil
}
