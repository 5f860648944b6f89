package wsclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/services"
	"proctornet/internal/infrastructure/channel/memory"
	"proctornet/internal/infrastructure/middleware"
	"proctornet/internal/infrastructure/signal"
	"proctornet/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type hubEnv struct {
	store *memory.Store
	hub   *signal.Hub
	url   string
	auth  services.AuthService
}

func startHub(t *testing.T) *hubEnv {
	gin.SetMode(gin.TestMode)
	store := memory.NewStore()
	auth := services.NewAuthService("secret", time.Minute)
	hub := signal.NewHub(signal.MemoryBackend{Store: store}, auth, signal.Options{
		PingInterval: time.Second,
		PongTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
	}, nil, zap.NewNop().Sugar())

	router := gin.New()
	router.GET("/ws", middleware.AuthMiddleware(auth), hub.HandleWebSocket)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &hubEnv{
		store: store,
		hub:   hub,
		url:   "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		auth:  auth,
	}
}

func (e *hubEnv) dial(t *testing.T, identity domain.Identity) *Client {
	token, err := e.auth.GenerateToken(identity)
	require.NoError(t, err)
	client, err := Dial(context.Background(), Options{
		URL:            e.url,
		Token:          token,
		RequestTimeout: time.Second,
		Reconnect: retry.Config{
			Enabled:      true,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Multiplier:   2,
		},
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

var student = domain.Identity{ExamID: "e1", ParticipantID: "s1", Role: domain.RoleStudent}

type recorder struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
}

func (r *recorder) add(snap domain.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recorder) last() (domain.Snapshot, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return domain.Snapshot{}, 0
	}
	return r.snaps[len(r.snaps)-1], len(r.snaps)
}

func TestClient_Operations(t *testing.T) {
	env := startHub(t)
	client := env.dial(t, student)
	ctx := context.Background()

	require.NoError(t, client.Write(ctx, "broadcast/e1/s1", []byte("b")))
	value, found, err := client.ReadOnce(ctx, "broadcast/e1/s1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("b"), value)

	require.NoError(t, client.Delete(ctx, "broadcast/e1"))
	_, found, err = client.ReadOnce(ctx, "broadcast/e1/s1")
	require.NoError(t, err)
	assert.False(t, found)

	assert.ErrorIs(t, client.Write(ctx, "broadcast//s1", []byte("b")), domain.ErrInvalidPath)
	assert.Error(t, client.Write(ctx, "broadcast/e2/s1", []byte("b")), "other exams are off limits")
}

func TestClient_Subscribe(t *testing.T) {
	env := startHub(t)
	client := env.dial(t, student)
	ctx := context.Background()

	var rec recorder
	unsub, err := client.Subscribe(ctx, "broadcast/e1", rec.add)
	require.NoError(t, err)

	require.Eventually(t, func() bool { _, n := rec.last(); return n >= 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, env.store.Write(ctx, "broadcast/e1/s1", []byte("b")))
	require.Eventually(t, func() bool {
		snap, _ := rec.last()
		return len(snap.Children()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	unsub()
	_, before := rec.last()
	require.NoError(t, env.store.Write(ctx, "broadcast/e1/s2", []byte("b")))
	time.Sleep(50 * time.Millisecond)
	_, after := rec.last()
	assert.Equal(t, before, after)
}

func TestClient_CloseRunsHooks(t *testing.T) {
	env := startHub(t)
	client := env.dial(t, student)
	ctx := context.Background()

	require.NoError(t, client.OnDisconnectDelete(ctx, "broadcast/e1/s1"))
	require.NoError(t, client.Write(ctx, "broadcast/e1/s1", []byte("b")))
	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Write(ctx, "broadcast/e1/s1", []byte("b")), domain.ErrChannelClosed)

	require.Eventually(t, func() bool {
		_, found, err := env.store.ReadOnce(ctx, "broadcast/e1/s1")
		return err == nil && !found
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_RestoresStateAfterReconnect(t *testing.T) {
	env := startHub(t)
	client := env.dial(t, student)
	ctx := context.Background()

	require.NoError(t, client.OnDisconnectDelete(ctx, "broadcast/e1/s1"))
	require.NoError(t, client.Write(ctx, "broadcast/e1/s1", []byte("b")))

	var rec recorder
	_, err := client.Subscribe(ctx, "voice/e1/s1", rec.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, n := rec.last(); return n >= 1 }, 2*time.Second, 5*time.Millisecond)

	env.hub.Shutdown()

	// The hub ran the hooks; the client puts its registration back once reconnected.
	require.Eventually(t, func() bool {
		value, found, err := env.store.ReadOnce(ctx, "broadcast/e1/s1")
		return err == nil && found && string(value) == "b"
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return env.store.Write(ctx, "voice/e1/s1/admin/a1", []byte("on")) == nil && func() bool {
			snap, _ := rec.last()
			return len(snap.Children()) == 1
		}()
	}, 3*time.Second, 20*time.Millisecond)
}

func TestClient_SubscribeDepth(t *testing.T) {
	env := startHub(t)
	client := env.dial(t, student)
	ctx := context.Background()

	var rec recorder
	_, err := client.Subscribe(ctx, "broadcast/e1/s1", rec.add, domain.WithDepth(domain.DepthValue))
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, n := rec.last(); return n >= 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, env.store.Write(ctx, "broadcast/e1/s1/viewers/t1", []byte("v")))
	require.NoError(t, env.store.Write(ctx, "broadcast/e1/s1", []byte("b")))
	require.Eventually(t, func() bool {
		snap, _ := rec.last()
		_, ok := snap.Value()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	snap, n := rec.last()
	assert.Equal(t, 2, n, "the write below the node is not delivered")
	assert.Equal(t, map[string][]byte{"": []byte("b")}, snap.Entries)
}

func TestClient_RestoreSkipsBoundSubscriptions(t *testing.T) {
	env := startHub(t)
	client := env.dial(t, student)
	ctx := context.Background()

	var rec recorder
	_, err := client.Subscribe(ctx, "voice/e1/s1", rec.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, n := rec.last(); return n >= 1 }, 2*time.Second, 5*time.Millisecond)

	client.restore()
	client.restore()
	time.Sleep(50 * time.Millisecond)
	_, before := rec.last()

	require.NoError(t, env.store.Write(ctx, "voice/e1/s1/admin/a1", []byte("on")))
	require.Eventually(t, func() bool { _, n := rec.last(); return n > before }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	_, after := rec.last()
	assert.Equal(t, before+1, after, "one hub subscription delivers each change once")
	client.mu.Lock()
	assert.Len(t, client.remote, 1)
	client.mu.Unlock()
}
