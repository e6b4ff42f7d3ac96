package presence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multpex/linkd/pkg/auth"
	"github.com/multpex/linkd/pkg/cache"
	"github.com/multpex/linkd/pkg/errors"
	"github.com/multpex/linkd/pkg/ws"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go-cache 的清理协程只在缓存被回收时退出
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

type env struct {
	gw      *ws.Gateway
	tracker *Tracker
	srv     *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)

	cfg := ws.DefaultConfig()
	cfg.HeartbeatIntervalMs = 1000
	gw, err := ws.New(cfg, ws.WithAuthProvider(auth.StaticProvider{
		"tok-alice": {Subject: "alice"},
		"tok-bob":   {Subject: "bob"},
	}))
	require.NoError(t, err)
	ws.RegisterBuiltins(gw)

	tracker := New(store, gw)
	tracker.Attach(gw)
	tracker.RegisterHandlers(gw)

	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
		_ = store.Close()
	})
	return &env{gw: gw, tracker: tracker, srv: srv}
}

func (e *env) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http"), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func call(t *testing.T, conn *websocket.Conn, typ, id string, data any) map[string]any {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": typ, "id": id, "data": data}))
	for {
		m := read(t, conn)
		if m["id"] == id {
			return m
		}
	}
}

func TestPresenceTransitions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	bob := e.dial(t, "tok-bob")
	call(t, bob, ws.TypeRoomJoin, "j", map[string]string{"room": "team"})

	alice1 := e.dial(t, "tok-alice")
	ev := read(t, bob)
	assert.Equal(t, EventOnline, ev["type"])
	assert.Equal(t, "alice", ev["data"].(map[string]any)["subject"])

	alice2 := e.dial(t, "tok-alice")
	call(t, alice2, ws.TypeRoomJoin, "j", map[string]string{"room": "team"})

	require.Eventually(t, func() bool {
		n, err := e.tracker.Online(ctx, "alice")
		return err == nil && n == 2
	}, time.Second, 5*time.Millisecond)

	// 仍有连接在线，不广播离线
	require.NoError(t, alice1.Close())
	require.Eventually(t, func() bool {
		n, _ := e.tracker.Online(ctx, "alice")
		return n == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, alice2.Close())
	ev = read(t, bob)
	assert.Equal(t, EventOffline, ev["type"])
	assert.Equal(t, "alice", ev["data"].(map[string]any)["subject"])

	online, err := e.tracker.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresenceQuery(t *testing.T) {
	e := newEnv(t)
	bob := e.dial(t, "tok-bob")

	resp := call(t, bob, TypeQuery, "q", map[string]any{"subjects": []string{"bob", "alice"}})
	require.NotContains(t, resp, "error")
	assert.Equal(t, map[string]any{"bob": float64(1), "alice": float64(0)}, resp["data"].(map[string]any)["online"])

	resp = call(t, bob, TypeQuery, "q2", map[string]any{"subjects": []string{}})
	assert.Equal(t, "VALIDATION_ERROR", resp["error"].(map[string]any)["type"])
}

type countingCache struct {
	cache.Cache
	mu    sync.Mutex
	gets  int
	delay time.Duration
}

func (c *countingCache) Get(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	time.Sleep(c.delay)
	return c.Cache.Get(ctx, key)
}

func TestOnlineCoalescesLookups(t *testing.T) {
	base, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)
	defer base.Close()

	store := &countingCache{Cache: base, delay: 50 * time.Millisecond}
	tracker := New(store, nil)
	_, err = base.IncrBy(context.Background(), key("u1"), 3, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := tracker.Online(context.Background(), "u1")
			assert.NoError(t, err)
			assert.EqualValues(t, 3, n)
		}()
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Less(t, store.gets, 10)
}

func TestAnonymousConnectionsNotCounted(t *testing.T) {
	e := newEnv(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	call(t, conn, ws.TypePing, "p", nil)
	n, err := e.tracker.Online(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeferredAuthenticationIsCounted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gw.Register("login", func(c *ws.Context) (any, error) {
		return "ok", c.Authenticate(&auth.Identity{Subject: "carol"})
	})

	bob := e.dial(t, "tok-bob")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	resp := call(t, conn, "login", "l", nil)
	require.NotContains(t, resp, "error")

	ev := read(t, bob)
	assert.Equal(t, EventOnline, ev["type"])
	assert.Equal(t, "carol", ev["data"].(map[string]any)["subject"])

	n, err := e.tracker.Online(ctx, "carol")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		n, _ := e.tracker.Online(ctx, "carol")
		return n == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRebindMovesCount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gw.Register("switch", func(c *ws.Context) (any, error) {
		return "ok", c.Authenticate(&auth.Identity{Subject: "dave"})
	})

	alice := e.dial(t, "tok-alice")
	call(t, alice, "switch", "s", nil)

	got, err := e.tracker.OnlineMany(ctx, "alice", "dave")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 0, "dave": 1}, got)
}

func TestRejectedConnectionReleasesCount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rejected := make(chan struct{}, 1)
	e.gw.OnConnect(func(_ context.Context, c *ws.Conn) error {
		if c.Subject() == "bob" {
			rejected <- struct{}{}
			return errors.ErrForbidden
		}
		return nil
	})

	conn := e.dial(t, "tok-bob")
	select {
	case <-rejected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect hook not called")
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	require.Eventually(t, func() bool {
		n, err := e.tracker.Online(ctx, "bob")
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
}
