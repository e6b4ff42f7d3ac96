package audit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multpex/linkd/pkg/auth"
	"github.com/multpex/linkd/pkg/ws"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql 的连接回收协程在 DB 关闭后异步退出
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	cfg.MaxOpenConns = 1
	cfg.LogLevel = 1
	return cfg
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(testConfig(t), nil)
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.Driver = "oracle" }},
		{"dsn", func(c *Config) { c.DSN = "" }},
		{"replicas", func(c *Config) { c.Replicas = &ReplicaConfig{} }},
		{"retention", func(c *Config) { c.Retention = -time.Second }},
		{"schedule", func(c *Config) { c.PurgeSchedule = "every day" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestStoreLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	connected := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Opened(ctx, &Session{ConnID: "c1", Subject: "alice", RemoteAddr: "10.0.0.1:5000", ConnectedAt: connected}))
	require.NoError(t, store.Opened(ctx, &Session{ConnID: "c1", Subject: "mallory"}), "duplicate open is ignored")

	sess, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Subject)
	assert.True(t, sess.Open())

	open, err := store.List(ctx, Query{OpenOnly: true})
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, store.Closed(ctx, &Session{ConnID: "c1", Rooms: []string{"a", "b"}, Reason: ws.ReasonClientClosed}))

	sess, err = store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, sess.Open())
	assert.Equal(t, []string{"a", "b"}, sess.Rooms)
	assert.Equal(t, ws.ReasonClientClosed, sess.Reason)
	assert.Equal(t, "alice", sess.Subject)
	assert.Greater(t, sess.Duration(), 30*time.Second)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreClosedBeforeOpened(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Closed(ctx, &Session{ConnID: "c2", Subject: "bob", ConnectedAt: time.Now(), Reason: "kicked"}))
	require.NoError(t, store.Opened(ctx, &Session{ConnID: "c2", Subject: "bob", ConnectedAt: time.Now()}))

	sess, err := store.Get(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, sess.Open())
	assert.Equal(t, "kicked", sess.Reason)
}

func TestStoreListAndPurge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-48 * time.Hour)

	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * 10 * time.Hour)
		subject := "alice"
		if i%2 == 1 {
			subject = "bob"
		}
		require.NoError(t, store.Opened(ctx, &Session{ConnID: fmt.Sprint("c", i), Subject: subject, ConnectedAt: at}))
		if i < 4 {
			end := at.Add(time.Hour)
			require.NoError(t, store.Closed(ctx, &Session{ConnID: fmt.Sprint("c", i), DisconnectedAt: &end}))
		}
	}

	alice, err := store.List(ctx, Query{Subject: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 3)
	assert.Equal(t, "c4", alice[0].ConnID)

	limited, err := store.List(ctx, Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	recent, err := store.List(ctx, Query{Since: base.Add(25 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	// c0/c1/c2 在 24 小时前断开，c3 未过期，c4 未断开
	n, err := store.Purge(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	all, err := store.List(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRetentionPurgeNow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, store.Closed(ctx, &Session{ConnID: "old", ConnectedAt: old, DisconnectedAt: &old}))

	r, err := NewRetention(store, 24*time.Hour, "@every 1h", nil)
	require.NoError(t, err)
	r.Start()

	n, err := r.PurgeNow(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))

	_, err = NewRetention(store, time.Hour, "bogus", nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStoreClosedRejectsWrites(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Opened(context.Background(), &Session{ConnID: "x"}), ErrClosed)
	_, err := store.Purge(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServiceRecordsGatewaySessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention = 0
	svc, err := New(cfg, nil)
	require.NoError(t, err)

	gw, err := ws.New(ws.DefaultConfig())
	require.NoError(t, err)
	ws.RegisterBuiltins(gw)
	svc.Attach(gw)

	ft := newTransport()
	c, err := gw.Accept(ft, &auth.Identity{Subject: "carol"})
	require.NoError(t, err)
	require.NoError(t, gw.Join(c.ID(), "ops"))
	require.NoError(t, gw.Disconnect(c.ID(), "kicked"))
	<-c.Done()

	ctx := context.Background()
	require.NoError(t, gw.Shutdown(ctx))

	sess, err := svc.Store().Get(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, "carol", sess.Subject)
	assert.Equal(t, []string{"ops"}, sess.Rooms)
	assert.Equal(t, "kicked", sess.Reason)
	assert.False(t, sess.Open())

	require.NoError(t, svc.Close(ctx))
}
