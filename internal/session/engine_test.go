package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgmond/wgmond/internal/session"
	"github.com/wgmond/wgmond/internal/store"
	"github.com/wgmond/wgmond/internal/wg"
)

func testKey(prefix string) string {
	return (prefix + strings.Repeat("A", 44))[:43] + "="
}

type harness struct {
	engine *session.Engine
	store  *store.Store
	clock  *clockwork.FakeClock
	peers  *mockPeerSource
	stats  *mockStatsUpdater
}

func newTestEngine(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 15, 10, 0, 0, 0, time.Local))
	st, err := store.Open(context.Background(), &store.Config{
		Logger: logger,
		Clock:  clock,
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	peers := &mockPeerSource{}
	peers.set(func(ctx context.Context) (map[string]wg.Peer, error) { return nil, nil })
	statsMock := &mockStatsUpdater{}

	engine, err := session.New(logger, &session.Config{
		Clock:           clock,
		Store:           st,
		Peers:           peers,
		Stats:           statsMock,
		Interval:        10 * time.Second,
		MaxHandshakeAge: 180 * time.Second,
		StatsInterval:   5 * time.Minute,
	})
	require.NoError(t, err)

	return &harness{engine: engine, store: st, clock: clock, peers: peers, stats: statsMock}
}

// servePeers fixes the next dump results.
func (h *harness) servePeers(peers ...wg.Peer) {
	m := make(map[string]wg.Peer, len(peers))
	for _, p := range peers {
		m[p.PublicKey] = p
	}
	h.peers.set(func(ctx context.Context) (map[string]wg.Peer, error) { return m, nil })
}

// freshPeer builds a peer whose handshake is a few seconds old.
func (h *harness) freshPeer(key string, rx, tx int64) wg.Peer {
	return wg.Peer{
		PublicKey:       key,
		Endpoint:        "203.0.113.9:51820",
		LatestHandshake: h.clock.Now().Add(-5 * time.Second),
		RxBytes:         rx,
		TxBytes:         tx,
	}
}

func TestSession_New(t *testing.T) {
	t.Parallel()

	t.Run("missing store", func(t *testing.T) {
		t.Parallel()
		_, err := session.New(logger, &session.Config{
			Clock: clockwork.NewRealClock(),
			Peers: &mockPeerSource{},
			Stats: &mockStatsUpdater{},
		})
		require.Error(t, err)
	})

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		_, err := session.New(nil, &session.Config{})
		require.Error(t, err)
	})
}

func TestSession_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newTestEngine(t)
	key := testKey("lcA")

	// tick 1: unknown fresh peer auto-registers and opens a session
	h.servePeers(h.freshPeer(key, 1000, 2000))
	h.engine.Tick(ctx)

	assert.Equal(t, 1, h.engine.LiveCount())
	u, err := h.store.UserByPubkey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, 1, u.Status)
	assert.Equal(t, 1, u.Enabled)

	events, _, err := h.store.EventsHistory(ctx, store.HistoryParams{Page: 1, PerPage: 10, Status: "all"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ONLINE", events[0].Status)
	assert.Zero(t, events[0].SessionRx)
	require.NotNil(t, events[0].EndpointInfo)
	assert.Equal(t, "203.0.113.9:51820", *events[0].EndpointInfo)
	eventID := events[0].ID

	// tick 2: counters moved, handshake still fresh
	h.clock.Advance(10 * time.Second)
	h.servePeers(h.freshPeer(key, 1500, 2600))
	h.engine.Tick(ctx)

	assert.Equal(t, 1, h.engine.LiveCount())
	e, err := h.store.EventByID(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), e.SessionRx)
	assert.Equal(t, int64(600), e.SessionTx)
	assert.Nil(t, e.EndTime)

	// tick 3: peer disappears; the session closes as one unit
	h.clock.Advance(10 * time.Second)
	h.servePeers()
	h.engine.Tick(ctx)

	assert.Zero(t, h.engine.LiveCount())
	e, err = h.store.EventByID(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, e.EndTime)
	assert.Equal(t, "OFFLINE", e.Status)
	assert.Equal(t, int64(20), e.DurationSeconds)

	u, err = h.store.UserByPubkey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, u.Status)
	assert.Equal(t, int64(500), u.TotalRx)
	assert.Equal(t, int64(600), u.TotalTx)

	day, err := h.store.TrafficDayRow(ctx, u.ID, h.store.Today())
	require.NoError(t, err)
	require.NotNil(t, day)
	assert.Equal(t, int64(500), day.DailyRx)
	assert.Equal(t, int64(600), day.DailyTx)
	assert.Equal(t, int64(1), day.SessionCount)
}

func TestSession_CounterReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newTestEngine(t)
	key := testKey("crA")

	h.servePeers(h.freshPeer(key, 1000, 2000))
	h.engine.Tick(ctx)
	require.Equal(t, 1, h.engine.LiveCount())

	events, _, err := h.store.EventsHistory(ctx, store.HistoryParams{Page: 1, PerPage: 10, Status: "all"})
	require.NoError(t, err)
	eventID := events[0].ID

	// kernel counters reset below the baseline: no negative deltas, the
	// engine rebaselines at the new values
	h.clock.Advance(10 * time.Second)
	h.servePeers(h.freshPeer(key, 100, 50))
	h.engine.Tick(ctx)

	e, err := h.store.EventByID(ctx, eventID)
	require.NoError(t, err)
	assert.Zero(t, e.SessionRx)
	assert.Zero(t, e.SessionTx)

	// growth resumes from the new baseline
	h.clock.Advance(10 * time.Second)
	h.servePeers(h.freshPeer(key, 300, 150))
	h.engine.Tick(ctx)

	e, err = h.store.EventByID(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), e.SessionRx)
	assert.Equal(t, int64(100), e.SessionTx)
	assert.Equal(t, 1, h.engine.LiveCount())
}

func TestSession_HandshakeFreshness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("peer with no handshake never opens", func(t *testing.T) {
		t.Parallel()
		h := newTestEngine(t)
		peer := h.freshPeer(testKey("hsZ"), 0, 0)
		peer.LatestHandshake = time.Time{}
		h.servePeers(peer)

		h.engine.Tick(ctx)
		assert.Zero(t, h.engine.LiveCount())

		u, err := h.store.UserByPubkey(ctx, peer.PublicKey)
		require.NoError(t, err)
		assert.Nil(t, u)
	})

	t.Run("stale handshake closes a live session", func(t *testing.T) {
		t.Parallel()
		h := newTestEngine(t)
		key := testKey("hsS")

		h.servePeers(h.freshPeer(key, 100, 100))
		h.engine.Tick(ctx)
		require.Equal(t, 1, h.engine.LiveCount())

		stale := h.freshPeer(key, 150, 150)
		stale.LatestHandshake = h.clock.Now().Add(-200 * time.Second)
		h.clock.Advance(10 * time.Second)
		h.servePeers(stale)
		h.engine.Tick(ctx)

		assert.Zero(t, h.engine.LiveCount())
		events, _, err := h.store.EventsHistory(ctx, store.HistoryParams{Page: 1, PerPage: 10, Status: "all"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "OFFLINE", events[0].Status)
	})

	t.Run("stale handshake without a session stays closed", func(t *testing.T) {
		t.Parallel()
		h := newTestEngine(t)
		stale := h.freshPeer(testKey("hsQ"), 10, 10)
		stale.LatestHandshake = h.clock.Now().Add(-10 * time.Minute)
		h.servePeers(stale)

		h.engine.Tick(ctx)
		assert.Zero(t, h.engine.LiveCount())
	})
}

func TestSession_KickReopens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newTestEngine(t)
	key := testKey("kkA")

	h.servePeers(h.freshPeer(key, 500, 500))
	h.engine.Tick(ctx)
	require.Equal(t, 1, h.engine.LiveCount())

	u, err := h.store.UserByPubkey(ctx, key)
	require.NoError(t, err)

	n := h.engine.CloseUserSessions(ctx, u.ID, session.ReasonKicked)
	assert.Equal(t, 1, n)
	assert.Zero(t, h.engine.LiveCount())

	events, _, err := h.store.EventsHistory(ctx, store.HistoryParams{Page: 1, PerPage: 10, Status: "all"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	firstEvent := events[0].ID
	assert.Equal(t, "OFFLINE", events[0].Status)

	// the peer is still in the kernel table and fresh, so the next tick
	// opens a brand new session
	h.clock.Advance(10 * time.Second)
	h.servePeers(h.freshPeer(key, 700, 700))
	h.engine.Tick(ctx)

	assert.Equal(t, 1, h.engine.LiveCount())
	events, _, err = h.store.EventsHistory(ctx, store.HistoryParams{Page: 1, PerPage: 10, Status: "all"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotEqual(t, firstEvent, events[0].ID)
	assert.Equal(t, "ONLINE", events[0].Status)

	// the kicked event was closed exactly once
	day, err := h.store.TrafficDayRow(ctx, u.ID, h.store.Today())
	require.NoError(t, err)
	require.NotNil(t, day)
	assert.Equal(t, int64(1), day.SessionCount)
}

func TestSession_ClosePeer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newTestEngine(t)
	key := testKey("cpA")

	assert.False(t, h.engine.ClosePeer(ctx, key, session.ReasonKicked))

	h.servePeers(h.freshPeer(key, 100, 100))
	h.engine.Tick(ctx)
	require.Equal(t, 1, h.engine.LiveCount())

	assert.True(t, h.engine.ClosePeer(ctx, key, session.ReasonKicked))
	assert.Zero(t, h.engine.LiveCount())
	assert.False(t, h.engine.ClosePeer(ctx, key, session.ReasonKicked))
}

func TestSession_DisabledAndExpiredUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("disabled user opens no session", func(t *testing.T) {
		t.Parallel()
		h := newTestEngine(t)
		key := testKey("dsA")

		id, err := h.store.CreateBareUser(ctx, key)
		require.NoError(t, err)
		require.NoError(t, h.store.UpdateUser(ctx, id, map[string]any{"enabled": 0}))

		h.servePeers(h.freshPeer(key, 100, 100))
		h.engine.Tick(ctx)

		assert.Zero(t, h.engine.LiveCount())
		u, err := h.store.UserByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, u.Status)

		ids, err := h.store.OpenEventIDs(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("expired user is disabled on sight", func(t *testing.T) {
		t.Parallel()
		h := newTestEngine(t)
		key := testKey("exA")

		id, err := h.store.CreateBareUser(ctx, key)
		require.NoError(t, err)
		require.NoError(t, h.store.UpdateUser(ctx, id, map[string]any{"expiry_date": "2025-03-01 00:00:00"}))

		h.servePeers(h.freshPeer(key, 100, 100))
		h.engine.Tick(ctx)

		assert.Zero(t, h.engine.LiveCount())
		u, err := h.store.UserByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, u.Enabled)
	})

	t.Run("future expiry still connects", func(t *testing.T) {
		t.Parallel()
		h := newTestEngine(t)
		key := testKey("exB")

		id, err := h.store.CreateBareUser(ctx, key)
		require.NoError(t, err)
		require.NoError(t, h.store.UpdateUser(ctx, id, map[string]any{"expiry_date": "2026-01-01 00:00:00"}))

		h.servePeers(h.freshPeer(key, 100, 100))
		h.engine.Tick(ctx)

		assert.Equal(t, 1, h.engine.LiveCount())
	})
}

func TestSession_InvalidPubkeyIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newTestEngine(t)
	h.servePeers(wg.Peer{
		PublicKey:       "not-a-valid-key",
		LatestHandshake: h.clock.Now().Add(-5 * time.Second),
		RxBytes:         10,
		TxBytes:         10,
	})
	h.engine.Tick(ctx)

	assert.Zero(t, h.engine.LiveCount())
	users, err := h.store.Users(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestSession_DumpFailureClosesSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newTestEngine(t)
	key := testKey("dfA")

	h.servePeers(h.freshPeer(key, 100, 100))
	h.engine.Tick(ctx)
	require.Equal(t, 1, h.engine.LiveCount())

	// an unreadable peer table reads as empty; the live session closes as
	// disappeared and the loop keeps going
	h.clock.Advance(10 * time.Second)
	h.peers.set(func(ctx context.Context) (map[string]wg.Peer, error) {
		return nil, errors.New("wg: no such device")
	})
	h.engine.Tick(ctx)

	assert.Zero(t, h.engine.LiveCount())
	events, _, err := h.store.EventsHistory(ctx, store.HistoryParams{Page: 1, PerPage: 10, Status: "all"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "OFFLINE", events[0].Status)
}

func TestSession_Heartbeat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newTestEngine(t)
	key := testKey("hbA")

	// the first tick always pushes a snapshot
	h.servePeers(h.freshPeer(key, 100, 100))
	h.engine.Tick(ctx)
	assert.Equal(t, 1, h.stats.callCount())

	// within the stats interval no further snapshots happen
	h.clock.Advance(10 * time.Second)
	h.engine.Tick(ctx)
	assert.Equal(t, 1, h.stats.callCount())

	// past the interval the next tick pushes again, with the live count
	h.clock.Advance(5 * time.Minute)
	h.servePeers(h.freshPeer(key, 200, 200))
	h.engine.Tick(ctx)
	assert.Equal(t, 2, h.stats.callCount())

	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	assert.Equal(t, []int{1, 1}, h.stats.calls)
}

func TestSession_RunLoop(t *testing.T) {
	t.Parallel()

	h := newTestEngine(t)
	key := testKey("rlA")
	h.servePeers(h.freshPeer(key, 100, 100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := h.engine.Start(ctx)

	// the first tick runs immediately
	require.Eventually(t, func() bool {
		return h.engine.LiveCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	_, ok := <-errCh
	assert.False(t, ok, "run loop exits cleanly on context cancel")
}
