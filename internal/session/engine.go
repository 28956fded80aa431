// Package session turns periodic kernel peer table samples into open,
// update and close transitions on persisted session events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wgmond/wgmond/internal/bytefmt"
	"github.com/wgmond/wgmond/internal/metrics"
	"github.com/wgmond/wgmond/internal/store"
	"github.com/wgmond/wgmond/internal/wg"
)

const (
	DefaultInterval        = 10 * time.Second
	DefaultMaxHandshakeAge = 180 * time.Second
	DefaultStatsInterval   = 5 * time.Minute
)

// Reason labels why a session was closed.
type Reason string

const (
	ReasonHandshakeTimeout Reason = "handshake_timeout"
	ReasonDisappeared      Reason = "disappeared"
	ReasonKicked           Reason = "kicked"
	ReasonUserDeleted      Reason = "user_deleted"
)

// PeerSource yields the current kernel peer table.
type PeerSource interface {
	DumpPeers(ctx context.Context) (map[string]wg.Peer, error)
}

// SystemStatsUpdater receives the coarse heartbeat with the number of
// currently live sessions.
type SystemStatsUpdater interface {
	UpdateSystemStats(ctx context.Context, liveSessions int) error
}

type Config struct {
	Clock clockwork.Clock
	Store *store.Store
	Peers PeerSource
	Stats SystemStatsUpdater

	Interval        time.Duration
	MaxHandshakeAge time.Duration
	StatsInterval   time.Duration
}

func (c *Config) Validate() error {
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Peers == nil {
		return errors.New("peer source is required")
	}
	if c.Stats == nil {
		return errors.New("stats updater is required")
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxHandshakeAge == 0 {
		c.MaxHandshakeAge = DefaultMaxHandshakeAge
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	return nil
}

// liveSession is the in-memory state of one open session. StartRx and
// StartTx are the kernel counter values seen when the session opened;
// published session counters are deltas against them.
type liveSession struct {
	eventID       int64
	userID        int64
	nickname      string
	startRx       int64
	startTx       int64
	lastHandshake time.Time
}

type Engine struct {
	log *slog.Logger
	cfg *Config

	mu   sync.RWMutex
	live map[string]*liveSession

	// lastStatsUpdate is only touched from the tick goroutine.
	lastStatsUpdate time.Time
}

func New(log *slog.Logger, cfg *Config) (*Engine, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:  log,
		cfg:  cfg,
		live: make(map[string]*liveSession),
	}, nil
}

func (e *Engine) Start(ctx context.Context) <-chan error {
	errCh := make(chan error)
	go func() {
		err := e.Run(ctx)
		if err != nil {
			select {
			case errCh <- err:
			default:
				e.log.Error("session: error channel is full, skipping error", "error", err)
			}
		}
		close(errCh)
	}()
	return errCh
}

func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("session: starting",
		"interval", e.cfg.Interval,
		"maxHandshakeAge", e.cfg.MaxHandshakeAge,
		"statsInterval", e.cfg.StatsInterval,
	)

	ticker := e.cfg.Clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("session: context done, stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			e.Tick(ctx)
		}
	}
}

// Tick samples the peer table once and reconciles the live map against
// it. Errors are logged and counted but never abort the loop.
func (e *Engine) Tick(ctx context.Context) {
	startedAt := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(startedAt).Seconds())
	}()

	result := "ok"
	peers, err := e.cfg.Peers.DumpPeers(ctx)
	if err != nil {
		// An unreadable peer table counts as an empty one: any live
		// session will be closed as disappeared below.
		e.log.Debug("session: failed to dump peers, treating as empty", "error", err)
		result = "dump_err"
		peers = nil
	}
	metrics.PeersVisible.Set(float64(len(peers)))

	e.reconcile(ctx, peers, e.cfg.Clock.Now())
	e.heartbeat(ctx)
	metrics.TickTotal.WithLabelValues(result).Inc()
}

// reconcile applies one peer table snapshot under the engine lock.
func (e *Engine) reconcile(ctx context.Context, peers map[string]wg.Peer, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for pubkey, peer := range peers {
		if e.fresh(peer, now) {
			e.handleOnline(ctx, pubkey, peer, now)
		} else if _, ok := e.live[pubkey]; ok {
			e.closeLocked(ctx, pubkey, ReasonHandshakeTimeout)
		}
	}

	for pubkey := range e.live {
		if _, ok := peers[pubkey]; !ok {
			e.closeLocked(ctx, pubkey, ReasonDisappeared)
		}
	}

	metrics.SessionsLive.Set(float64(len(e.live)))
}

// heartbeat pushes system statistics at a coarser cadence than the tick.
func (e *Engine) heartbeat(ctx context.Context) {
	now := e.cfg.Clock.Now()
	if now.Sub(e.lastStatsUpdate) < e.cfg.StatsInterval {
		return
	}
	if err := e.cfg.Stats.UpdateSystemStats(ctx, e.LiveCount()); err != nil {
		e.log.Error("session: failed to update system stats", "error", err)
		return
	}
	e.lastStatsUpdate = now
}

// fresh reports whether a peer's latest handshake is recent enough to
// count as online.
func (e *Engine) fresh(p wg.Peer, now time.Time) bool {
	if p.LatestHandshake.IsZero() {
		return false
	}
	return now.Sub(p.LatestHandshake) <= e.cfg.MaxHandshakeAge
}

func (e *Engine) handleOnline(ctx context.Context, pubkey string, peer wg.Peer, now time.Time) {
	if sess, ok := e.live[pubkey]; ok {
		rx := peer.RxBytes - sess.startRx
		tx := peer.TxBytes - sess.startTx
		if rx < 0 || tx < 0 {
			// Kernel counters reset (interface restart). Rebaseline and
			// report zero rather than a negative delta.
			e.log.Warn("session: traffic counter reset detected, rebaselining",
				"user", sess.nickname, "eventID", sess.eventID)
			sess.startRx = peer.RxBytes
			sess.startTx = peer.TxBytes
			rx, tx = 0, 0
		}
		if err := e.cfg.Store.UpdateEventTraffic(ctx, sess.eventID, rx, tx); err != nil {
			e.log.Error("session: failed to update session traffic",
				"user", sess.nickname, "eventID", sess.eventID, "error", err)
			return
		}
		sess.lastHandshake = peer.LatestHandshake
		e.log.Debug("session: updated",
			"user", sess.nickname, "rx", bytefmt.Bytes(rx), "tx", bytefmt.Bytes(tx))
		return
	}

	userID, nickname, enabled, err := e.resolveUser(ctx, pubkey, now)
	if err != nil {
		e.log.Debug("session: skipping peer", "pubkey", wg.ShortKey(pubkey), "error", err)
		return
	}
	if !enabled {
		// Disabled peers stay visible in the kernel until an admin removes
		// them; make sure they never show as online.
		if err := e.cfg.Store.SetUserStatus(ctx, userID, 0); err != nil {
			e.log.Error("session: failed to clear status of disabled user",
				"userID", userID, "error", err)
		}
		return
	}

	endpoint := &peer.Endpoint
	if peer.Endpoint == "" {
		endpoint = nil
	}
	eventID, err := e.cfg.Store.CreateEvent(ctx, userID, endpoint)
	if err != nil {
		e.log.Error("session: failed to create event", "user", nickname, "error", err)
		return
	}
	e.live[pubkey] = &liveSession{
		eventID:       eventID,
		userID:        userID,
		nickname:      nickname,
		startRx:       peer.RxBytes,
		startTx:       peer.TxBytes,
		lastHandshake: peer.LatestHandshake,
	}
	if err := e.cfg.Store.SetUserStatus(ctx, userID, 1); err != nil {
		e.log.Error("session: failed to mark user online", "user", nickname, "error", err)
	}
	metrics.SessionsOpenedTotal.Inc()
	e.log.Info("session: opened",
		"user", nickname, "eventID", eventID, "endpoint", peer.Endpoint)
}

// resolveUser maps a pubkey to a user row, auto-registering unknown but
// well-formed keys, and enforces the expiry date.
func (e *Engine) resolveUser(ctx context.Context, pubkey string, now time.Time) (int64, string, bool, error) {
	u, err := e.cfg.Store.UserByPubkey(ctx, pubkey)
	if err != nil {
		return 0, "", false, err
	}
	if u != nil {
		nickname := fmt.Sprintf("User_%d", u.ID)
		if u.Nickname != nil && *u.Nickname != "" {
			nickname = *u.Nickname
		}
		if u.ExpiryDate != nil && *u.ExpiryDate != "" {
			expiry, perr := time.ParseInLocation(time.DateTime, *u.ExpiryDate, time.Local)
			if perr == nil && now.After(expiry) {
				e.log.Info("session: user expired, disabling",
					"user", nickname, "userID", u.ID, "expiry", *u.ExpiryDate)
				if derr := e.cfg.Store.DisableUser(ctx, u.ID); derr != nil {
					return 0, "", false, derr
				}
				return u.ID, nickname, false, nil
			}
		}
		return u.ID, nickname, u.Enabled == 1, nil
	}

	if !wg.ValidKey(pubkey) {
		return 0, "", false, fmt.Errorf("invalid public key %q", wg.ShortKey(pubkey))
	}
	id, err := e.cfg.Store.CreateBareUser(ctx, pubkey)
	if err != nil {
		return 0, "", false, err
	}
	e.log.Info("session: registered new peer", "userID", id, "pubkey", wg.ShortKey(pubkey))
	return id, fmt.Sprintf("User_%d", id), true, nil
}

// closeLocked closes one live session. Callers must hold e.mu. The map
// entry is the close guard: it is removed exactly once, and a failed
// store write keeps it in place for the next tick to retry.
func (e *Engine) closeLocked(ctx context.Context, pubkey string, reason Reason) {
	sess, ok := e.live[pubkey]
	if !ok {
		return
	}
	closed, err := e.cfg.Store.CloseSession(ctx, sess.eventID)
	if err != nil && !errors.Is(err, store.ErrEventClosed) {
		e.log.Error("session: failed to close session",
			"user", sess.nickname, "eventID", sess.eventID, "error", err)
		return
	}
	delete(e.live, pubkey)
	if err := e.cfg.Store.SetUserStatus(ctx, sess.userID, 0); err != nil {
		e.log.Error("session: failed to mark user offline",
			"user", sess.nickname, "error", err)
	}
	metrics.SessionsClosedTotal.WithLabelValues(string(reason)).Inc()
	if closed != nil {
		e.log.Info("session: closed",
			"user", sess.nickname,
			"eventID", sess.eventID,
			"reason", string(reason),
			"rx", bytefmt.Bytes(closed.SessionRx),
			"tx", bytefmt.Bytes(closed.SessionTx),
			"duration", time.Duration(closed.DurationSeconds)*time.Second,
		)
	}
}

// ClosePeer closes the live session of a single pubkey, if one exists.
func (e *Engine) ClosePeer(ctx context.Context, pubkey string, reason Reason) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.live[pubkey]; !ok {
		return false
	}
	e.closeLocked(ctx, pubkey, reason)
	metrics.SessionsLive.Set(float64(len(e.live)))
	return true
}

// CloseUserSessions closes every live session belonging to a user and
// returns how many it found.
func (e *Engine) CloseUserSessions(ctx context.Context, userID int64, reason Reason) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for pubkey, sess := range e.live {
		if sess.userID == userID {
			e.closeLocked(ctx, pubkey, reason)
			n++
		}
	}
	metrics.SessionsLive.Set(float64(len(e.live)))
	return n
}

// LiveCount returns the number of currently tracked sessions.
func (e *Engine) LiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.live)
}
