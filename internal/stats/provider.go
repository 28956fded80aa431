// Package stats assembles aggregate views (dashboard, traffic chart) and
// writes the periodic system_stats snapshot.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/wgmond/wgmond/internal/store"
)

const (
	defaultDashboardCacheTTL = 15 * time.Second
	defaultChartCacheTTL     = time.Minute
	defaultQueryPoolSize     = 4
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  *store.Store

	DashboardCacheTTL time.Duration
	ChartCacheTTL     time.Duration
	QueryPoolSize     int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.DashboardCacheTTL == 0 {
		c.DashboardCacheTTL = defaultDashboardCacheTTL
	}
	if c.ChartCacheTTL == 0 {
		c.ChartCacheTTL = defaultChartCacheTTL
	}
	if c.QueryPoolSize == 0 {
		c.QueryPoolSize = defaultQueryPoolSize
	}
	return nil
}

// Dashboard carries the raw aggregates behind the dashboard endpoint.
// Live session counts come from the engine, not the database, so the
// caller supplies those itself.
type Dashboard struct {
	TotalUsers    int64
	EnabledUsers  int64
	OnlineUsers   int64
	TotalRx       int64
	TotalTx       int64
	TodayRx       int64
	TodayTx       int64
	TodaySessions int64
	UptimeStart   *string
}

// dashboardPart is one parallel query's contribution to the dashboard.
type dashboardPart struct {
	basic *store.DashboardBasic
	today *store.DashboardToday
	first *string
}

type Provider struct {
	log *slog.Logger
	cfg *Config

	cache   *ttlcache.Cache[string, any]
	cacheMu sync.RWMutex

	queryPool pond.ResultPool[dashboardPart]
}

func New(cfg *Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, any](cfg.DashboardCacheTTL),
		// Reads must not extend an entry's life or a hot dashboard would
		// never refresh.
		ttlcache.WithDisableTouchOnHit[string, any](),
	)
	return &Provider{
		log:       cfg.Logger,
		cfg:       cfg,
		cache:     cache,
		queryPool: pond.NewResultPool[dashboardPart](cfg.QueryPoolSize),
	}, nil
}

const dashboardCacheKey = "dashboard"

// Dashboard returns the database aggregates for the dashboard, served
// from a short-lived cache so repeated polling stays cheap.
func (p *Provider) Dashboard(ctx context.Context) (*Dashboard, error) {
	if cached, ok := p.cachedDashboard(); ok {
		return cached, nil
	}

	group := p.queryPool.NewGroupContext(ctx)
	group.SubmitErr(func() (dashboardPart, error) {
		basic, err := p.cfg.Store.DashboardBasic(ctx)
		return dashboardPart{basic: basic}, err
	})
	group.SubmitErr(func() (dashboardPart, error) {
		today, err := p.cfg.Store.DashboardToday(ctx, p.cfg.Store.Today())
		return dashboardPart{today: today}, err
	})
	group.SubmitErr(func() (dashboardPart, error) {
		first, err := p.cfg.Store.FirstEventStart(ctx)
		return dashboardPart{first: first}, err
	})

	parts, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to assemble dashboard: %w", err)
	}

	d := &Dashboard{}
	for _, part := range parts {
		switch {
		case part.basic != nil:
			d.TotalUsers = part.basic.TotalUsers
			d.OnlineUsers = part.basic.OnlineUsers
			d.EnabledUsers = part.basic.EnabledUsers
			d.TotalRx = part.basic.TotalRx
			d.TotalTx = part.basic.TotalTx
		case part.today != nil:
			d.TodayRx = part.today.TodayRx
			d.TodayTx = part.today.TodayTx
			d.TodaySessions = part.today.TodaySessions
		case part.first != nil:
			d.UptimeStart = part.first
		}
	}

	p.setCachedDashboard(d)
	return d, nil
}

// Chart returns per-day traffic totals for the trailing N days.
func (p *Provider) Chart(ctx context.Context, days int) ([]store.ChartRow, error) {
	key := chartCacheKey(days)
	if cached, ok := p.cachedChart(key); ok {
		return cached, nil
	}

	since := p.cfg.Clock.Now().AddDate(0, 0, -days).Format(time.DateOnly)
	rows, err := p.cfg.Store.ChartRows(ctx, since)
	if err != nil {
		return nil, err
	}

	p.setCachedChart(key, rows)
	return rows, nil
}

// UpdateSystemStats writes today's system_stats snapshot. liveSessions
// feeds the peak_concurrent ratchet.
func (p *Provider) UpdateSystemStats(ctx context.Context, liveSessions int) error {
	agg, err := p.cfg.Store.SystemAggregates(ctx)
	if err != nil {
		return err
	}
	today := p.cfg.Store.Today()
	avg, err := p.cfg.Store.AvgSessionDurationToday(ctx, today)
	if err != nil {
		return err
	}
	return p.cfg.Store.UpsertSystemStats(ctx, store.SystemDay{
		Date:               today,
		TotalUsers:         agg.TotalUsers,
		ActiveUsers:        agg.ActiveUsers,
		TotalRx:            agg.TotalRx,
		TotalTx:            agg.TotalTx,
		PeakConcurrent:     int64(liveSessions),
		AvgSessionDuration: avg,
	})
}

func (p *Provider) cachedDashboard() (*Dashboard, bool) {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()
	cached := p.cache.Get(dashboardCacheKey)
	if cached == nil {
		return nil, false
	}
	return cached.Value().(*Dashboard), true
}

func (p *Provider) setCachedDashboard(d *Dashboard) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache.Set(dashboardCacheKey, d, p.cfg.DashboardCacheTTL)
}

func (p *Provider) cachedChart(key string) ([]store.ChartRow, bool) {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()
	cached := p.cache.Get(key)
	if cached == nil {
		return nil, false
	}
	return cached.Value().([]store.ChartRow), true
}

func (p *Provider) setCachedChart(key string, rows []store.ChartRow) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache.Set(key, rows, p.cfg.ChartCacheTTL)
}

func chartCacheKey(days int) string {
	return fmt.Sprintf("chart:%d", days)
}
