// Package dashboard composes the admin dashboard out of independent rollups.
// Sections run concurrently; a failed section is reported as unavailable
// without taking the rest of the snapshot down.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/givebridge/sharecore/internal/aggregate"
	"github.com/givebridge/sharecore/internal/cache"
	errordefs "github.com/givebridge/sharecore/internal/errors"
	"github.com/givebridge/sharecore/internal/metrics"
	"github.com/givebridge/sharecore/internal/model"
	"github.com/givebridge/sharecore/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Runner executes one rollup. *aggregate.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, req aggregate.Request) (*aggregate.Result, error)
}

// Status of a section.
type Status string

const (
	StatusOK          Status = "ok"
	StatusUnavailable Status = "unavailable"
)

// Section is one named part of a snapshot.
type Section struct {
	Status Status      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Snapshot is a composed dashboard.
type Snapshot struct {
	GeneratedAt time.Time             `json:"generatedAt"`
	Granularity aggregate.Granularity `json:"granularity"`
	Sections    map[string]Section    `json:"sections"`
	Cached      bool                  `json:"cached"`
}

// Unavailable lists the sections that failed, sorted.
func (s *Snapshot) Unavailable() []string {
	var out []string
	for name, sec := range s.Sections {
		if sec.Status != StatusOK {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Config tunes the composer.
type Config struct {
	Strict      bool          // Fail the whole snapshot when any section fails
	Concurrency int           // Max sections in flight; <= 0 means all at once
	CacheTTL    time.Duration // Snapshot cache lifetime; 0 disables caching
}

// Composer builds dashboard snapshots, public stats and reports.
type Composer struct {
	runner  Runner
	cache   cache.Cache
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewComposer creates a composer. c may be nil.
func NewComposer(r Runner, c cache.Cache, cfg Config) *Composer {
	if c == nil {
		c = cache.Nop{}
	}
	return &Composer{
		runner:  r,
		cache:   c,
		cfg:     cfg,
		metrics: metrics.NewMetrics(),
		now:     time.Now,
	}
}

// ParseGranularity maps the query value onto a bucket size; empty means month.
func ParseGranularity(s string) (aggregate.Granularity, error) {
	switch aggregate.Granularity(s) {
	case "":
		return aggregate.Month, nil
	case aggregate.Day, aggregate.Month, aggregate.Year:
		return aggregate.Granularity(s), nil
	default:
		return "", errordefs.New(errordefs.INVALID_INPUT, fmt.Sprintf("unknown granularity %q", s), "")
	}
}

func cacheKey(gran aggregate.Granularity) string {
	return "dashboard:" + string(gran)
}

// Compose builds a snapshot at the given user growth granularity.
// A cancelled ctx fails the whole call; any other section error only marks
// that section unavailable (or fails the call in strict mode).
func (c *Composer) Compose(ctx context.Context, gran aggregate.Granularity) (*Snapshot, error) {
	ctx, span := otel.Tracer("sharecore").Start(ctx, "dashboard.Compose")
	defer span.End()
	span.SetAttributes(attribute.String("granularity", string(gran)))

	if snap := c.cached(ctx, gran); snap != nil {
		return snap, nil
	}

	results := make([]Section, len(sections))
	var g errgroup.Group
	if c.cfg.Concurrency > 0 {
		g.SetLimit(c.cfg.Concurrency)
	}
	for i, sec := range sections {
		g.Go(func() error {
			results[i] = c.runSection(ctx, sec, gran)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, err
	}

	snap := &Snapshot{
		GeneratedAt: c.now().UTC(),
		Granularity: gran,
		Sections:    make(map[string]Section, len(sections)),
	}
	for i, sec := range sections {
		snap.Sections[sec.name] = results[i]
	}

	failed := snap.Unavailable()
	if len(failed) > 0 {
		span.SetAttributes(attribute.StringSlice("unavailable", failed))
		if c.cfg.Strict {
			span.SetStatus(codes.Error, "sections unavailable")
			return nil, errordefs.NewWithDetails(errordefs.UNAVAILABLE, "dashboard sections unavailable", "", failed)
		}
		return snap, nil
	}

	c.store(ctx, gran, snap)
	return snap, nil
}

func (c *Composer) runSection(ctx context.Context, sec section, gran aggregate.Granularity) Section {
	ctx, span := otel.Tracer("sharecore").Start(ctx, "dashboard.section")
	defer span.End()
	span.SetAttributes(attribute.String("section", sec.name))

	data, err := sec.run(ctx, c.runner, gran)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.DashboardSectionTotal.WithLabelValues(sec.name, string(StatusUnavailable)).Inc()
		if ctx.Err() == nil {
			slog.WarnContext(ctx, "dashboard section unavailable", "section", sec.name, "error", err)
		}
		return Section{Status: StatusUnavailable, Error: "aggregation failed"}
	}
	c.metrics.DashboardSectionTotal.WithLabelValues(sec.name, string(StatusOK)).Inc()
	return Section{Status: StatusOK, Data: data}
}

// cached returns a snapshot from the cache, or nil. Cache failures are misses.
func (c *Composer) cached(ctx context.Context, gran aggregate.Granularity) *Snapshot {
	if c.cfg.CacheTTL <= 0 {
		return nil
	}
	b, ok, err := c.cache.Get(ctx, cacheKey(gran))
	if err != nil {
		slog.WarnContext(ctx, "snapshot cache read failed", "error", err)
		c.metrics.SnapshotCacheTotal.WithLabelValues("error").Inc()
		return nil
	}
	if !ok {
		c.metrics.SnapshotCacheTotal.WithLabelValues("miss").Inc()
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		slog.WarnContext(ctx, "snapshot cache entry unreadable", "error", err)
		c.metrics.SnapshotCacheTotal.WithLabelValues("error").Inc()
		return nil
	}
	c.metrics.SnapshotCacheTotal.WithLabelValues("hit").Inc()
	snap.Cached = true
	return &snap
}

func (c *Composer) store(ctx context.Context, gran aggregate.Granularity, snap *Snapshot) {
	if c.cfg.CacheTTL <= 0 {
		return
	}
	b, err := json.Marshal(snap)
	if err != nil {
		slog.WarnContext(ctx, "snapshot encode failed", "error", err)
		return
	}
	if err := c.cache.Set(ctx, cacheKey(gran), b, c.cfg.CacheTTL); err != nil {
		slog.WarnContext(ctx, "snapshot cache write failed", "error", err)
	}
}

// PublicStats are the anonymous platform counters.
type PublicStats struct {
	TotalNGOs      int64 `json:"totalNGOs"`
	TotalCompanies int64 `json:"totalCompanies"`
	TotalCampaigns int64 `json:"totalCampaigns"`
}

// PublicStats counts active NGOs, companies and campaigns.
func (c *Composer) PublicStats(ctx context.Context) (*PublicStats, error) {
	var stats PublicStats
	targets := []struct {
		coll model.Collection
		dst  *int64
	}{
		{model.CollectionNGOs, &stats.TotalNGOs},
		{model.CollectionCompanies, &stats.TotalCompanies},
		{model.CollectionCampaigns, &stats.TotalCampaigns},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			grp, err := single(gctx, c.runner, t.coll, countIf("active", "isActive", true))
			if err != nil {
				return err
			}
			*t.dst = grp.Int("active")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errordefs.Wrap(errordefs.UNAVAILABLE, "stats unavailable", err)
	}
	return &stats, nil
}

// Report kinds.
const (
	ReportNGOs       = "ngos"
	ReportCompanies  = "companies"
	ReportCampaigns  = "campaigns"
	ReportDonations  = "donations"
	ReportActivities = "activities"
)

// Reports runs one admin report.
func (c *Composer) Reports(ctx context.Context, kind string) (interface{}, error) {
	ctx, span := otel.Tracer("sharecore").Start(ctx, "dashboard.Reports")
	defer span.End()
	span.SetAttributes(attribute.String("kind", kind))

	var (
		data interface{}
		err  error
	)
	switch kind {
	case ReportNGOs:
		data, err = activeReport(ctx, c.runner, model.CollectionNGOs, "NGOs")
	case ReportCompanies:
		data, err = activeReport(ctx, c.runner, model.CollectionCompanies, "Companies")
	case ReportCampaigns:
		var g aggregate.Group
		g, err = single(ctx, c.runner, model.CollectionCampaigns,
			count("total"), countIf("active", "isActive", true),
			sum("target", "targetAmount"), sum("raised", "raisedAmount"))
		if err == nil {
			data = map[string]interface{}{
				"totalCampaigns":    g.Int("total"),
				"activeCampaigns":   g.Int("active"),
				"totalTargetAmount": g.Decimal("target"),
				"totalRaisedAmount": g.Decimal("raised"),
			}
		}
	case ReportDonations:
		var g aggregate.Group
		g, err = single(ctx, c.runner, model.CollectionDonations, count("total"), sum("amount", "amount"))
		if err == nil {
			data = map[string]interface{}{
				"totalDonations": g.Int("total"),
				"totalAmount":    g.Decimal("amount"),
			}
		}
	case ReportActivities:
		data, err = breakdown(ctx, c.runner, model.CollectionActivities, "action")
	default:
		return nil, errordefs.New(errordefs.COLLECTION_NOT_CONFIGURED, fmt.Sprintf("unknown report %q", kind), "")
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	return data, nil
}

func activeReport(ctx context.Context, r Runner, coll model.Collection, noun string) (map[string]interface{}, error) {
	g, err := single(ctx, r, coll, count("total"), countIf("active", "isActive", true), countIf("inactive", "isActive", false))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"total" + noun:    g.Int("total"),
		"active" + noun:   g.Int("active"),
		"inactive" + noun: g.Int("inactive"),
	}, nil
}

// Rollup runs an ad-hoc aggregation request.
func (c *Composer) Rollup(ctx context.Context, req aggregate.Request) (*aggregate.Result, error) {
	res, err := c.runner.Run(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	return res, nil
}

// classify maps engine errors onto the error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, storage.ErrUnknownCollection):
		return errordefs.Wrap(errordefs.COLLECTION_NOT_CONFIGURED, err.Error(), err)
	case errors.Is(err, aggregate.ErrInvalidRequest):
		return errordefs.Wrap(errordefs.INVALID_INPUT, err.Error(), err)
	default:
		return errordefs.Wrap(errordefs.UNAVAILABLE, "aggregation unavailable", err)
	}
}
