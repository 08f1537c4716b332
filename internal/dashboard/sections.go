package dashboard

import (
	"context"

	"github.com/givebridge/sharecore/internal/aggregate"
	"github.com/givebridge/sharecore/internal/model"
	"github.com/shopspring/decimal"
)

// Section names, also the keys of Snapshot.Sections.
const (
	SectionOverview             = "overview"
	SectionRoleStats            = "roleStats"
	SectionMonthlyRegistrations = "monthlyRegistrations"
	SectionDonationStats        = "donationStats"
	SectionUserGrowth           = "userGrowth"
	SectionCampaignPerformance  = "campaignPerformance"
	SectionDonationTrends       = "donationTrends"
	SectionActivityBreakdown    = "activityBreakdown"
)

// sectionFunc computes one section's data.
type sectionFunc func(ctx context.Context, r Runner, gran aggregate.Granularity) (interface{}, error)

type section struct {
	name string
	run  sectionFunc
}

// sections is the fixed dashboard layout.
var sections = []section{
	{SectionOverview, overview},
	{SectionRoleStats, roleStats},
	{SectionMonthlyRegistrations, monthlyRegistrations},
	{SectionDonationStats, donationStats},
	{SectionUserGrowth, userGrowth},
	{SectionCampaignPerformance, campaignPerformance},
	{SectionDonationTrends, donationTrends},
	{SectionActivityBreakdown, activityBreakdown},
}

func count(name string) aggregate.Metric {
	return aggregate.Metric{Name: name, Op: aggregate.OpCount}
}

func countIf(name, field string, want interface{}) aggregate.Metric {
	return aggregate.Metric{Name: name, Op: aggregate.OpCountIf, Where: map[string]interface{}{field: want}}
}

func sum(name, field string) aggregate.Metric {
	return aggregate.Metric{Name: name, Op: aggregate.OpSum, Field: field}
}

// single runs an ungrouped rollup and returns its only group, or an empty
// group when the collection has no records.
func single(ctx context.Context, r Runner, c model.Collection, ms ...aggregate.Metric) (aggregate.Group, error) {
	res, err := r.Run(ctx, aggregate.Request{
		Collection: c,
		GroupBy:    aggregate.GroupBy{Kind: aggregate.GroupNone},
		Metrics:    ms,
	})
	if err != nil {
		return aggregate.Group{}, err
	}
	if len(res.Groups) == 0 {
		return aggregate.Group{Metrics: map[string]interface{}{}}, nil
	}
	return res.Groups[0], nil
}

// Overview are the platform totals.
type Overview struct {
	TotalUsers       int64           `json:"totalUsers"`
	TotalNGOs        int64           `json:"totalNGOs"`
	TotalCompanies   int64           `json:"totalCompanies"`
	TotalCampaigns   int64           `json:"totalCampaigns"`
	TotalDonations   int64           `json:"totalDonations"`
	PendingApprovals int64           `json:"pendingApprovals"`
	ActiveCampaigns  int64           `json:"activeCampaigns"`
	TotalRaised      decimal.Decimal `json:"totalRaised"`
}

func overview(ctx context.Context, r Runner, _ aggregate.Granularity) (interface{}, error) {
	users, err := single(ctx, r, model.CollectionUsers, count("total"), countIf("pending", "approvalStatus", "pending"))
	if err != nil {
		return nil, err
	}
	ngos, err := single(ctx, r, model.CollectionNGOs, count("total"))
	if err != nil {
		return nil, err
	}
	companies, err := single(ctx, r, model.CollectionCompanies, count("total"))
	if err != nil {
		return nil, err
	}
	campaigns, err := single(ctx, r, model.CollectionCampaigns,
		count("total"), countIf("active", "isActive", true), sum("raised", "raisedAmount"))
	if err != nil {
		return nil, err
	}
	donations, err := single(ctx, r, model.CollectionDonations, count("total"))
	if err != nil {
		return nil, err
	}

	return Overview{
		TotalUsers:       users.Int("total"),
		TotalNGOs:        ngos.Int("total"),
		TotalCompanies:   companies.Int("total"),
		TotalCampaigns:   campaigns.Int("total"),
		TotalDonations:   donations.Int("total"),
		PendingApprovals: users.Int("pending"),
		ActiveCampaigns:  campaigns.Int("active"),
		TotalRaised:      campaigns.Decimal("raised"),
	}, nil
}

// Bucket is one row of a categorical breakdown.
type Bucket struct {
	Key   interface{} `json:"key"`
	Count int64       `json:"count"`
}

func breakdown(ctx context.Context, r Runner, c model.Collection, field string) ([]Bucket, error) {
	res, err := r.Run(ctx, aggregate.Request{
		Collection: c,
		GroupBy:    aggregate.GroupBy{Kind: aggregate.GroupField, Field: field},
		Metrics:    []aggregate.Metric{count("count")},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Bucket, 0, len(res.Groups))
	for _, g := range res.Groups {
		out = append(out, Bucket{Key: g.Key[field], Count: g.Int("count")})
	}
	return out, nil
}

func roleStats(ctx context.Context, r Runner, _ aggregate.Granularity) (interface{}, error) {
	return breakdown(ctx, r, model.CollectionUsers, "role")
}

func activityBreakdown(ctx context.Context, r Runner, _ aggregate.Granularity) (interface{}, error) {
	return breakdown(ctx, r, model.CollectionActivities, "action")
}

// Period is one time bucket of a trend.
type Period struct {
	Label  string           `json:"label"`
	Year   int              `json:"year"`
	Month  int              `json:"month,omitempty"`
	Day    int              `json:"day,omitempty"`
	Count  int64            `json:"count"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

func periods(res *aggregate.Result, amount string) []Period {
	out := make([]Period, 0, len(res.Groups))
	for _, g := range res.Groups {
		p := Period{Label: g.Label, Count: g.Int("count")}
		p.Year, _ = g.Key["year"].(int)
		p.Month, _ = g.Key["month"].(int)
		p.Day, _ = g.Key["day"].(int)
		if amount != "" {
			d := g.Decimal(amount)
			p.Amount = &d
		}
		out = append(out, p)
	}
	return out
}

func monthlyRegistrations(ctx context.Context, r Runner, _ aggregate.Granularity) (interface{}, error) {
	res, err := r.Run(ctx, aggregate.Request{
		Collection: model.CollectionUsers,
		GroupBy:    aggregate.GroupBy{Kind: aggregate.GroupTime, Field: "createdAt", Granularity: aggregate.Month},
		Metrics:    []aggregate.Metric{count("count")},
		Order:      aggregate.Desc,
		Limit:      12,
	})
	if err != nil {
		return nil, err
	}
	return periods(res, ""), nil
}

func userGrowth(ctx context.Context, r Runner, gran aggregate.Granularity) (interface{}, error) {
	res, err := r.Run(ctx, aggregate.Request{
		Collection: model.CollectionUsers,
		GroupBy:    aggregate.GroupBy{Kind: aggregate.GroupTime, Field: "createdAt", Granularity: gran},
		Metrics:    []aggregate.Metric{count("count")},
		Order:      aggregate.Asc,
	})
	if err != nil {
		return nil, err
	}
	return periods(res, ""), nil
}

func donationTrends(ctx context.Context, r Runner, _ aggregate.Granularity) (interface{}, error) {
	res, err := r.Run(ctx, aggregate.Request{
		Collection: model.CollectionDonations,
		GroupBy:    aggregate.GroupBy{Kind: aggregate.GroupTime, Field: "createdAt", Granularity: aggregate.Month},
		Metrics:    []aggregate.Metric{sum("amount", "amount"), count("count")},
		Order:      aggregate.Asc,
	})
	if err != nil {
		return nil, err
	}
	return periods(res, "amount"), nil
}

// DonationStats summarizes every donation.
type DonationStats struct {
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	AverageAmount decimal.Decimal `json:"averageAmount"`
	Count         int64           `json:"count"`
}

func donationStats(ctx context.Context, r Runner, _ aggregate.Granularity) (interface{}, error) {
	g, err := single(ctx, r, model.CollectionDonations,
		sum("totalAmount", "amount"),
		aggregate.Metric{Name: "averageAmount", Op: aggregate.OpAvg, Field: "amount"},
		count("count"))
	if err != nil {
		return nil, err
	}
	return DonationStats{
		TotalAmount:   g.Decimal("totalAmount"),
		AverageAmount: g.Decimal("averageAmount"),
		Count:         g.Int("count"),
	}, nil
}

// CampaignPerformance is one campaign with its donation totals.
type CampaignPerformance struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	TargetAmount  decimal.Decimal `json:"targetAmount"`
	RaisedAmount  decimal.Decimal `json:"raisedAmount"`
	DonationCount int64           `json:"donationCount"`
}

func campaignPerformance(ctx context.Context, r Runner, _ aggregate.Granularity) (interface{}, error) {
	res, err := r.Run(ctx, aggregate.Request{
		Collection: model.CollectionCampaigns,
		GroupBy:    aggregate.GroupBy{Kind: aggregate.GroupField, Field: "id"},
		Metrics:    []aggregate.Metric{count("campaigns")},
		Join: &aggregate.Join{
			Collection:   model.CollectionDonations,
			ForeignField: "campaignId",
			Metrics:      []aggregate.Metric{sum("raisedAmount", "amount"), count("donationCount")},
		},
		Keep:   []string{"title", "targetAmount"},
		SortBy: "raisedAmount",
		Order:  aggregate.Desc,
	})
	if err != nil {
		return nil, err
	}
	out := make([]CampaignPerformance, 0, len(res.Groups))
	for _, g := range res.Groups {
		fields := model.Document(g.Fields)
		target, _ := fields.Decimal("targetAmount")
		out = append(out, CampaignPerformance{
			ID:            g.Label,
			Title:         fields.String("title"),
			TargetAmount:  target,
			RaisedAmount:  g.Decimal("raisedAmount"),
			DonationCount: g.Int("donationCount"),
		})
	}
	return out, nil
}
