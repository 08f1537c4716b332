package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/givebridge/sharecore/internal/model"
	"github.com/givebridge/sharecore/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func donationsStore(t *testing.T) *storage.Memory {
	t.Helper()
	m := storage.NewMemory()
	require.NoError(t, m.Seed(model.CollectionDonations,
		model.Document{"id": "d1", "campaignId": "c1", "donorId": "u1", "amount": 100, "createdAt": at(2024, 1, 5)},
		model.Document{"id": "d2", "campaignId": "c1", "donorId": "u2", "amount": 50, "createdAt": at(2024, 1, 20)},
		model.Document{"id": "d3", "campaignId": "c2", "donorId": "u1", "amount": 30, "createdAt": at(2024, 2, 3)},
	))
	return m
}

func monthlyDonations() Request {
	return Request{
		Collection: model.CollectionDonations,
		GroupBy:    GroupBy{Kind: GroupTime, Field: "createdAt", Granularity: Month},
		Metrics: []Metric{
			{Name: "sum", Op: OpSum, Field: "amount"},
			{Name: "count", Op: OpCount},
		},
	}
}

func TestRunMonthlyRollupDescending(t *testing.T) {
	res, err := NewEngine(donationsStore(t)).Run(context.Background(), monthlyDonations())
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)

	assert.Equal(t, "2024-02", res.Groups[0].Label)
	assert.True(t, res.Groups[0].Decimal("sum").Equal(decimal.NewFromInt(30)))
	assert.Equal(t, int64(1), res.Groups[0].Int("count"))

	assert.Equal(t, "2024-01", res.Groups[1].Label)
	assert.True(t, res.Groups[1].Decimal("sum").Equal(decimal.NewFromInt(150)))
	assert.Equal(t, int64(2), res.Groups[1].Int("count"))

	assert.Equal(t, map[string]interface{}{"year": 2024, "month": 1}, res.Groups[1].Key)
}

func TestRunAscendingOnRequest(t *testing.T) {
	req := monthlyDonations()
	req.Order = Asc
	res, err := NewEngine(donationsStore(t)).Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, "2024-01", res.Groups[0].Label)
	assert.Equal(t, "2024-02", res.Groups[1].Label)
}

func TestRunEmptyCollection(t *testing.T) {
	res, err := NewEngine(storage.NewMemory()).Run(context.Background(), monthlyDonations())
	require.NoError(t, err)
	assert.NotNil(t, res.Groups)
	assert.Empty(t, res.Groups)
}

func TestRunCountsSumToMatched(t *testing.T) {
	m := storage.NewMemory()
	require.NoError(t, m.Seed(model.CollectionUsers,
		model.Document{"id": "u1", "role": "admin"},
		model.Document{"id": "u2", "role": "ngo"},
		model.Document{"id": "u3", "role": "ngo"},
		model.Document{"id": "u4", "role": "company"},
		model.Document{"id": "u5"},
	))

	res, err := NewEngine(m).Run(context.Background(), Request{
		Collection: model.CollectionUsers,
		GroupBy:    GroupBy{Kind: GroupField, Field: "role"},
		Metrics:    []Metric{{Name: "count", Op: OpCount}},
	})
	require.NoError(t, err)

	var total int64
	for _, g := range res.Groups {
		total += g.Int("count")
	}
	assert.Equal(t, int64(5), total)
	assert.Equal(t, res.Matched, total)

	// Categorical keys ascend, the missing-role group first.
	require.Len(t, res.Groups, 4)
	assert.Nil(t, res.Groups[0].Key["role"])
	assert.Equal(t, "admin", res.Groups[1].Label)
	assert.Equal(t, "company", res.Groups[2].Label)
	assert.Equal(t, "ngo", res.Groups[3].Label)
}

func TestRunWhereAndMetricFilters(t *testing.T) {
	m := storage.NewMemory()
	require.NoError(t, m.Seed(model.CollectionCampaigns,
		model.Document{"id": "c1", "category": "water", "isActive": true, "targetAmount": 1000},
		model.Document{"id": "c2", "category": "water", "isActive": false, "targetAmount": 500},
		model.Document{"id": "c3", "category": "school", "isActive": true, "targetAmount": 200},
	))

	res, err := NewEngine(m).Run(context.Background(), Request{
		Collection: model.CollectionCampaigns,
		GroupBy:    GroupBy{Kind: GroupNone},
		Metrics: []Metric{
			{Name: "total", Op: OpCount},
			{Name: "active", Op: OpCountIf, Where: map[string]interface{}{"isActive": true}},
			{Name: "avgTarget", Op: OpAvg, Field: "targetAmount"},
			{Name: "categories", Op: OpDistinct, Field: "category"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)

	g := res.Groups[0]
	assert.Equal(t, int64(3), g.Int("total"))
	assert.Equal(t, int64(2), g.Int("active"))
	assert.Equal(t, int64(2), g.Int("categories"))
	assert.Equal(t, "566.6667", g.Decimal("avgTarget").String())

	res, err = NewEngine(m).Run(context.Background(), Request{
		Collection: model.CollectionCampaigns,
		Where:      map[string]interface{}{"isActive": true},
		Metrics:    []Metric{{Name: "count", Op: OpCount}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Groups[0].Int("count"))
	assert.Equal(t, int64(3), res.Scanned)
}

func TestRunJoinSortByMetric(t *testing.T) {
	m := donationsStore(t)
	require.NoError(t, m.Seed(model.CollectionCampaigns,
		model.Document{"id": "c1", "title": "Clean Water", "targetAmount": 500},
		model.Document{"id": "c2", "title": "School Kits", "targetAmount": 100},
		model.Document{"id": "c3", "title": "No Donations Yet", "targetAmount": 50},
	))

	res, err := NewEngine(m).Run(context.Background(), Request{
		Collection: model.CollectionCampaigns,
		GroupBy:    GroupBy{Kind: GroupField, Field: "id"},
		Metrics:    []Metric{{Name: "campaigns", Op: OpCount}},
		Join: &Join{
			Collection:   model.CollectionDonations,
			ForeignField: "campaignId",
			Metrics: []Metric{
				{Name: "raisedAmount", Op: OpSum, Field: "amount"},
				{Name: "donationCount", Op: OpCount},
			},
		},
		Keep:   []string{"title", "targetAmount"},
		SortBy: "raisedAmount",
	})
	require.NoError(t, err)
	require.Len(t, res.Groups, 3)

	assert.Equal(t, "c1", res.Groups[0].Label)
	assert.True(t, res.Groups[0].Decimal("raisedAmount").Equal(decimal.NewFromInt(150)))
	assert.Equal(t, int64(2), res.Groups[0].Int("donationCount"))
	assert.Equal(t, "Clean Water", res.Groups[0].Fields["title"])

	assert.Equal(t, "c2", res.Groups[1].Label)
	assert.Equal(t, "c3", res.Groups[2].Label)
	assert.True(t, res.Groups[2].Decimal("raisedAmount").IsZero())
	assert.Equal(t, int64(0), res.Groups[2].Int("donationCount"))
}

func TestRunSortTiesBreakOnKey(t *testing.T) {
	m := storage.NewMemory()
	require.NoError(t, m.Seed(model.CollectionActivities,
		model.Document{"id": "a1", "action": "login"},
		model.Document{"id": "a2", "action": "donate"},
		model.Document{"id": "a3", "action": "approve"},
		model.Document{"id": "a4", "action": "login"},
	))

	res, err := NewEngine(m).Run(context.Background(), Request{
		Collection: model.CollectionActivities,
		GroupBy:    GroupBy{Kind: GroupField, Field: "action"},
		Metrics:    []Metric{{Name: "count", Op: OpCount}},
		SortBy:     "count",
		Limit:      2,
	})
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, "login", res.Groups[0].Label)
	assert.Equal(t, "approve", res.Groups[1].Label)
}

func TestRunMixedCategoricalKeysOrderOnce(t *testing.T) {
	m := storage.NewMemory()
	require.NoError(t, m.Seed(model.CollectionActivities,
		model.Document{"id": "a1", "action": "1a"},
		model.Document{"id": "a2", "action": "10"},
		model.Document{"id": "a3", "action": "2"},
		model.Document{"id": "a4", "action": "1e1"},
		model.Document{"id": "a5", "action": "b"},
	))
	e := NewEngine(m)
	req := Request{
		Collection: model.CollectionActivities,
		GroupBy:    GroupBy{Kind: GroupField, Field: "action"},
		Metrics:    []Metric{{Name: "count", Op: OpCount}},
		Order:      Asc,
	}

	for i := 0; i < 100; i++ {
		res, err := e.Run(context.Background(), req)
		require.NoError(t, err)
		labels := make([]string, 0, len(res.Groups))
		for _, g := range res.Groups {
			labels = append(labels, g.Label)
		}
		require.Equal(t, []string{"2", "10", "1e1", "1a", "b"}, labels, "run %d", i)
	}
}

func TestCompareKeysIsTotal(t *testing.T) {
	keys := []groupKey{{value: "2"}, {value: "10"}, {value: "1e1"}, {value: "1a"}, {value: "b"}, {null: true}}
	for _, a := range keys {
		assert.Equal(t, 0, compareKeys(a, a))
		for _, b := range keys {
			assert.Equal(t, -compareKeys(b, a), compareKeys(a, b), "%v vs %v", a, b)
			for _, c := range keys {
				if compareKeys(a, b) < 0 && compareKeys(b, c) < 0 {
					assert.Negative(t, compareKeys(a, c), "%v < %v < %v", a, b, c)
				}
			}
		}
	}
}

func TestRunDayBuckets(t *testing.T) {
	m := storage.NewMemory()
	require.NoError(t, m.Seed(model.CollectionUsers,
		model.Document{"id": "u1", "createdAt": at(2024, 3, 1)},
		model.Document{"id": "u2", "createdAt": at(2024, 3, 1).Add(time.Hour)},
		model.Document{"id": "u3", "createdAt": "2024-03-02T08:00:00Z"},
		model.Document{"id": "u4"},
	))

	res, err := NewEngine(m).Run(context.Background(), Request{
		Collection: model.CollectionUsers,
		GroupBy:    GroupBy{Kind: GroupTime, Field: "createdAt", Granularity: Day},
		Metrics:    []Metric{{Name: "users", Op: OpCount}},
		Order:      Asc,
	})
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, "2024-03-01", res.Groups[0].Label)
	assert.Equal(t, int64(2), res.Groups[0].Int("users"))
	assert.Equal(t, "2024-03-02", res.Groups[1].Label)
	assert.Equal(t, int64(3), res.Matched)
	assert.Equal(t, int64(4), res.Scanned)
}

func TestRunRejectsBadRequests(t *testing.T) {
	e := NewEngine(storage.NewMemory())
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown collection", Request{Collection: "settings", Metrics: []Metric{{Name: "n", Op: OpCount}}}, storage.ErrUnknownCollection},
		{"no metrics", Request{Collection: model.CollectionUsers}, ErrInvalidRequest},
		{"sum without field", Request{Collection: model.CollectionUsers, Metrics: []Metric{{Name: "s", Op: OpSum}}}, ErrInvalidRequest},
		{"duplicate names", Request{Collection: model.CollectionUsers, Metrics: []Metric{{Name: "n", Op: OpCount}, {Name: "n", Op: OpCount}}}, ErrInvalidRequest},
		{"bad granularity", Request{Collection: model.CollectionUsers, GroupBy: GroupBy{Kind: GroupTime, Field: "createdAt", Granularity: "week"}, Metrics: []Metric{{Name: "n", Op: OpCount}}}, ErrInvalidRequest},
		{"sortBy unknown", Request{Collection: model.CollectionUsers, Metrics: []Metric{{Name: "n", Op: OpCount}}, SortBy: "x"}, ErrInvalidRequest},
		{"join unknown collection", Request{Collection: model.CollectionUsers, Metrics: []Metric{{Name: "n", Op: OpCount}}, Join: &Join{Collection: "settings", ForeignField: "userId", Metrics: []Metric{{Name: "j", Op: OpCount}}}}, storage.ErrUnknownCollection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Run(ctx, tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewEngine(donationsStore(t)).Run(ctx, monthlyDonations())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestRunDeterministic(t *testing.T) {
	e := NewEngine(donationsStore(t))
	first, err := e.Run(context.Background(), monthlyDonations())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Run(context.Background(), monthlyDonations())
		require.NoError(t, err)
		assert.Equal(t, first.Groups, again.Groups)
	}
}
