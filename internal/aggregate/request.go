// Package aggregate implements the rollup engine: declarative grouped
// reductions over entity collections, streamed through storage.EntityStore.
package aggregate

import (
	"errors"
	"fmt"

	"github.com/givebridge/sharecore/internal/model"
	"github.com/givebridge/sharecore/internal/storage"
	"github.com/shopspring/decimal"
)

// ErrInvalidRequest is returned for malformed aggregation requests.
var ErrInvalidRequest = errors.New("invalid aggregation request")

// Op names a reduction.
type Op string

const (
	OpCount    Op = "count"    // Number of records
	OpSum      Op = "sum"      // Sum of a numeric field
	OpAvg      Op = "avg"      // Mean of a numeric field over records where it is numeric
	OpDistinct Op = "distinct" // Number of distinct non-empty values of a field
	OpCountIf  Op = "countIf"  // Number of records matching the metric's Where
)

// GroupKind selects how records are partitioned.
type GroupKind string

const (
	GroupNone  GroupKind = "none"  // One group for all qualifying records
	GroupField GroupKind = "field" // Categorical, by a field's value
	GroupTime  GroupKind = "time"  // Time bucket of a timestamp field
)

// Granularity is the truncation applied to a time bucket.
type Granularity string

const (
	Day   Granularity = "day"
	Month Granularity = "month"
	Year  Granularity = "year"
)

// Order is the direction of the result ordering.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// GroupBy is the grouping key expression.
type GroupBy struct {
	Kind        GroupKind   `json:"kind"`
	Field       string      `json:"field,omitempty"`
	Granularity Granularity `json:"granularity,omitempty"`
}

// Metric is one derived value per group.
type Metric struct {
	Name  string                 `json:"name"`
	Op    Op                     `json:"op"`
	Field string                 `json:"field,omitempty"`
	Where map[string]interface{} `json:"where,omitempty"` // Only records matching every predicate contribute
}

// Join enriches each group with metrics over records of a second
// collection whose ForeignField equals the primary record's LocalField.
type Join struct {
	Collection   model.Collection `json:"collection"`
	ForeignField string           `json:"foreignField"`
	LocalField   string           `json:"localField,omitempty"` // Defaults to "id"
	Metrics      []Metric         `json:"metrics"`
}

// Request describes one rollup.
type Request struct {
	Collection model.Collection       `json:"collection"`
	Where      map[string]interface{} `json:"where,omitempty"` // Equality predicates
	GroupBy    GroupBy                `json:"groupBy"`
	Metrics    []Metric               `json:"metrics"`
	Join       *Join                  `json:"join,omitempty"`
	Keep       []string               `json:"keep,omitempty"` // Fields copied from each group's lowest-id record
	Order      Order                  `json:"order,omitempty"`
	SortBy     string                 `json:"sortBy,omitempty"` // Metric name; ties break by group key ascending
	Limit      int                    `json:"limit,omitempty"`
}

// Group is one (groupKey, metrics) tuple of a result.
type Group struct {
	Key     map[string]interface{} `json:"key"`
	Label   string                 `json:"label"`
	Metrics map[string]interface{} `json:"metrics"` // int64 for counts, decimal.Decimal for sums and averages
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Int returns a count metric, 0 if absent.
func (g Group) Int(name string) int64 {
	v, _ := g.Metrics[name].(int64)
	return v
}

// Decimal returns a sum or average metric, zero if absent.
func (g Group) Decimal(name string) decimal.Decimal {
	switch v := g.Metrics[name].(type) {
	case decimal.Decimal:
		return v
	case int64:
		return decimal.NewFromInt(v)
	default:
		return decimal.Zero
	}
}

// Result is the ordered output of Run.
type Result struct {
	Groups  []Group `json:"groups"`
	Scanned int64   `json:"scanned"` // Records read from the primary collection
	Matched int64   `json:"matched"` // Records that passed Where and had a group key
}

// validate fills defaults and rejects malformed requests.
func (r *Request) validate() error {
	if !storage.KnownCollection(r.Collection) {
		return fmt.Errorf("%w: %s", storage.ErrUnknownCollection, r.Collection)
	}

	switch r.GroupBy.Kind {
	case "":
		r.GroupBy.Kind = GroupNone
	case GroupNone:
	case GroupField:
		if r.GroupBy.Field == "" {
			return fmt.Errorf("%w: field grouping needs a field", ErrInvalidRequest)
		}
	case GroupTime:
		if r.GroupBy.Field == "" {
			return fmt.Errorf("%w: time grouping needs a field", ErrInvalidRequest)
		}
		switch r.GroupBy.Granularity {
		case Day, Month, Year:
		case "":
			r.GroupBy.Granularity = Month
		default:
			return fmt.Errorf("%w: unknown granularity %q", ErrInvalidRequest, r.GroupBy.Granularity)
		}
	default:
		return fmt.Errorf("%w: unknown grouping %q", ErrInvalidRequest, r.GroupBy.Kind)
	}

	if len(r.Metrics) == 0 {
		return fmt.Errorf("%w: at least one metric is required", ErrInvalidRequest)
	}
	names := make(map[string]bool)
	if err := validateMetrics(r.Metrics, names); err != nil {
		return err
	}

	if r.Join != nil {
		if !storage.KnownCollection(r.Join.Collection) {
			return fmt.Errorf("%w: %s", storage.ErrUnknownCollection, r.Join.Collection)
		}
		if r.Join.ForeignField == "" {
			return fmt.Errorf("%w: join needs a foreign field", ErrInvalidRequest)
		}
		if r.Join.LocalField == "" {
			r.Join.LocalField = "id"
		}
		if len(r.Join.Metrics) == 0 {
			return fmt.Errorf("%w: join needs at least one metric", ErrInvalidRequest)
		}
		if err := validateMetrics(r.Join.Metrics, names); err != nil {
			return err
		}
	}

	if r.SortBy != "" && !names[r.SortBy] {
		return fmt.Errorf("%w: sortBy %q is not a metric", ErrInvalidRequest, r.SortBy)
	}

	switch r.Order {
	case Asc, Desc:
	case "":
		if r.GroupBy.Kind == GroupTime || r.SortBy != "" {
			r.Order = Desc
		} else {
			r.Order = Asc
		}
	default:
		return fmt.Errorf("%w: unknown order %q", ErrInvalidRequest, r.Order)
	}

	if r.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidRequest)
	}
	return nil
}

func validateMetrics(ms []Metric, names map[string]bool) error {
	for _, m := range ms {
		if m.Name == "" {
			return fmt.Errorf("%w: metric without a name", ErrInvalidRequest)
		}
		if names[m.Name] {
			return fmt.Errorf("%w: duplicate metric %q", ErrInvalidRequest, m.Name)
		}
		names[m.Name] = true

		switch m.Op {
		case OpCount:
		case OpSum, OpAvg, OpDistinct:
			if m.Field == "" {
				return fmt.Errorf("%w: %s metric %q needs a field", ErrInvalidRequest, m.Op, m.Name)
			}
		case OpCountIf:
			if len(m.Where) == 0 {
				return fmt.Errorf("%w: countIf metric %q needs a where clause", ErrInvalidRequest, m.Name)
			}
		default:
			return fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, m.Op)
		}
	}
	return nil
}
