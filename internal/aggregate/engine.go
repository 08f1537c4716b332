package aggregate

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/givebridge/sharecore/internal/metrics"
	"github.com/givebridge/sharecore/internal/model"
	"github.com/givebridge/sharecore/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Engine runs rollups against an EntityStore. It holds no per-run state
// and is safe for concurrent use.
type Engine struct {
	store   storage.EntityStore
	metrics *metrics.Metrics
}

// NewEngine creates an aggregation engine over store.
func NewEngine(store storage.EntityStore) *Engine {
	return &Engine{
		store:   store,
		metrics: metrics.NewMetrics(),
	}
}

// group is the in-flight state of one partition.
type group struct {
	key     groupKey
	raw     interface{}
	acc     *accumulator
	joined  *accumulator
	keepID  string
	keepDoc model.Document
}

// Run executes req. The joined collection, if any, is streamed first into
// per-foreign-key accumulators; the primary collection is then streamed
// once. Only accumulators are retained, never source records.
// A cancelled context aborts the run and discards partial groups.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := otel.Tracer("sharecore").Start(ctx, "aggregate.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", string(req.Collection)),
		attribute.String("group_by", string(req.GroupBy.Kind)),
		attribute.Bool("has_join", req.Join != nil),
	)

	start := time.Now()
	res, err := e.run(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = "cancelled"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.AggregationRunTotal.WithLabelValues(string(req.Collection), status).Inc()
	e.metrics.AggregationRunDuration.WithLabelValues(string(req.Collection), status).Observe(time.Since(start).Seconds())
	return res, err
}

func (e *Engine) run(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var joins map[string]*accumulator
	if req.Join != nil {
		joins = make(map[string]*accumulator)
		err := e.store.ScanCollection(ctx, req.Join.Collection, func(doc model.Document) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fk := doc.String(req.Join.ForeignField)
			if fk == "" {
				return nil
			}
			acc, ok := joins[fk]
			if !ok {
				acc = newAccumulator(req.Join.Metrics)
				joins[fk] = acc
			}
			acc.add(doc)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	groups := make(map[groupKey]*group)
	res := &Result{Groups: []Group{}}

	err := e.store.ScanCollection(ctx, req.Collection, func(doc model.Document) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Scanned++
		if len(req.Where) > 0 && !matches(doc, req.Where) {
			return nil
		}
		k, raw, ok := keyOf(req.GroupBy, doc)
		if !ok {
			return nil
		}
		res.Matched++

		g, exists := groups[k]
		if !exists {
			g = &group{key: k, raw: raw, acc: newAccumulator(req.Metrics)}
			if req.Join != nil {
				g.joined = newAccumulator(req.Join.Metrics)
			}
			groups[k] = g
		}
		g.acc.add(doc)

		if req.Join != nil {
			if ja, ok := joins[doc.String(req.Join.LocalField)]; ok {
				g.joined.merge(ja)
			}
		}
		if len(req.Keep) > 0 && (g.keepDoc == nil || doc.ID() < g.keepID) {
			g.keepID = doc.ID()
			g.keepDoc = doc.Pick(req.Keep...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}

	out := make([]Group, 0, len(ordered))
	for _, g := range ordered {
		key, label := describe(req.GroupBy, g.key, g.raw)
		values := make(map[string]interface{}, len(req.Metrics))
		g.acc.values(values)
		if g.joined != nil {
			g.joined.values(values)
		}
		grp := Group{Key: key, Label: label, Metrics: values}
		if g.keepDoc != nil {
			grp.Fields = g.keepDoc
		}
		out = append(out, grp)
	}

	// out and ordered share indexes until sorted together
	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := idx[i], idx[j]
		var c int
		if req.SortBy != "" {
			c = compareValues(out[a].Metrics[req.SortBy], out[b].Metrics[req.SortBy])
			if c != 0 {
				if req.Order == Desc {
					return c > 0
				}
				return c < 0
			}
			return compareKeys(ordered[a].key, ordered[b].key) < 0
		}
		c = compareKeys(ordered[a].key, ordered[b].key)
		if req.Order == Desc {
			return c > 0
		}
		return c < 0
	})

	for _, i := range idx {
		res.Groups = append(res.Groups, out[i])
	}
	if req.Limit > 0 && len(res.Groups) > req.Limit {
		res.Groups = res.Groups[:req.Limit]
	}
	return res, nil
}
