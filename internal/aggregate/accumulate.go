package aggregate

import (
	"fmt"
	"strings"
	"time"

	"github.com/givebridge/sharecore/internal/model"
	"github.com/shopspring/decimal"
)

// avgScale is the number of decimal places kept by OpAvg.
const avgScale = 4

// accumulator holds the running state of a metric list for one group.
type accumulator struct {
	metrics []Metric
	counts  []int64
	sums    []decimal.Decimal
	seen    []map[string]struct{}
}

func newAccumulator(ms []Metric) *accumulator {
	a := &accumulator{
		metrics: ms,
		counts:  make([]int64, len(ms)),
		sums:    make([]decimal.Decimal, len(ms)),
		seen:    make([]map[string]struct{}, len(ms)),
	}
	for i, m := range ms {
		if m.Op == OpDistinct {
			a.seen[i] = make(map[string]struct{})
		}
	}
	return a
}

func (a *accumulator) add(doc model.Document) {
	for i, m := range a.metrics {
		if len(m.Where) > 0 && !matches(doc, m.Where) {
			continue
		}
		switch m.Op {
		case OpCount, OpCountIf:
			a.counts[i]++
		case OpSum, OpAvg:
			if d, ok := doc.Decimal(m.Field); ok {
				a.sums[i] = a.sums[i].Add(d)
				a.counts[i]++
			}
		case OpDistinct:
			if s := doc.String(m.Field); s != "" {
				a.seen[i][s] = struct{}{}
			}
		}
	}
}

// merge folds b into a. Both must share the same metric list.
func (a *accumulator) merge(b *accumulator) {
	for i := range a.metrics {
		a.counts[i] += b.counts[i]
		a.sums[i] = a.sums[i].Add(b.sums[i])
		for s := range b.seen[i] {
			a.seen[i][s] = struct{}{}
		}
	}
}

func (a *accumulator) values(out map[string]interface{}) {
	for i, m := range a.metrics {
		switch m.Op {
		case OpCount, OpCountIf:
			out[m.Name] = a.counts[i]
		case OpSum:
			out[m.Name] = a.sums[i]
		case OpAvg:
			if a.counts[i] == 0 {
				out[m.Name] = decimal.Zero
			} else {
				out[m.Name] = a.sums[i].DivRound(decimal.NewFromInt(a.counts[i]), avgScale)
			}
		case OpDistinct:
			out[m.Name] = int64(len(a.seen[i]))
		}
	}
}

// matches reports whether doc satisfies every equality predicate.
func matches(doc model.Document, where map[string]interface{}) bool {
	for field, want := range where {
		if !equal(doc, field, want) {
			return false
		}
	}
	return true
}

func equal(doc model.Document, field string, want interface{}) bool {
	switch w := want.(type) {
	case nil:
		v, ok := doc[field]
		return !ok || v == nil
	case bool:
		if _, ok := doc[field]; !ok {
			return !w
		}
		return doc.Bool(field) == w
	case string:
		return doc.String(field) == w
	default:
		wd, ok := toDecimal(w)
		if !ok {
			return doc.String(field) == fmt.Sprint(w)
		}
		d, ok := doc.Decimal(field)
		return ok && d.Equal(wd)
	}
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	return model.Document{"v": v}.Decimal("v")
}

// groupKey is the comparable partition key of a record.
type groupKey struct {
	year, month, day int
	value            string
	null             bool
}

// keyOf derives the group key. ok is false when the record cannot be
// placed in any group (a time grouping over a missing timestamp).
func keyOf(g GroupBy, doc model.Document) (groupKey, interface{}, bool) {
	switch g.Kind {
	case GroupField:
		raw, ok := doc[g.Field]
		if !ok || raw == nil {
			return groupKey{null: true}, nil, true
		}
		return groupKey{value: doc.String(g.Field)}, raw, true
	case GroupTime:
		t, ok := doc.Time(g.Field)
		if !ok {
			return groupKey{}, nil, false
		}
		return timeKey(t, g.Granularity), nil, true
	default:
		return groupKey{}, nil, true
	}
}

func timeKey(t time.Time, gran Granularity) groupKey {
	k := groupKey{year: t.Year()}
	if gran == Month || gran == Day {
		k.month = int(t.Month())
	}
	if gran == Day {
		k.day = t.Day()
	}
	return k
}

// describe renders the key for output.
func describe(g GroupBy, k groupKey, raw interface{}) (map[string]interface{}, string) {
	switch g.Kind {
	case GroupField:
		if k.null {
			return map[string]interface{}{g.Field: nil}, ""
		}
		return map[string]interface{}{g.Field: raw}, k.value
	case GroupTime:
		key := map[string]interface{}{"year": k.year}
		label := fmt.Sprintf("%04d", k.year)
		if g.Granularity == Month || g.Granularity == Day {
			key["month"] = k.month
			label += fmt.Sprintf("-%02d", k.month)
		}
		if g.Granularity == Day {
			key["day"] = k.day
			label += fmt.Sprintf("-%02d", k.day)
		}
		return key, label
	default:
		return map[string]interface{}{}, "all"
	}
}

// compareKeys orders keys naturally: time ascending, nulls first, then
// numeric values before every other value. Numeric values compare
// numerically and the rest lexically; equal numbers with different
// spellings ("10", "1e1") fall back to the raw string.
func compareKeys(a, b groupKey) int {
	if c := compareInts(a.year, b.year); c != 0 {
		return c
	}
	if c := compareInts(a.month, b.month); c != 0 {
		return c
	}
	if c := compareInts(a.day, b.day); c != 0 {
		return c
	}
	if a.null != b.null {
		if a.null {
			return -1
		}
		return 1
	}
	if a.value == b.value {
		return 0
	}
	da, errA := decimal.NewFromString(a.value)
	db, errB := decimal.NewFromString(b.value)
	switch {
	case errA == nil && errB != nil:
		return -1
	case errA != nil && errB == nil:
		return 1
	case errA == nil && errB == nil:
		if c := da.Cmp(db); c != 0 {
			return c
		}
	}
	return strings.Compare(a.value, b.value)
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareValues orders two metric values of the same metric.
func compareValues(a, b interface{}) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	da, _ := toDecimal(a)
	db, _ := toDecimal(b)
	return da.Cmp(db)
}
