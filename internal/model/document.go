package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Collection names the entity collections owned by the CRUD layer.
type Collection string

const (
	CollectionUsers      Collection = "users"
	CollectionNGOs       Collection = "ngos"
	CollectionCompanies  Collection = "companies"
	CollectionCampaigns  Collection = "campaigns"
	CollectionDonations  Collection = "donations"
	CollectionActivities Collection = "activities"
)

// Collections lists every collection this service knows how to read.
var Collections = []Collection{
	CollectionUsers,
	CollectionNGOs,
	CollectionCompanies,
	CollectionCampaigns,
	CollectionDonations,
	CollectionActivities,
}

// Document is one loosely typed record of an entity collection.
// Keys follow the collaborator's JSON field names (id, createdAt, ...).
type Document map[string]interface{}

// ID returns the document identifier.
func (d Document) ID() string {
	return d.String("id")
}

// String returns the field as a string, or "" when absent.
func (d Document) String(field string) string {
	switch v := d[field].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns the field as a boolean, false when absent or not a bool.
func (d Document) Bool(field string) bool {
	switch v := d[field].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Decimal returns the field as a decimal. ok is false when the field is
// absent or not numeric.
func (d Document) Decimal(field string) (decimal.Decimal, bool) {
	switch v := d[field].(type) {
	case decimal.Decimal:
		return v, true
	case float64:
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int32:
		return decimal.NewFromInt32(v), true
	case int64:
		return decimal.NewFromInt(v), true
	case json.Number:
		dec, err := decimal.NewFromString(v.String())
		return dec, err == nil
	case string:
		dec, err := decimal.NewFromString(v)
		return dec, err == nil
	default:
		return decimal.Zero, false
	}
}

// Time returns the field as a UTC time. ok is false when absent or unparseable.
func (d Document) Time(field string) (time.Time, bool) {
	switch v := d[field].(type) {
	case time.Time:
		return v.UTC(), true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return v.UTC(), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

// Pick returns a copy holding only the listed fields that are present.
func (d Document) Pick(fields ...string) Document {
	out := make(Document, len(fields))
	for _, f := range fields {
		if v, ok := d[f]; ok {
			out[f] = v
		}
	}
	return out
}
