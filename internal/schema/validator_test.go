package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCustomDesign(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		doc     map[string]interface{}
		wantErr bool
	}{
		{"empty", map[string]interface{}{}, false},
		{"full", map[string]interface{}{
			"html":           "<h1>Hi</h1>",
			"css":            "h1{color:red}",
			"additionalData": map[string]interface{}{"theme": "dark", "n": 3},
		}, false},
		{"html not string", map[string]interface{}{"html": 42}, true},
		{"unknown key", map[string]interface{}{"script": "alert(1)"}, true},
		{"additionalData not object", map[string]interface{}{"additionalData": "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(CustomDesign, tt.doc)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.NotEmpty(t, verr.Problems)
		})
	}
}

func TestValidateRollupRequest(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	ok := map[string]interface{}{
		"collection": "donations",
		"groupBy":    map[string]interface{}{"kind": "time", "field": "createdAt", "granularity": "month"},
		"metrics":    []interface{}{map[string]interface{}{"name": "total", "op": "sum", "field": "amount"}},
	}
	assert.NoError(t, v.Validate(RollupRequest, ok))

	bad := map[string]interface{}{
		"collection": "donations",
		"metrics":    []interface{}{map[string]interface{}{"name": "x", "op": "median"}},
	}
	assert.Error(t, v.Validate(RollupRequest, bad))

	for name, doc := range map[string]map[string]interface{}{
		"root": {
			"collection": "donations",
			"filters":    map[string]interface{}{"campaignId": "c1"},
			"metrics":    []interface{}{map[string]interface{}{"name": "n", "op": "count"}},
		},
		"groupBy": {
			"collection": "donations",
			"groupBy":    map[string]interface{}{"kind": "field", "field": "campaignId", "bucket": "x"},
			"metrics":    []interface{}{map[string]interface{}{"name": "n", "op": "count"}},
		},
		"metric": {
			"collection": "donations",
			"metrics":    []interface{}{map[string]interface{}{"name": "n", "op": "count", "filter": "x"}},
		},
		"join": {
			"collection": "campaigns",
			"metrics":    []interface{}{map[string]interface{}{"name": "n", "op": "count"}},
			"join": map[string]interface{}{
				"collection": "donations", "foreignField": "campaignId", "as": "d",
				"metrics": []interface{}{map[string]interface{}{"name": "m", "op": "count"}},
			},
		},
	} {
		var verr *ValidationError
		assert.ErrorAs(t, v.Validate(RollupRequest, doc), &verr, name)
	}
}

func TestValidateUnknownSchema(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	assert.Error(t, v.Validate("nope", map[string]interface{}{}))
}
