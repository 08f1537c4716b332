package dashboard

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	errordefs "github.com/givebridge/sharecore/internal/errors"
	"github.com/oklog/ulid/v2"
	"github.com/xuri/excelize/v2"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatXLSX = "xlsx"
)

const (
	contentTypeJSON = "application/json"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ObjectStore receives rendered exports. *media.S3Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// ExportResult points at an uploaded export.
type ExportResult struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Exporter renders snapshots and uploads them.
type Exporter struct {
	store   ObjectStore // nil when object storage is not configured
	expires time.Duration
	now     func() time.Time
}

// NewExporter creates an exporter whose download links live for expires.
func NewExporter(store ObjectStore, expires time.Duration) *Exporter {
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	return &Exporter{store: store, expires: expires, now: time.Now}
}

// Export renders snap in format, uploads it and returns a presigned URL.
func (e *Exporter) Export(ctx context.Context, snap *Snapshot, format string) (*ExportResult, error) {
	var (
		body        []byte
		contentType string
		err         error
	)
	switch format {
	case "", FormatJSON:
		format = FormatJSON
		body, err = RenderJSON(snap)
		contentType = contentTypeJSON
	case FormatXLSX:
		body, err = RenderXLSX(snap)
		contentType = contentTypeXLSX
	default:
		return nil, errordefs.New(errordefs.INVALID_INPUT, fmt.Sprintf("unknown export format %q", format), "")
	}
	if err != nil {
		return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to render export", err)
	}
	if e.store == nil {
		return nil, errordefs.New(errordefs.UNAVAILABLE, "export storage not configured", "")
	}

	now := e.now().UTC()
	key := fmt.Sprintf("exports/dashboard-%s-%s.%s",
		snap.Granularity, ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(), format)
	if err := e.store.PutObject(ctx, key, body, contentType); err != nil {
		return nil, errordefs.Wrap(errordefs.UNAVAILABLE, "failed to upload export", err)
	}
	url, err := e.store.PresignGet(ctx, key, e.expires)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.UNAVAILABLE, "failed to sign export url", err)
	}
	return &ExportResult{URL: url, Key: key, ExpiresAt: now.Add(e.expires)}, nil
}

// RenderJSON encodes the snapshot as indented JSON.
func RenderJSON(snap *Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

// RenderXLSX writes a workbook with a summary sheet and one sheet per section.
func RenderXLSX(snap *Snapshot) ([]byte, error) {
	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	const summary = "Summary"
	if err := xl.SetSheetName(xl.GetSheetName(0), summary); err != nil {
		return nil, fmt.Errorf("rename summary sheet: %w", err)
	}
	for _, r := range []struct {
		row    int
		values []interface{}
	}{
		{1, []interface{}{"generatedAt", snap.GeneratedAt.UTC().Format(time.RFC3339)}},
		{2, []interface{}{"granularity", string(snap.Granularity)}},
		{4, []interface{}{"section", "status"}},
	} {
		if err := writeRow(xl, summary, r.row, r.values); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(snap.Sections))
	for name := range snap.Sections {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		sec := snap.Sections[name]
		if err := writeRow(xl, summary, i+5, []interface{}{name, string(sec.Status)}); err != nil {
			return nil, err
		}

		if _, err := xl.NewSheet(name); err != nil {
			return nil, fmt.Errorf("add sheet %s: %w", name, err)
		}
		if sec.Status != StatusOK {
			if err := writeRow(xl, name, 1, []interface{}{string(sec.Status), sec.Error}); err != nil {
				return nil, err
			}
			continue
		}
		if err := writeSection(xl, name, sec.Data); err != nil {
			return nil, err
		}
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// writeRow fills row (1-based) of sheet starting at column A.
func writeRow(xl *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("sheet %s row %d: %w", sheet, row, err)
	}
	if err := xl.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("sheet %s row %d: %w", sheet, row, err)
	}
	return nil
}

// writeSection lays out section data. Lists of objects become a table with
// one column per key; a single object becomes key/value rows.
func writeSection(xl *excelize.File, sheet string, data interface{}) error {
	// Typed section data and cached snapshots share one shape after this.
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode section %s: %w", sheet, err)
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return fmt.Errorf("decode section %s: %w", sheet, err)
	}

	switch v := generic.(type) {
	case []interface{}:
		cols := columns(v)
		header := make([]interface{}, len(cols))
		for i, c := range cols {
			header[i] = c
		}
		if err := writeRow(xl, sheet, 1, header); err != nil {
			return err
		}
		for r, item := range v {
			obj, _ := item.(map[string]interface{})
			row := make([]interface{}, len(cols))
			for i, c := range cols {
				row[i] = cellValue(obj[c])
			}
			if err := writeRow(xl, sheet, r+2, row); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for r, k := range keys {
			if err := writeRow(xl, sheet, r+1, []interface{}{k, cellValue(v[k])}); err != nil {
				return err
			}
		}
	default:
		return writeRow(xl, sheet, 1, []interface{}{cellValue(v)})
	}
	return nil
}

// columns is the sorted union of keys across rows.
func columns(rows []interface{}) []string {
	seen := map[string]bool{}
	var cols []string
	for _, item := range rows {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		for k := range obj {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func cellValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, string, float64, bool:
		return x
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
