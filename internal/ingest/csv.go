// Package ingest turns training and scoring input files into records.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// Canonical column names.
const (
	ColumnDate        = "date"
	ColumnVendor      = "vendor"
	ColumnDescription = "description"
	ColumnCategory    = "category"
	ColumnAmount      = "amount"
)

// Header is the column order used when a CSV is created from scratch.
var Header = []string{ColumnDate, ColumnVendor, ColumnDescription, ColumnCategory, ColumnAmount}

// synonyms maps alternate header names to canonical ones. A synonym is only
// used when the canonical column is absent, first match wins.
var synonyms = []struct{ from, to string }{
	{"supplier", ColumnVendor},
	{"details", ColumnDescription},
	{"memo", ColumnDescription},
	{"label", ColumnCategory},
	{"class", ColumnCategory},
}

var dateLayouts = []string{time.DateOnly, "01/02/2006", "1/2/2006", time.RFC3339}

// Row is one input line with its fields split out.
type Row struct {
	Date        time.Time
	Amount      *float64
	Vendor      string
	Description string
	Category    string
}

// Record builds the model record for r.
func (r Row) Record(source string) model.Record {
	rec := model.NewRecord(r.Vendor, r.Description, r.Category, r.Amount)
	rec.Date = r.Date
	rec.Source = source
	return rec
}

// CSVReader reads expense rows from CSV.
type CSVReader struct {
	requireLabel bool
}

// NewCSVReader creates a reader. Labeled readers require a category column
// and a category on every kept row.
func NewCSVReader(requireLabel bool) *CSVReader {
	return &CSVReader{requireLabel: requireLabel}
}

// ReadFile reads the CSV at path.
func (r *CSVReader) ReadFile(ctx context.Context, path string) ([]model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return r.Read(ctx, f, path)
}

// Read parses records from in. Rows with empty text (or, for labeled readers,
// an empty category) are dropped when at least one valid row remains;
// otherwise the first bad row is reported.
func (r *CSVReader) Read(ctx context.Context, in io.Reader, source string) ([]model.Record, error) {
	rows, err := r.ReadRows(ctx, in)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, len(rows))
	for i, row := range rows {
		out[i] = row.Record(source)
	}
	return out, nil
}

// ReadRows is Read without building records.
func (r *CSVReader) ReadRows(ctx context.Context, in io.Reader) ([]Row, error) {
	cr := csv.NewReader(in)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &common.ValidationError{Reason: "CSV is empty"}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrValidation, err)
	}
	cols, err := r.columns(header)
	if err != nil {
		return nil, err
	}

	var (
		rows     []Row
		firstBad error
		dropped  int
	)
	for line := 1; ; line++ {
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrValidation, err)
		}

		row, err := parseRow(fields, cols, line)
		if err != nil {
			return nil, err
		}
		if reason := r.emptyField(row); reason != "" {
			dropped++
			if firstBad == nil {
				firstBad = &common.ValidationError{Row: line, Field: reason, Reason: "is empty"}
			}
			continue
		}
		rows = append(rows, row)
	}

	if dropped > 0 {
		if len(rows) == 0 {
			return nil, firstBad
		}
		slog.Warn("Dropped incomplete CSV rows", "dropped", dropped, "kept", len(rows))
	}
	return rows, nil
}

func (r *CSVReader) emptyField(row Row) string {
	if model.BuildText(row.Vendor, row.Description) == "" {
		return "text"
	}
	if r.requireLabel && row.Category == "" {
		return ColumnCategory
	}
	return ""
}

// columns maps canonical column names to field indexes.
func (r *CSVReader) columns(header []string) (map[string]int, error) {
	cols := NormalizeHeader(header)
	required := []string{ColumnVendor, ColumnDescription}
	if r.requireLabel {
		required = append(required, ColumnCategory)
	}
	var missing []string
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &common.ValidationError{
			Field:  "header",
			Reason: fmt.Sprintf("is missing required columns %v (found %v)", missing, header),
		}
	}
	return cols, nil
}

// NormalizeHeader strips a BOM, trims and lower-cases header names, then maps
// synonyms. It returns canonical name to column index.
func NormalizeHeader(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	for _, s := range synonyms {
		if _, ok := cols[s.to]; ok {
			continue
		}
		if i, ok := cols[s.from]; ok {
			cols[s.to] = i
		}
	}
	return cols
}

func parseRow(fields []string, cols map[string]int, line int) (Row, error) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}

	row := Row{
		Vendor:      get(ColumnVendor),
		Description: get(ColumnDescription),
		Category:    get(ColumnCategory),
	}
	if s := get(ColumnAmount); s != "" {
		amount, err := ParseAmount(s)
		if err != nil {
			return Row{}, &common.ValidationError{Row: line, Field: ColumnAmount, Reason: err.Error()}
		}
		row.Amount = &amount
	}
	if s := get(ColumnDate); s != "" {
		date, err := ParseDate(s)
		if err != nil {
			return Row{}, &common.ValidationError{Row: line, Field: ColumnDate, Reason: err.Error()}
		}
		row.Date = date
	}
	return row, nil
}

// ParseAmount accepts plain numbers plus currency symbols, thousands
// separators and accounting parentheses for negatives.
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	negative := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
	if negative {
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if negative {
		v = -v
	}
	return v, nil
}

// ParseDate accepts ISO dates, US month/day/year dates and RFC 3339 timestamps.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a recognized date", s)
}
