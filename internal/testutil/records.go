package testutil

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// Category names used across tests.
const (
	CategoryGroceries = "Groceries"
	CategoryFuel      = "Fuel"
	CategoryCoffee    = "Coffee"
	CategoryStreaming = "Streaming"
	CategoryDining    = "Dining"
)

// Row is one raw input line before it becomes a Record.
type Row struct {
	Vendor      string
	Description string
	Category    string
	Date        string
	Amount      *float64
}

// RecordBuilder assembles labeled rows with a fluent API.
//
//	records := testutil.NewRecordBuilder().
//		WithStandardSet().
//		With("tim hortons", "coffee", testutil.CategoryCoffee, 5).
//		Records()
type RecordBuilder struct {
	rows []Row
}

// NewRecordBuilder returns an empty builder.
func NewRecordBuilder() *RecordBuilder {
	return &RecordBuilder{}
}

// With adds one row with an amount.
func (b *RecordBuilder) With(vendor, description, category string, amount float64) *RecordBuilder {
	b.rows = append(b.rows, Row{Vendor: vendor, Description: description, Category: category, Amount: model.Float(amount)})
	return b
}

// WithoutAmount adds one row with no amount.
func (b *RecordBuilder) WithoutAmount(vendor, description, category string) *RecordBuilder {
	b.rows = append(b.rows, Row{Vendor: vendor, Description: description, Category: category})
	return b
}

// WithStandardSet adds twelve rows across three categories, four each.
func (b *RecordBuilder) WithStandardSet() *RecordBuilder {
	return b.
		With("costco", "grocery", CategoryGroceries, 50).
		With("kroger", "grocery store", CategoryGroceries, 82).
		With("whole foods", "market", CategoryGroceries, 64).
		With("safeway", "groceries", CategoryGroceries, 71).
		With("shell", "gas", CategoryFuel, 40).
		With("chevron", "gas station", CategoryFuel, 38).
		With("exxon", "fuel", CategoryFuel, 45).
		With("bp", "gas pump", CategoryFuel, 52).
		With("netflix", "subscription", CategoryStreaming, 15).
		With("spotify", "premium", CategoryStreaming, 11).
		With("hulu", "subscription", CategoryStreaming, 13).
		With("disney", "plus", CategoryStreaming, 9)
}

// Rows returns the raw rows.
func (b *RecordBuilder) Rows() []Row {
	out := make([]Row, len(b.rows))
	copy(out, b.rows)
	return out
}

// Records converts the rows into training records.
func (b *RecordBuilder) Records() []model.Record {
	out := make([]model.Record, len(b.rows))
	for i, r := range b.rows {
		out[i] = model.NewRecord(r.Vendor, r.Description, r.Category, r.Amount)
		out[i].Source = "test"
	}
	return out
}

// TypicalExpenses returns n unlabeled records with amounts spread under 500.
func TypicalExpenses(n int) []model.Record {
	vendors := []string{"costco", "shell", "kroger", "netflix", "chevron"}
	out := make([]model.Record, n)
	for i := range out {
		amount := 10 + float64((i*37)%480)
		out[i] = model.NewRecord(vendors[i%len(vendors)], fmt.Sprintf("purchase %d", i%7), "", model.Float(amount))
	}
	return out
}

// WriteCSV writes rows with the given header to a temp file and returns its path.
// Each row in rows must have one value per header column.
func WriteCSV(t *testing.T, header []string, rows [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create csv: %v", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	if err := w.WriteAll(rows); err != nil {
		t.Fatalf("failed to write rows: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close csv: %v", err)
	}
	return path
}

// CSVRows renders builder rows in the vendor,description,category,amount layout.
func (b *RecordBuilder) CSVRows() [][]string {
	out := make([][]string, len(b.rows))
	for i, r := range b.rows {
		amount := ""
		if r.Amount != nil {
			amount = strconv.FormatFloat(*r.Amount, 'f', -1, 64)
		}
		out[i] = []string{r.Date, r.Vendor, r.Description, r.Category, amount}
	}
	return out
}

// CSVHeader matches CSVRows.
var CSVHeader = []string{"date", "vendor", "description", "category", "amount"}
