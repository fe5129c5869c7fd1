package ledger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

func TestFilterNew(t *testing.T) {
	records := []model.Record{
		model.NewRecord("costco", "grocery", "Groceries", model.Float(50)),
		model.NewRecord("shell", "gas", "Fuel", model.Float(40)),
		model.NewRecord("tim hortons", "coffee", "Coffee", model.Float(5)),
		model.NewRecord("costco", "grocery", "Groceries", model.Float(75)),
	}

	seen := NewSeenSet(records[1].Hash())
	got := FilterNew(records, seen)

	require.Len(t, got, 2)
	assert.Equal(t, "costco grocery", got[0].Record.Text)
	assert.Equal(t, "tim hortons coffee", got[1].Record.Text)
	assert.Equal(t, records[0].Hash(), got[0].Hash)

	all := seen.Clone()
	all.Add(Hashes(got)...)
	assert.Empty(t, FilterNew(records, all))
	assert.Len(t, FilterNew(records, SeenSet{}), 3)
}

func TestFilterNewFunc(t *testing.T) {
	records := []model.Record{
		model.NewRecord("costco", "grocery", "", model.Float(50)),
		model.NewRecord("costco", "grocery", "", model.Float(75)),
		model.NewRecord("costco", "grocery", "", model.Float(50)),
	}
	byAmount := func(r model.Record) model.RecordHash {
		return model.HashOf(r.Text, fmt.Sprint(*r.Amount))
	}

	got := FilterNewFunc(records, SeenSet{}, byAmount)
	require.Len(t, got, 2)
	assert.InDelta(t, 75.0, *got[1].Record.Amount, 1e-9)
	assert.Equal(t, byAmount(records[0]), got[0].Hash)
}

func TestSeenSet(t *testing.T) {
	a := model.HashOf("a", "x")
	b := model.HashOf("b", "x")

	s := NewSeenSet(a)
	c := s.Clone()
	c.Add(b)

	assert.True(t, s.Has(a))
	assert.False(t, s.Has(b))
	assert.True(t, c.Has(b))
	assert.Len(t, c.Sorted(), 2)
	assert.True(t, c.Sorted()[0] < c.Sorted()[1])
}

func TestFileLedger_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "category.seen.json")
	l := NewFileLedger(path)

	seen, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, seen)

	seen.Add(model.HashOf("costco grocery", "Groceries"), model.HashOf("shell gas", "Fuel"))
	require.NoError(t, l.Save(ctx, seen))

	loaded, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, seen, loaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, l.Reset(ctx))
	require.NoError(t, l.Reset(ctx), "reset is idempotent")
	loaded, err = l.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFileLedger_CorruptFailsOpen(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "{{{"},
		{name: "wrong shape", content: `{"a":1}`},
		{name: "bad hash", content: `["nothex"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			prev := slog.Default()
			slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
			defer slog.SetDefault(prev)

			path := filepath.Join(t.TempDir(), "seen.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			seen, err := NewFileLedger(path).Load(context.Background())
			require.NoError(t, err)
			assert.Empty(t, seen)
			assert.Contains(t, buf.String(), `msg="Ledger corrupt, starting empty"`)
		})
	}
}
