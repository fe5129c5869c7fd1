package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
)

// AppendRows appends rows to the CSV at path, matching its existing header.
// A missing file is created with Header. Columns the existing header lacks are
// not written.
func AppendRows(path string, rows []Row) error {
	header, needsNewline, err := existingHeader(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if needsNewline {
		if _, err := f.WriteString("\n"); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	w := csv.NewWriter(f)
	if header == nil {
		header = Header
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	cols := NormalizeHeader(header)
	for _, row := range rows {
		if err := w.Write(formatRow(row, cols, len(header))); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Sync()
}

// existingHeader returns the header of the CSV at path, or nil when the file is
// missing or empty. needsNewline reports a last line without a terminator.
func existingHeader(path string) (header []string, needsNewline bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, false, nil
	}

	header, err = csv.NewReader(f).Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("%w: %s header: %w", common.ErrValidation, path, err)
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return header, last[0] != '\n', nil
}

func formatRow(row Row, cols map[string]int, width int) []string {
	out := make([]string, width)
	set := func(name, value string) {
		if i, ok := cols[name]; ok && i < width {
			out[i] = value
		}
	}
	set(ColumnVendor, row.Vendor)
	set(ColumnDescription, row.Description)
	set(ColumnCategory, row.Category)
	if !row.Date.IsZero() {
		set(ColumnDate, row.Date.Format(time.DateOnly))
	}
	if row.Amount != nil {
		set(ColumnAmount, strconv.FormatFloat(*row.Amount, 'f', -1, 64))
	}
	return out
}
