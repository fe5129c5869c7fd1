package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatters(t *testing.T) {
	tests := []struct {
		format func(string) string
		name   string
		icon   string
	}{
		{FormatSuccess, "success", SuccessIcon},
		{FormatError, "error", ErrorIcon},
		{FormatWarning, "warning", WarningIcon},
		{FormatInfo, "info", InfoIcon},
		{FormatTitle, "title", SpiceIcon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.format("model published")
			assert.Contains(t, out, tt.icon)
			assert.Contains(t, out, "model published")
		})
	}
}

func TestRenderKeyValues(t *testing.T) {
	out := RenderKeyValues([][2]string{{"purpose", "category"}, {"version", "3"}})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "purpose:")
	assert.Contains(t, lines[0], "category")
	assert.Contains(t, lines[1], "version:")
	assert.True(t, strings.HasSuffix(lines[1], "3"))
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, []string{"Version", "Kind"}, [][]string{
		{"1", "softmax-sgd"},
		{"2", "softmax-sgd"},
	}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "Version")
	assert.Contains(t, lines[1], "-------")
	assert.Contains(t, lines[3], "2")
	assert.Contains(t, lines[3], "softmax-sgd")
}

func TestRenderBox(t *testing.T) {
	out := RenderBox("Training Complete", "mode: bootstrap")
	assert.Contains(t, out, "Training Complete")
	assert.Contains(t, out, "mode: bootstrap")
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, "Training")
	p.Finish()
	assert.Empty(t, buf.String())

	p.Update(5, 12)
	p.Update(12, 12)
	p.Finish()
	assert.Contains(t, buf.String(), "Training")
	assert.Contains(t, buf.String(), "12/12")
}
