package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/testutil"
)

// writeConfig points the CLI at a fresh model directory.
func writeConfig(t *testing.T) (configPath, modelsDir string) {
	t.Helper()
	dir := t.TempDir()
	modelsDir = filepath.Join(dir, "models")
	configPath = filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`models:
  dir: %s
features:
  buckets: 1024
training:
  batch_size: 4
logging:
  level: warn
`, modelsDir)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return configPath, modelsDir
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, configPath, args...)
	require.NoError(t, err, out)
	return out
}

func expenseCSV(t *testing.T, n int) string {
	t.Helper()
	rows := make([][]string, 0, n)
	for _, r := range testutil.TypicalExpenses(n) {
		vendor, description, _ := strings.Cut(r.Text, " ")
		rows = append(rows, []string{vendor, description, strconv.FormatFloat(*r.Amount, 'f', -1, 64)})
	}
	return testutil.WriteCSV(t, []string{"vendor", "description", "amount"}, rows)
}

func TestCLI_CategoryLifecycle(t *testing.T) {
	configPath, modelsDir := writeConfig(t)
	b := testutil.NewRecordBuilder().WithStandardSet()
	csvPath := testutil.WriteCSV(t, testutil.CSVHeader, b.CSVRows())

	out := mustRun(t, configPath, "train", "--no-progress", csvPath)
	assert.Contains(t, out, "Model published")
	assert.Contains(t, out, "bootstrap")
	assert.FileExists(t, filepath.Join(modelsDir, "category.model"))
	assert.FileExists(t, filepath.Join(modelsDir, "spice.db"))

	out = mustRun(t, configPath, "train", "--no-progress", csvPath)
	assert.Contains(t, out, "up_to_date")

	out = mustRun(t, configPath, "predict", "--stdin=false", "shell", "gas")
	assert.Contains(t, out, testutil.CategoryFuel)
	assert.Contains(t, out, "category v1")

	out = mustRun(t, configPath, "ledger", "count", "--anomaly=false")
	assert.Contains(t, out, "12")

	out = mustRun(t, configPath, "feedback", "category", "tim hortons", testutil.CategoryCoffee,
		"--description", "coffee", "--amount", "4.50", "--date", "")
	assert.Contains(t, out, "Recorded")

	out = mustRun(t, configPath, "feedback", "merge", csvPath)
	assert.Contains(t, out, "Merged 1 corrections")

	out = mustRun(t, configPath, "train", "--no-progress", csvPath)
	assert.Contains(t, out, "full_refit")
	assert.Contains(t, out, testutil.CategoryCoffee)

	out = mustRun(t, configPath, "models", "list", "--anomaly=false")
	assert.Contains(t, out, "softmax-sgd")
	assert.Contains(t, out, "2")

	out = mustRun(t, configPath, "runs", "--purpose", "category")
	assert.Contains(t, out, "bootstrap")
	assert.Contains(t, out, "up_to_date")
	assert.Contains(t, out, "full_refit")

	out = mustRun(t, configPath, "models", "rollback", "--anomaly=false", "--keep-ledger=false", "1")
	assert.Contains(t, out, "rolled back to v1")

	out = mustRun(t, configPath, "ledger", "count", "--anomaly=false")
	assert.Contains(t, out, "records: 0")

	out = mustRun(t, configPath, "models", "status")
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "not ready")
}

func TestCLI_AnomalyLifecycle(t *testing.T) {
	configPath, _ := writeConfig(t)

	_, err := runCLI(t, configPath, "score", "--ofx=false", "--csv=false", "--amount", "10", "costco")
	require.ErrorIs(t, err, common.ErrNotReady)
	assert.Equal(t, 3, exitCode(err))

	out := mustRun(t, configPath, "train-anomaly", "--ofx=false", expenseCSV(t, 40))
	assert.Contains(t, out, "bootstrap")
	assert.Contains(t, out, "gaussian")

	out = mustRun(t, configPath, "score", "--ofx=false", "--csv=false", "--amount", "50000", "costco", "purchase 0")
	assert.Contains(t, out, "Anomalous expense")

	out = mustRun(t, configPath, "models", "list", "--anomaly=true")
	assert.Contains(t, out, "gaussian")
}

func TestCLI_InvalidInput(t *testing.T) {
	configPath, _ := writeConfig(t)

	_, err := runCLI(t, configPath, "train", "--no-progress", testutil.WriteCSV(t, []string{"vendor", "amount"}, [][]string{{"shell", "4"}}))
	require.ErrorIs(t, err, common.ErrValidation)
	assert.Equal(t, 2, exitCode(err))

	_, err = runCLI(t, configPath, "models", "rollback", "--anomaly=false", "latest")
	require.ErrorIs(t, err, common.ErrValidation)

	_, err = runCLI(t, configPath, "feedback", "anomaly", "costco", "maybe", "--description", "", "--amount", "", "--date", "")
	require.ErrorIs(t, err, common.ErrValidation)
	// Empty requests are rejected before any model is looked up.
	_, err = runCLI(t, configPath, "predict", "--stdin=false", "", "")
	require.ErrorIs(t, err, common.ErrValidation)
	assert.Equal(t, 2, exitCode(err))

	_, err = runCLI(t, configPath, "score", "--ofx=false", "--csv=false", "--amount", "", "", "")
	require.ErrorIs(t, err, common.ErrValidation)
	assert.Equal(t, 2, exitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want int
	}{
		{name: "validation", err: common.NewValidationError("vendor", "is empty"), want: 2},
		{name: "not ready", err: fmt.Errorf("load: %w", common.ErrNotReady), want: 3},
		{name: "corrupt", err: common.ErrCorruptArtifact, want: 3},
		{name: "other", err: common.ErrLocked, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestParseVerdict(t *testing.T) {
	for in, want := range map[string]bool{"yes": true, "y": true, "true": true, "no": false, "n": false, "false": false} {
		got, err := parseVerdict(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := parseVerdict("maybe")
	assert.ErrorIs(t, err, common.ErrValidation)
}
