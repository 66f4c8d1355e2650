package report

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/filing-finetune/internal/platform/logger"
)

func TestFile_WriteResults(t *testing.T) {
	dir := t.TempDir()
	var logs bytes.Buffer
	rep := NewFile(dir, "task_model_", logger.New(&logs, logger.LevelInfo, ""))

	require.NoError(t, rep.WriteResults(context.Background(), map[string]float64{"loss": 0.5, "acc": 0.25}))
	assert.Equal(t, filepath.Join(dir, "task_model_eval_results.txt"), rep.Path())

	got, err := os.ReadFile(rep.Path())
	require.NoError(t, err)
	assert.Equal(t, "acc = 0.25\nloss = 0.5\n", string(got))
	assert.Contains(t, logs.String(), "loss = 0.5")

	require.NoError(t, rep.WriteResults(context.Background(), map[string]float64{"loss": 0.125}))
	got, err = os.ReadFile(rep.Path())
	require.NoError(t, err)
	assert.Equal(t, "loss = 0.125\n", string(got), "each evaluation replaces the report")
}

func TestFile_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	rep := NewFile(dir, "m", nil)
	require.NoError(t, rep.WriteResults(context.Background(), map[string]float64{"loss": 1}))
	assert.FileExists(t, rep.Path())
}
