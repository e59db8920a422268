package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/storage"
)

var shortRender = []string{"-sample-rate", "8000", "-note", "57", "-note-secs", "0.1", "-render-secs", "0.2", "-log-level", "error"}

func cli(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func withRender(args ...string) []string {
	return append(args, shortRender...)
}

func TestRenderThenMatch(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.wav")

	_, err := cli(t, withRender("render", "-random", "-seed", "3", "-out", target)...)
	require.NoError(t, err)
	buf, err := audio.LoadWAV(target)
	require.NoError(t, err)
	assert.Equal(t, 8000, buf.SampleRate)
	assert.Equal(t, 1600, buf.Len())

	rendered := filepath.Join(dir, "best.wav")
	state := filepath.Join(dir, "best.json")
	db := filepath.Join(dir, "matches.db")
	out, err := cli(t, withRender("match",
		"-target", target,
		"-pop", "6", "-ngen", "2", "-seed", "1",
		"-out-wav", rendered,
		"-save-state", state,
		"-store", "sqlite", "-db-path", db,
	)...)
	require.NoError(t, err)

	var result struct {
		Estimator string    `json:"estimator"`
		Genes     []float64 `json:"genes"`
		Fitness   []float64 `json:"fitness"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "ga", result.Estimator)
	assert.Len(t, result.Genes, 10)
	assert.Len(t, result.Fitness, 1)

	best, err := audio.LoadWAV(rendered)
	require.NoError(t, err)
	assert.Equal(t, 1600, best.Len())

	_, err = cli(t, withRender("render", "-state", state, "-out", filepath.Join(dir, "again.wav"))...)
	require.NoError(t, err)

	store, err := storage.NewStore("sqlite", db)
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	defer store.Close()
	recs, err := store.ListMatches(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, storage.StatusCompleted, recs[0].Status)
	assert.Equal(t, 2, recs[0].Generations)
	assert.Equal(t, result.Fitness, recs[0].Fitness)
}

func TestMatchWritesResultFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.wav")
	_, err := cli(t, withRender("render", "-patch", "0.1,0.4,0.6,0.02,0.2,0.5,0.3,0.1,0.7,0.9", "-out", target)...)
	require.NoError(t, err)

	resultPath := filepath.Join(dir, "result.json")
	logPath := filepath.Join(dir, "match.log")
	out, err := cli(t, withRender("match",
		"-target", target, "-estimator", "nsga3",
		"-pop", "8", "-ngen", "1", "-seed", "2",
		"-out", resultPath, "-log-output", logPath,
	)...)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.FileExists(t, resultPath)
	assert.FileExists(t, logPath)
}

func TestParams(t *testing.T) {
	out, err := cli(t, "params", "-overrides", "9:0.5")
	require.NoError(t, err)
	assert.Contains(t, out, "Carrier Ratio")
	assert.Contains(t, out, "0.500 (frozen)")
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"tune"}},
		{"match without target", []string{"match"}},
		{"render without output", []string{"render"}},
		{"unknown estimator", []string{"match", "-target", "x.wav", "-estimator", "pso"}},
		{"unknown engine", []string{"params", "-engine", "vst"}},
		{"bad vector", withRender("render", "-patch", "0.1,abc", "-out", filepath.Join(t.TempDir(), "x.wav"))},
		{"bad log output", withRender("render", "-random", "-out", filepath.Join(t.TempDir(), "x.wav"), "-log-output", filepath.Join(t.TempDir(), "no", "x.log"))},
		{"missing target file", withRender("match", "-target", filepath.Join(t.TempDir(), "missing.wav"), "-pop", "4", "-ngen", "1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cli(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"fft", "spectral"}, splitList(" fft, ,spectral "))
	assert.Nil(t, splitList(""))

	vec, err := parseVector("0.25, 1")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 1}, vec)
}
