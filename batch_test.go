package epubpipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestArchiveFile writes a minimal package archive to dir and
// returns its path.
func writeTestArchiveFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buildTestArchive(t, minimalV2Files()), 0o644))
	return p
}

func batchConfig() Config {
	cfg := DefaultConfig()
	// Keep batch tests focused on orchestration, not the full pipeline.
	cfg.Filters = []FilterSpec{{Name: FilterStructuralRepair}}
	return cfg
}

func TestOrchestratorRunsJobsInSubmissionOrder(t *testing.T) {
	dir := t.TempDir()
	in1 := writeTestArchiveFile(t, dir, "one.epub")
	in2 := writeTestArchiveFile(t, dir, "two.epub")

	orch, err := NewOrchestrator(batchConfig())
	require.NoError(t, err)

	orch.Submit(Job{Name: "first", Input: in1, Output: filepath.Join(dir, "one.clean.epub")})
	orch.Submit(Job{Name: "second", Input: in2, Output: filepath.Join(dir, "two.clean.epub")})

	results := orch.RunAll(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Name)
	assert.Equal(t, "second", results[1].Name)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}

	// Outputs are valid packages.
	for _, out := range []string{"one.clean.epub", "two.clean.epub"} {
		data, err := os.ReadFile(filepath.Join(dir, out))
		require.NoError(t, err)
		pkg, err := Open(data)
		require.NoError(t, err)
		assert.Equal(t, "2.0", pkg.Version())
	}
}

func TestOrchestratorIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	in1 := writeTestArchiveFile(t, dir, "ok1.epub")
	in3 := writeTestArchiveFile(t, dir, "ok2.epub")

	orch, err := NewOrchestrator(batchConfig())
	require.NoError(t, err)

	orch.Submit(Job{Name: "a", Input: in1})
	orch.Submit(Job{Name: "b", Input: filepath.Join(dir, "missing.epub")})
	orch.Submit(Job{Name: "c", Input: in3})

	results := orch.RunAll(context.Background())
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrIO)
	assert.NoError(t, results[2].Err, "sibling jobs must not be affected by one failure")
}

func TestOrchestratorCancelBeforeRun(t *testing.T) {
	dir := t.TempDir()
	in := writeTestArchiveFile(t, dir, "in.epub")

	orch, err := NewOrchestrator(batchConfig())
	require.NoError(t, err)

	handle := orch.Submit(Job{Name: "doomed", Input: in, Output: filepath.Join(dir, "out.epub")})
	handle.Cancel()

	results := orch.RunAll(context.Background())
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrCancelled)
	_, statErr := os.Stat(filepath.Join(dir, "out.epub"))
	assert.True(t, os.IsNotExist(statErr), "cancelled job must not write output")
}

func TestOrchestratorJobTimeout(t *testing.T) {
	dir := t.TempDir()
	in := writeTestArchiveFile(t, dir, "in.epub")

	cfg := batchConfig()
	cfg.JobTimeout = time.Nanosecond
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	orch.Submit(Job{Name: "slow", Input: in})
	results := orch.RunAll(context.Background())
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrTimeout)
}

func TestOrchestratorPerJobFilterOverride(t *testing.T) {
	dir := t.TempDir()
	in := writeTestArchiveFile(t, dir, "in.epub")
	out := filepath.Join(dir, "out.epub")

	orch, err := NewOrchestrator(batchConfig())
	require.NoError(t, err)

	// An empty non-nil slice runs no filters at all.
	orch.Submit(Job{Name: "raw", Input: in, Output: out, Filters: []FilterSpec{}})
	results := orch.RunAll(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	outData, err := os.ReadFile(out)
	require.NoError(t, err)
	store, err := OpenArchive(outData)
	require.NoError(t, err)
	for name, content := range minimalV2Files() {
		got, err := store.Get(name)
		require.NoError(t, err, name)
		assert.Equal(t, []byte(content), got, "a no-filter job exports entry %s unchanged", name)
	}
}

func TestOrchestratorProtectionPhase(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "in.epub")
	require.NoError(t, os.WriteFile(p, buildTestArchive(t, protectableFiles()), 0o644))
	out := filepath.Join(dir, "protected.epub")

	cfg := batchConfig()
	cfg.Protection = ProtectionConfig{Mode: ProtectionProtect, Key: "pw"}
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	orch.Submit(Job{Name: "protect", Input: p, Output: out})
	results := orch.RunAll(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	store, err := OpenArchive(data)
	require.NoError(t, err)
	assert.True(t, store.Exists(scrambleManifestPath))
	assert.False(t, store.Exists("OEBPS/Fonts/serif.ttf"))
}

func TestOrchestratorDirectoryInput(t *testing.T) {
	dir := t.TempDir()
	pkgDir := filepath.Join(dir, "unpacked")
	for name, content := range minimalV2Files() {
		p := filepath.Join(pkgDir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}

	orch, err := NewOrchestrator(batchConfig())
	require.NoError(t, err)

	orch.Submit(Job{Name: "dir", Input: pkgDir})
	results := orch.RunAll(context.Background())
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
}

func TestNewOrchestratorRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Platform = "palm-pilot"
	_, err := NewOrchestrator(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Protection = ProtectionConfig{Mode: ProtectionProtect}
	_, err = NewOrchestrator(cfg)
	assert.Error(t, err, "protect mode without a key must fail validation")
}
