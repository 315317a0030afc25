package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/session"
	"github.com/sells-group/billrecon/internal/store"
)

func fakeResult(verdict model.Verdict, cached bool) *session.BillResult {
	return &session.BillResult{
		Entry:  &store.BillEntry{Report: model.ConfidenceReport{Score: 0.9, Verdict: verdict}},
		Cached: cached,
	}
}

func TestProcessBatch_CountsOutcomes(t *testing.T) {
	paths := []string{"a.pdf", "b.pdf", "c.pdf", "d.pdf"}
	var calls atomic.Int64

	summary, err := processBatch(context.Background(), paths, 0, 2, func(_ context.Context, path string) (*session.BillResult, error) {
		calls.Add(1)
		switch path {
		case "a.pdf":
			return fakeResult(model.VerdictPass, false), nil
		case "b.pdf":
			return fakeResult(model.VerdictPass, true), nil
		case "c.pdf":
			return fakeResult(model.VerdictEscalate, false), nil
		}
		return nil, errors.New("unreadable")
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4), calls.Load())
	assert.Equal(t, 4, summary.Documents)
	assert.Equal(t, int64(3), summary.Succeeded)
	assert.Equal(t, int64(1), summary.Cached)
	assert.Equal(t, int64(1), summary.Failed)
	assert.Equal(t, 2, summary.ByVerdict[model.VerdictPass])
	assert.Equal(t, 1, summary.ByVerdict[model.VerdictEscalate])
	assert.Equal(t, "unreadable", summary.Errors["d.pdf"])
}

func TestProcessBatch_AppliesLimit(t *testing.T) {
	var calls atomic.Int64
	summary, err := processBatch(context.Background(), []string{"a", "b", "c"}, 2, 0, func(context.Context, string) (*session.BillResult, error) {
		calls.Add(1)
		return fakeResult(model.VerdictWarn, false), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 2, summary.Documents)
}

func TestProcessBatch_Empty(t *testing.T) {
	summary, err := processBatch(context.Background(), nil, 0, 4, func(context.Context, string) (*session.BillResult, error) {
		t.Fatal("add should not be called")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Zero(t, summary.Documents)
}

func TestCollectDocuments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2025"), 0o755))
	for _, name := range []string{"b.pdf", "a.PNG", "notes.txt", filepath.Join("2025", "c.jpeg")} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	paths, err := collectDocuments(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "2025", "c.jpeg"),
		filepath.Join(dir, "a.PNG"),
		filepath.Join(dir, "b.pdf"),
	}, paths)
}

func TestCollectDocuments_MissingDir(t *testing.T) {
	_, err := collectDocuments(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
