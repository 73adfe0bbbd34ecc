package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/runspec"
)

func sampleRun(t *testing.T, id string, created time.Time) Run {
	t.Helper()
	spec, err := runspec.Parse([]byte(runspec.Example))
	require.NoError(t, err)
	return Run{
		ID:        id,
		Status:    optimization.StatusRunning,
		Spec:      spec,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db")),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Init(ctx))
			t.Cleanup(func() { _ = s.Close() })

			created := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
			run := sampleRun(t, "run-1", created)
			require.NoError(t, s.SaveRun(ctx, run))

			got, ok, err := s.GetRun(ctx, "run-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, optimization.StatusRunning, got.Status)
			assert.Nil(t, got.Record)
			assert.Equal(t, run.Spec.Variables, got.Spec.Variables)
			assert.True(t, created.Equal(got.CreatedAt))

			// Completing the run overwrites the stored copy.
			run.Status = optimization.StatusCompleted
			run.UpdatedAt = created.Add(time.Minute)
			run.Record = &optimization.RunRecord{
				ID:              "run-1",
				Algorithm:       optimization.GA,
				Status:          optimization.StatusCompleted,
				Reason:          optimization.StopMaxEvaluations,
				RealEvaluations: 20,
				Best: &optimization.Solution{
					Parameters: map[string]float64{"radius": 3.3, "width": 0.5},
					Vector:     []float64{3.3, 0.5},
					Fitness:    -1.5,
					Source:     optimization.SourceReal,
				},
				Iterations: []optimization.IterationRecord{{Index: 0, BestFitness: optimization.WorstFitness}},
			}
			require.NoError(t, s.SaveRun(ctx, run))

			got, ok, err = s.GetRun(ctx, "run-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, optimization.StatusCompleted, got.Status)
			require.NotNil(t, got.Record)
			assert.Equal(t, run.Record.Best, got.Record.Best)
			assert.Equal(t, optimization.WorstFitness, got.Record.Iterations[0].BestFitness)

			_, ok, err = s.GetRun(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreListAndDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Init(ctx))
			t.Cleanup(func() { _ = s.Close() })

			base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
			for i, id := range []string{"a", "b", "c"} {
				require.NoError(t, s.SaveRun(ctx, sampleRun(t, id, base.Add(time.Duration(i)*time.Second))))
			}

			runs, err := s.ListRuns(ctx, 0)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, []string{"c", "b", "a"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

			runs, err = s.ListRuns(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, runs, 2)

			require.NoError(t, s.DeleteRun(ctx, "b"))
			_, ok, err := s.GetRun(ctx, "b")
			require.NoError(t, err)
			assert.False(t, ok)

			runs, err = s.ListRuns(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, runs, 2)
		})
	}
}

func TestStoreRequiresInit(t *testing.T) {
	ctx := context.Background()
	run := sampleRun(t, "x", time.Now())

	assert.Error(t, NewMemoryStore().SaveRun(ctx, run))
	assert.Error(t, NewSQLiteStore(filepath.Join(t.TempDir(), "x.db")).SaveRun(ctx, run))
	assert.Error(t, NewSQLiteStore("").Init(ctx))
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	s := NewSQLiteStore(path)
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.SaveRun(ctx, sampleRun(t, "kept", time.Now())))
	require.NoError(t, s.Close())

	s = NewSQLiteStore(path)
	require.NoError(t, s.Init(ctx))
	t.Cleanup(func() { _ = s.Close() })
	_, ok, err := s.GetRun(ctx, "kept")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore("", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore("sqlite", "runs.db")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)

	_, err = NewStore("postgres", "")
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownCodec(t *testing.T) {
	_, err := DecodeRun([]byte(`{"codec_version": 99, "run": {"id": "x"}}`))
	assert.Error(t, err)
}
