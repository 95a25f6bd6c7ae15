package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/energyoor/pkg/config"
	"github.com/ethpandaops/energyoor/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestStore_UpsertAndGetSession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess := &store.Session{
		SessionID:      "sess-1",
		Workload:       "ubuntu",
		Image:          "ubuntu:22.04",
		Sampler:        "energibridge",
		RunsConfigured: 30,
		Status:         store.StatusRunning,
		StartedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.UpsertSession(ctx, sess))

	finished := time.Now().UTC()
	sess.Status = store.StatusCompleted
	sess.RunsRecorded = 29
	sess.RunsFailed = 1
	sess.FinishedAt = &finished
	require.NoError(t, s.UpsertSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, 29, got.RunsRecorded)
	assert.Equal(t, 1, got.RunsFailed)
	require.NotNil(t, got.FinishedAt)

	sessions, err := s.ListSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestStore_GetSessionNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ListSessionsByWorkload(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, w := range []string{"ubuntu", "python-base", "ubuntu"} {
		require.NoError(t, s.UpsertSession(ctx, &store.Session{
			SessionID: "sess-" + string(rune('a'+i)),
			Workload:  w,
			Status:    store.StatusCompleted,
			StartedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	sessions, err := s.ListSessions(ctx, "ubuntu")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-c", sessions[0].SessionID, "newest first")

	workloads, err := s.ListWorkloads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"python-base", "ubuntu"}, workloads)
}

func TestStore_AppendRunNeverDeduplicates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, r := range []store.RunRecord{
		{SessionID: "sess-1", Workload: "ubuntu", Run: 0, EnergyJoules: 10, DurationSeconds: 1},
		{SessionID: "sess-1", Workload: "ubuntu", Run: 2, EnergyJoules: 11, DurationSeconds: 1},
		{SessionID: "sess-1", Workload: "ubuntu", Run: 2, EnergyJoules: 12, DurationSeconds: 1},
		{SessionID: "sess-2", Workload: "cuda-base", Run: 0, EnergyJoules: 50, DurationSeconds: 2},
	} {
		rec := r
		require.NoError(t, s.AppendRun(ctx, &rec))
	}

	runs, err := s.ListRuns(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []int{0, 2, 2}, []int{runs[0].Run, runs[1].Run, runs[2].Run})

	byWorkload, err := s.ListRunsByWorkload(ctx, "cuda-base")
	require.NoError(t, err)
	require.Len(t, byWorkload, 1)
	assert.InDelta(t, 50.0, byWorkload[0].EnergyJoules, 1e-9)
}

func TestStore_UnsupportedDriver(t *testing.T) {
	s := store.NewStore(logrus.New(), &config.DatabaseConfig{Driver: "mysql"})
	require.Error(t, s.Start(context.Background()))
}
