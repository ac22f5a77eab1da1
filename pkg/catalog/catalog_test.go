package catalog_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/caf/pkg/catalog"
	"github.com/ethpandaops/caf/pkg/config"
	"github.com/ethpandaops/caf/pkg/runselect"
)

func setupTestCatalog(t *testing.T) catalog.Catalog {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	c := catalog.NewCatalog(log, cfg)
	require.NoError(t, c.Start(context.Background()))

	t.Cleanup(func() { _ = c.Stop() })

	return c
}

func testRecord(run uint32) runselect.RunRecord {
	gain := "GainOne"

	return runselect.RunRecord{
		RunNumber:        run,
		SORTime:          1000,
		EORTime:          2000,
		RecordedEvents:   1800,
		EFEvents:         1800,
		RunType:          "cismono",
		PartitionName:    "L1CaloCombined",
		CleanStop:        true,
		RecordingEnabled: true,
		GainStrategy:     &gain,
	}
}

func TestCatalog_EnsureListener(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	first, err := c.EnsureListener(ctx, "TileEnergyScan")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	second, err := c.EnsureListener(ctx, "TileEnergyScan")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	listeners, err := c.ListListeners(ctx)
	require.NoError(t, err)
	require.Len(t, listeners, 1)
	assert.Equal(t, "TileEnergyScan", listeners[0].Name)

	_, err = c.EnsureListener(ctx, "")
	require.Error(t, err)
}

func TestCatalog_EnsureRunKeepsFirstFiles(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	run, created, err := c.EnsureRun(ctx, testRecord(100), []string{"a.data", "b.data"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint32(100), run.RunNumber)
	assert.Len(t, run.Files, 2)

	rec := testRecord(100)
	rec.RecordedEvents = 9999

	again, created, err := c.EnsureRun(ctx, rec, []string{"c.data"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, run.ID, again.ID)
	assert.Equal(t, int64(1800), again.RecordedEvents)

	files, err := c.ListFiles(ctx, 100)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.data", files[0].Name)
	assert.Equal(t, "b.data", files[1].Name)

	runs, err := c.ListRuns(ctx, catalog.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestCatalog_LinkIsIdempotent(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	listener, err := c.EnsureListener(ctx, "A")
	require.NoError(t, err)

	run, _, err := c.EnsureRun(ctx, testRecord(100), []string{"f"})
	require.NoError(t, err)

	require.NoError(t, c.Link(ctx, listener, run))
	require.NoError(t, c.Link(ctx, listener, run))

	got, err := c.GetRun(ctx, 100)
	require.NoError(t, err)
	require.Len(t, got.Listeners, 1)
	assert.Equal(t, "A", got.Listeners[0].Name)

	require.Error(t, c.Link(ctx, &catalog.Listener{}, run))
}

func TestCatalog_RecordDiscoveryTwoListeners(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RecordDiscovery(ctx, "A", testRecord(100), []string{"f1", "f2"}))
	require.NoError(t, c.RecordDiscovery(ctx, "B", testRecord(100), []string{"f3"}))
	require.NoError(t, c.RecordDiscovery(ctx, "B", testRecord(100), []string{"f3"}))

	runs, err := c.ListRuns(ctx, catalog.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got, err := c.GetRun(ctx, 100)
	require.NoError(t, err)
	require.Len(t, got.Files, 2)
	assert.Equal(t, "f1", got.Files[0].Name)
	assert.Equal(t, "f2", got.Files[1].Name)
	require.Len(t, got.Listeners, 2)
	assert.Equal(t, "A", got.Listeners[0].Name)
	assert.Equal(t, "B", got.Listeners[1].Name)
	assert.Equal(t, "GainOne", *got.GainStrategy)

	forB, err := c.ListRuns(ctx, catalog.RunFilter{Listener: "B"})
	require.NoError(t, err)
	assert.Len(t, forB, 1)

	forC, err := c.ListRuns(ctx, catalog.RunFilter{Listener: "C"})
	require.NoError(t, err)
	assert.Empty(t, forC)

	forA, err := c.RunsForListener(ctx, "A")
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, uint32(100), forA[0].RunNumber)

	_, err = c.RunsForListener(ctx, "C")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestCatalog_ListRunsFilters(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	for _, run := range []uint32{300, 100, 200} {
		rec := testRecord(run)
		if run == 200 {
			rec.RunType = "Physics"
		}

		_, _, err := c.EnsureRun(ctx, rec, nil)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		filter catalog.RunFilter
		want   []uint32
	}{
		{name: "all ascending", want: []uint32{100, 200, 300}},
		{name: "run type", filter: catalog.RunFilter{RunType: "cismono"}, want: []uint32{100, 300}},
		{name: "min run", filter: catalog.RunFilter{MinRun: 200}, want: []uint32{200, 300}},
		{name: "limit", filter: catalog.RunFilter{Limit: 1}, want: []uint32{100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := c.ListRuns(ctx, tt.filter)
			require.NoError(t, err)

			got := make([]uint32, 0, len(runs))
			for _, r := range runs {
				got = append(got, r.RunNumber)
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCatalog_GetRunNotFound(t *testing.T) {
	c := setupTestCatalog(t)

	_, err := c.GetRun(context.Background(), 42)
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestCatalog_Jobs(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	_, _, err := c.EnsureRun(ctx, testRecord(100), []string{"f1"})
	require.NoError(t, err)

	_, _, err = c.EnsureRun(ctx, testRecord(101), []string{"f2"})
	require.NoError(t, err)

	pending, err := c.RunsWithoutJob(ctx, "TileEnergyScan")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Len(t, pending[0].Files, 1)

	job, err := c.CreateJob(ctx, 100, "TileEnergyScan", "jobs/TileEnergyScan/00000100")
	require.NoError(t, err)
	assert.Equal(t, catalog.JobStatusNew, job.Status)
	assert.Equal(t, uint32(100), job.Run.RunNumber)

	again, err := c.CreateJob(ctx, 100, "TileEnergyScan", "elsewhere")
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, "jobs/TileEnergyScan/00000100", again.Folder)

	pending, err = c.RunsWithoutJob(ctx, "TileEnergyScan")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint32(101), pending[0].RunNumber)

	other, err := c.RunsWithoutJob(ctx, "LArEnergyScan")
	require.NoError(t, err)
	assert.Len(t, other, 2)

	require.NoError(t, c.SetJobStatus(ctx, job.ID, catalog.JobStatusPrepared))

	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.JobStatusPrepared, got.Status)
	assert.Equal(t, uint32(100), got.Run.RunNumber)

	require.Error(t, c.SetJobStatus(ctx, job.ID, "BOGUS"))
	require.ErrorIs(t, c.SetJobStatus(ctx, 999, catalog.JobStatusDone), catalog.ErrNotFound)

	jobs, err := c.ListJobs(ctx, catalog.JobFilter{Status: catalog.JobStatusPrepared})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = c.ListJobs(ctx, catalog.JobFilter{Analysis: "LArEnergyScan"})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = c.CreateJob(ctx, 555, "TileEnergyScan", "x")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestCatalog_Reset(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RecordDiscovery(ctx, "A", testRecord(100), []string{"f1"}))
	require.NoError(t, c.Reset(ctx))

	runs, err := c.ListRuns(ctx, catalog.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	listeners, err := c.ListListeners(ctx)
	require.NoError(t, err)
	assert.Empty(t, listeners)

	require.NoError(t, c.RecordDiscovery(ctx, "A", testRecord(100), []string{"f1"}))

	got, err := c.GetRun(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, got.Files, 1)
}
