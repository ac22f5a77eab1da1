package runselect_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/caf/pkg/conditions"
	"github.com/ethpandaops/caf/pkg/config"
	"github.com/ethpandaops/caf/pkg/runselect"
	"github.com/ethpandaops/caf/pkg/selection"
)

const sorTime100 = int64(1_457_000_000_000_000_000)

// countingStore records which folders were browsed.
type countingStore struct {
	conditions.Store

	mu      sync.Mutex
	browsed []string
	failOn  string
}

func (c *countingStore) Browse(
	ctx context.Context,
	folder string,
	since, until int64,
	channels conditions.ChannelSelection,
) ([]conditions.Object, error) {
	c.mu.Lock()
	c.browsed = append(c.browsed, folder)
	c.mu.Unlock()

	if folder == c.failOn {
		return nil, errors.New("connection refused")
	}

	return c.Store.Browse(ctx, folder, since, until, channels)
}

func testConfig() *config.ConditionsConfig {
	return &config.ConditionsConfig{
		Folders: config.FoldersConfig{
			SOR:           config.DefaultSORFolder,
			EOR:           config.DefaultEORFolder,
			EventCounters: config.DefaultEventCountersFolder,
			GainStrategy:  config.DefaultGainStrategyFolder,
		},
	}
}

func newLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func runEntry(folder string, run uint32, payload map[string]any) conditions.Object {
	return conditions.Object{
		Folder:  folder,
		Since:   conditions.RunKey(run),
		Until:   conditions.RunKey(run + 1),
		Payload: payload,
	}
}

func gainEntry(since, until int64, label string) conditions.Object {
	return conditions.Object{
		Folder:  config.DefaultGainStrategyFolder,
		Since:   since,
		Until:   until,
		Payload: map[string]any{"name": label},
	}
}

// scenarioStore holds run 100 as described by a start-of-run entry, an
// end-of-run entry, an event counters entry and a gain strategy interval.
func scenarioStore(recordedEvents int) *conditions.MemoryStore {
	s := conditions.NewMemoryStore()
	s.Put(
		runEntry(config.DefaultSORFolder, 100, map[string]any{
			"RunNumber":        100,
			"SORTime":          sorTime100,
			"RunType":          "cismono",
			"RecordingEnabled": true,
			"PartitionName":    "TileL1CaloCombined",
		}),
		runEntry(config.DefaultEORFolder, 100, map[string]any{
			"RunNumber": 100,
			"EORTime":   sorTime100 + 3_600_000_000_000,
			"CleanStop": true,
		}),
		runEntry(config.DefaultEventCountersFolder, 100, map[string]any{
			"RecordedEvents": recordedEvents,
			"EFEvents":       recordedEvents / 2,
		}),
		gainEntry(sorTime100-1000, sorTime100+1000, "GainOne"),
	)

	return s
}

func scenarioConstraints() selection.Constraints {
	return selection.Constraints{
		selection.Equals("RunType", "cismono"),
		selection.Equals("RecordingEnabled", true),
		selection.Equals("CleanStop", true),
		selection.AtLeast("RecordedEvents", 1700),
	}
}

func TestSelectRuns_EndToEnd(t *testing.T) {
	t.Parallel()

	store := scenarioStore(2000)
	sel := runselect.NewSelector(newLogger(), store, store, testConfig())

	runs, err := sel.SelectRuns(context.Background(), 0, scenarioConstraints())
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, uint32(100), run.RunNumber)
	assert.Equal(t, "cismono", run.RunType)
	assert.True(t, run.RecordingEnabled)
	assert.True(t, run.CleanStop)
	assert.Equal(t, int64(2000), run.RecordedEvents)
	assert.Equal(t, int64(1000), run.EFEvents)
	assert.Equal(t, sorTime100, run.SORTime)
	assert.Equal(t, "TileL1CaloCombined", run.PartitionName)
	require.NotNil(t, run.GainStrategy)
	assert.Equal(t, "GainOne", *run.GainStrategy)
	assert.Equal(t, "GainOne", run.Gain())
}

func TestSelectRuns_TooFewEvents(t *testing.T) {
	t.Parallel()

	store := scenarioStore(1500)
	sel := runselect.NewSelector(newLogger(), store, store, testConfig())

	runs, err := sel.SelectRuns(context.Background(), 0, scenarioConstraints())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSelectRuns_SQLStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	store := conditions.NewSQLStore(newLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(ctx))

	t.Cleanup(func() { _ = store.Stop() })

	mem := scenarioStore(2000)

	var objs []conditions.Object

	for _, folder := range []string{
		config.DefaultSORFolder,
		config.DefaultEORFolder,
		config.DefaultEventCountersFolder,
		config.DefaultGainStrategyFolder,
	} {
		got, err := mem.Browse(ctx, folder,
			conditions.ValidityKeyMin, conditions.ValidityKeyMax, conditions.AllChannels())
		require.NoError(t, err)

		objs = append(objs, got...)
	}

	require.NoError(t, store.Put(ctx, objs...))

	sel := runselect.NewSelector(newLogger(), store, store, testConfig())

	runs, err := sel.SelectRuns(ctx, 0, scenarioConstraints())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, uint32(100), runs[0].RunNumber)
	assert.Equal(t, int64(2000), runs[0].RecordedEvents)
	assert.Equal(t, "GainOne", runs[0].Gain())
}

func TestSelectRuns_ShortCircuitsWithoutSeeds(t *testing.T) {
	t.Parallel()

	store := &countingStore{Store: scenarioStore(2000)}
	sel := runselect.NewSelector(newLogger(), store, store, testConfig())

	runs, err := sel.SelectRuns(context.Background(), 0, selection.Constraints{
		selection.Equals("RunType", "Physics"),
	})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NotNil(t, runs)
	assert.Equal(t, []string{config.DefaultSORFolder}, store.browsed)
}

func TestSelectRuns_LowerBound(t *testing.T) {
	t.Parallel()

	store := conditions.NewMemoryStore()
	for _, run := range []uint32{98, 99, 100, 101} {
		store.Put(runEntry(config.DefaultSORFolder, run, map[string]any{
			"RunNumber": int(run),
			"RunType":   "cismono",
		}))
	}

	sel := runselect.NewSelector(newLogger(), store, store, testConfig())

	runs, err := sel.SelectRuns(context.Background(), 100, nil)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, uint32(100), runs[0].RunNumber)
	assert.Equal(t, uint32(101), runs[1].RunNumber)
}

func TestSelectRuns_LowerBoundWithOpenEndedEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry conditions.Object
	}{
		{
			name: "open-ended interval below bound",
			entry: conditions.Object{
				Folder:  config.DefaultSORFolder,
				Since:   conditions.RunKey(99),
				Until:   conditions.ValidityKeyMax,
				Payload: map[string]any{"RunType": "cismono"},
			},
		},
		{
			name: "payload run number below key",
			entry: conditions.Object{
				Folder:  config.DefaultSORFolder,
				Since:   conditions.RunKey(100),
				Until:   conditions.RunKey(101),
				Payload: map[string]any{"RunNumber": 42, "RunType": "cismono"},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := conditions.NewMemoryStore()
			store.Put(tt.entry)

			sel := runselect.NewSelector(newLogger(), store, store, testConfig())

			runs, err := sel.SelectRuns(context.Background(), 100, nil)
			require.NoError(t, err)
			assert.Empty(t, runs)
		})
	}
}

func TestSelectRuns_DropsMalformedRun(t *testing.T) {
	t.Parallel()

	store := scenarioStore(2000)
	store.Put(
		runEntry(config.DefaultSORFolder, 101, map[string]any{
			"RunNumber":        101,
			"SORTime":          "garbage",
			"RunType":          "cismono",
			"RecordingEnabled": true,
		}),
		runEntry(config.DefaultEORFolder, 101, map[string]any{
			"RunNumber": 101,
			"CleanStop": true,
		}),
		runEntry(config.DefaultEventCountersFolder, 101, map[string]any{
			"RecordedEvents": 2000,
		}),
	)

	sel := runselect.NewSelector(newLogger(), store, store, testConfig())

	runs, err := sel.SelectRuns(context.Background(), 0, scenarioConstraints())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, uint32(100), runs[0].RunNumber)
}

func TestSelectRuns_SortedAndIdempotent(t *testing.T) {
	t.Parallel()

	store := conditions.NewMemoryStore()
	for _, run := range []uint32{305, 101, 250, 199} {
		store.Put(runEntry(config.DefaultSORFolder, run, map[string]any{
			"RunNumber": int(run),
			"RunType":   "cismono",
		}))
	}

	sel := runselect.NewSelector(newLogger(), store, store, testConfig())
	cs := selection.Constraints{selection.Equals("RunType", "cismono")}

	first, err := sel.SelectRuns(context.Background(), 0, cs)
	require.NoError(t, err)

	second, err := sel.SelectRuns(context.Background(), 0, cs)
	require.NoError(t, err)

	require.Len(t, first, 4)

	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].RunNumber, first[i].RunNumber)
	}

	assert.Equal(t, first, second)
}

func TestSelectRuns_RunWithoutEndOfRun(t *testing.T) {
	t.Parallel()

	store := conditions.NewMemoryStore()
	store.Put(runEntry(config.DefaultSORFolder, 100, map[string]any{
		"RunNumber": 100,
		"RunType":   "cismono",
	}))

	sel := runselect.NewSelector(newLogger(), store, store, testConfig())

	runs, err := sel.SelectRuns(context.Background(), 0, selection.Constraints{
		selection.Equals("RunType", "cismono"),
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].CleanStop)
	assert.Nil(t, runs[0].GainStrategy)

	// A constraint on an end-of-run field rejects the run.
	runs, err = sel.SelectRuns(context.Background(), 0, selection.Constraints{
		selection.Equals("CleanStop", true),
	})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSelectRuns_PreFilterDefersMissingFields(t *testing.T) {
	t.Parallel()

	// RecordingEnabled only appears in the end-of-run entry.
	store := conditions.NewMemoryStore()
	store.Put(
		runEntry(config.DefaultSORFolder, 100, map[string]any{
			"RunNumber": 100,
			"RunType":   "cismono",
		}),
		runEntry(config.DefaultEORFolder, 100, map[string]any{
			"RunNumber":        100,
			"RecordingEnabled": true,
		}),
	)

	sel := runselect.NewSelector(newLogger(), store, store, testConfig())

	runs, err := sel.SelectRuns(context.Background(), 0, selection.Constraints{
		selection.Equals("RunType", "cismono"),
		selection.Equals("RecordingEnabled", true),
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].RecordingEnabled)
}

func TestSelectRuns_NearestEnclosingGain(t *testing.T) {
	t.Parallel()

	store := conditions.NewMemoryStore()
	store.Put(
		runEntry(config.DefaultSORFolder, 100, map[string]any{
			"RunNumber": 100,
			"SORTime":   sorTime100,
		}),
		// Overlapping intervals, wider one listed last.
		gainEntry(sorTime100-10, sorTime100+10, "Narrow"),
		gainEntry(sorTime100-1000, sorTime100+1000, "Wide"),
		// Duplicate since: only the first entry counts.
		gainEntry(sorTime100-10, sorTime100+10, "Duplicate"),
		// Does not enclose: until is exclusive.
		gainEntry(sorTime100-5, sorTime100, "Ended"),
	)

	sel := runselect.NewSelector(newLogger(), store, store, testConfig())

	runs, err := sel.SelectRuns(context.Background(), 0, nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "Narrow", runs[0].Gain())

	runs, err = sel.SelectRuns(context.Background(), 0, selection.Constraints{
		selection.Equals("GainStrategy", "Narrow"),
	})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSelectRuns_GainFromSeparateStore(t *testing.T) {
	t.Parallel()

	tdaq := conditions.NewMemoryStore()
	tdaq.Put(runEntry(config.DefaultSORFolder, 100, map[string]any{
		"RunNumber": 100,
		"SORTime":   sorTime100,
	}))

	trigger := conditions.NewMemoryStore()
	trigger.Put(gainEntry(0, conditions.ValidityKeyMax, "GainTwo"))

	sel := runselect.NewSelector(newLogger(), tdaq, trigger, testConfig())

	runs, err := sel.SelectRuns(context.Background(), 0, nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "GainTwo", runs[0].Gain())
}

func TestSelectRuns_StoreErrorIsFatal(t *testing.T) {
	t.Parallel()

	for _, folder := range []string{
		config.DefaultSORFolder,
		config.DefaultEORFolder,
		config.DefaultEventCountersFolder,
		config.DefaultGainStrategyFolder,
	} {
		folder := folder
		t.Run(folder, func(t *testing.T) {
			t.Parallel()

			store := &countingStore{Store: scenarioStore(2000), failOn: folder}
			sel := runselect.NewSelector(newLogger(), store, store, testConfig())

			runs, err := sel.SelectRuns(context.Background(), 0, scenarioConstraints())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "connection refused")
			assert.Nil(t, runs)
		})
	}
}
