package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/caf/pkg/catalog"
	"github.com/ethpandaops/caf/pkg/config"
	"github.com/ethpandaops/caf/pkg/runselect"
)

func setupTestServer(t *testing.T, cfg *config.APIConfig) *httptest.Server {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cat := catalog.NewCatalog(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, cat.Start(context.Background()))

	t.Cleanup(func() { _ = cat.Stop() })

	ctx := context.Background()

	for _, d := range []struct {
		listener string
		run      uint32
		runType  string
	}{
		{"TileEnergyScan", 300, "cismono"},
		{"TileEnergyScan", 100, "cismono"},
		{"LArEnergyScan", 100, "cismono"},
		{"LArEnergyScan", 200, "LarCalibL1Calo"},
	} {
		require.NoError(t, cat.RecordDiscovery(ctx, d.listener, runselect.RunRecord{
			RunNumber:      d.run,
			RunType:        d.runType,
			RecordedEvents: 2000,
		}, []string{"/eos/raw/file.data"}))
	}

	_, err := cat.CreateJob(ctx, 100, "TileEnergyScan", "jobs/00000100")
	require.NoError(t, err)

	srv := NewServer(log, cfg, cat).(*server)
	ts := httptest.NewServer(srv.buildRouter())

	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop()
	})

	return ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()

	resp, err := http.Get(url) //nolint:gosec,noctx // Test server URL.
	require.NoError(t, err)

	defer resp.Body.Close()

	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}

	return resp.StatusCode
}

type runsBody struct {
	Runs []catalog.Run `json:"runs"`
}

func runNumbers(runs []catalog.Run) []uint32 {
	out := make([]uint32, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.RunNumber)
	}

	return out
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t, &config.APIConfig{})

	var body map[string]string

	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestListRuns(t *testing.T) {
	ts := setupTestServer(t, &config.APIConfig{})

	tests := []struct {
		name   string
		query  string
		status int
		want   []uint32
	}{
		{name: "all ascending", query: "", status: http.StatusOK, want: []uint32{100, 200, 300}},
		{name: "by listener", query: "?listener=TileEnergyScan", status: http.StatusOK, want: []uint32{100, 300}},
		{name: "by run type", query: "?run_type=LarCalibL1Calo", status: http.StatusOK, want: []uint32{200}},
		{name: "min run", query: "?min_run=150", status: http.StatusOK, want: []uint32{200, 300}},
		{name: "limit", query: "?limit=2", status: http.StatusOK, want: []uint32{100, 200}},
		{name: "bad min run", query: "?min_run=abc", status: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=0", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body runsBody

			status := getJSON(t, ts.URL+"/api/v1/runs"+tt.query, &body)
			require.Equal(t, tt.status, status)

			if tt.status == http.StatusOK {
				assert.Equal(t, tt.want, runNumbers(body.Runs))
			}
		})
	}
}

func TestGetRun(t *testing.T) {
	ts := setupTestServer(t, &config.APIConfig{})

	var run catalog.Run

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/runs/100", &run))
	assert.Equal(t, uint32(100), run.RunNumber)
	require.Len(t, run.Files, 1)
	assert.Equal(t, "/eos/raw/file.data", run.Files[0].Name)
	require.Len(t, run.Listeners, 2)
	assert.Equal(t, "LArEnergyScan", run.Listeners[0].Name)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/runs/999", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/v1/runs/abc", nil))
}

func TestListeners(t *testing.T) {
	ts := setupTestServer(t, &config.APIConfig{})

	var body struct {
		Listeners []catalog.Listener `json:"listeners"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/listeners", &body))
	require.Len(t, body.Listeners, 2)
	assert.Equal(t, "LArEnergyScan", body.Listeners[0].Name)

	var runs runsBody

	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/api/v1/listeners/LArEnergyScan/runs", &runs))
	assert.Equal(t, []uint32{100, 200}, runNumbers(runs.Runs))

	assert.Equal(t, http.StatusNotFound,
		getJSON(t, ts.URL+"/api/v1/listeners/Unknown/runs", nil))
}

func TestListJobs(t *testing.T) {
	ts := setupTestServer(t, &config.APIConfig{})

	var body struct {
		Jobs []catalog.Job `json:"jobs"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/jobs", &body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "TileEnergyScan", body.Jobs[0].Analysis)
	assert.Equal(t, catalog.JobStatusNew, body.Jobs[0].Status)
	require.NotNil(t, body.Jobs[0].Run)
	assert.Equal(t, uint32(100), body.Jobs[0].Run.RunNumber)

	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/api/v1/jobs?status="+catalog.JobStatusDone, &body))
	assert.Empty(t, body.Jobs)
}

func TestRateLimit(t *testing.T) {
	ts := setupTestServer(t, &config.APIConfig{
		Server: config.APIServerConfig{
			RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
		},
	})

	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/listeners", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/listeners", nil))
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, ts.URL+"/api/v1/listeners", nil))

	resp, err := http.Get(ts.URL + "/api/v1/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))

	// Health is not rate limited.
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/health", nil))
}

func TestClientLimits(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	limits := newClientLimits(2)
	limits.now = func() time.Time { return now }

	assert.True(t, limits.allow("1.2.3.4"))
	assert.True(t, limits.allow("1.2.3.4"))
	assert.False(t, limits.allow("1.2.3.4"))
	assert.True(t, limits.allow("5.6.7.8"))

	now = now.Add(30 * time.Second)
	assert.True(t, limits.allow("1.2.3.4"))

	now = now.Add(clientIdleTimeout)
	limits.clients["5.6.7.8"].seen = now.Add(-2 * clientIdleTimeout)
	limits.clients["1.2.3.4"].seen = now

	assert.Equal(t, 1, limits.evictIdle(clientIdleTimeout))
	assert.Contains(t, limits.clients, "1.2.3.4")
	assert.NotContains(t, limits.clients, "5.6.7.8")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{name: "remote addr", remote: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "forwarded chain", xff: "1.2.3.4, 5.6.7.8", remote: "10.0.0.1:1234", want: "1.2.3.4"},
		{name: "no port", remote: "10.0.0.1", want: "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote

			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}
