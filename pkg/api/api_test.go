package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ethpandaops/energyoor/pkg/analysis"
	"github.com/ethpandaops/energyoor/pkg/config"
	"github.com/ethpandaops/energyoor/pkg/store"
)

type fixture struct {
	srv        *server
	handler    http.Handler
	resultsDir string
	sessionDir string
}

func setupServer(t *testing.T, cfg *config.APIConfig) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	resultsDir := t.TempDir()
	sessionDir := filepath.Join(resultsDir, "ubuntu", "20261019T101500Z_aaaa0001")
	require.NoError(t, os.MkdirAll(sessionDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "energy_measurements_ubuntu.csv"),
		[]byte("Run,Energy (J),Time (sec)\n0,10,2\n"), 0o644))

	ctx := context.Background()
	now := time.Date(2026, 10, 19, 10, 15, 0, 0, time.UTC)

	require.NoError(t, st.UpsertSession(ctx, &store.Session{
		SessionID: "aaaa0001", Workload: "ubuntu", Status: store.StatusCompleted,
		RunsConfigured: 3, RunsRecorded: 2, RunsFailed: 1, StartedAt: now, Dir: sessionDir,
	}))
	require.NoError(t, st.UpsertSession(ctx, &store.Session{
		SessionID: "bbbb0002", Workload: "cuda-base", Status: store.StatusCompleted,
		RunsConfigured: 1, RunsRecorded: 1, StartedAt: now.Add(time.Hour),
		Dir: filepath.Join(t.TempDir(), "elsewhere"),
	}))

	for _, r := range []store.RunRecord{
		{SessionID: "aaaa0001", Workload: "ubuntu", Run: 0, EnergyJoules: 10, DurationSeconds: 2},
		{SessionID: "aaaa0001", Workload: "ubuntu", Run: 2, EnergyJoules: 14, DurationSeconds: 2},
		{SessionID: "bbbb0002", Workload: "cuda-base", Run: 0, EnergyJoules: 24, DurationSeconds: 2},
	} {
		rec := r
		require.NoError(t, st.AppendRun(ctx, &rec))
	}

	srv, ok := NewServer(log, cfg, st, resultsDir).(*server)
	require.True(t, ok)
	t.Cleanup(func() { _ = srv.Stop() })

	return &fixture{
		srv:        srv,
		handler:    srv.buildRouter(),
		resultsDir: resultsDir,
		sessionDir: sessionDir,
	}
}

func (f *fixture) get(t *testing.T, path string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, m := range mutate {
		m(req)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

func TestHandlers(t *testing.T) {
	f := setupServer(t, &config.APIConfig{})

	tests := []struct {
		name       string
		path       string
		wantStatus int
		check      func(t *testing.T, body []byte)
	}{
		{
			name:       "health",
			path:       "/api/v1/health",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				assert.JSONEq(t, `{"status":"ok"}`, string(body))
			},
		},
		{
			name:       "list sessions newest first",
			path:       "/api/v1/sessions",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp struct {
					Sessions []store.Session `json:"sessions"`
				}
				require.NoError(t, json.Unmarshal(body, &resp))
				require.Len(t, resp.Sessions, 2)
				assert.Equal(t, "bbbb0002", resp.Sessions[0].SessionID)
			},
		},
		{
			name:       "list sessions by workload",
			path:       "/api/v1/sessions?workload=ubuntu",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp struct {
					Sessions []store.Session `json:"sessions"`
				}
				require.NoError(t, json.Unmarshal(body, &resp))
				require.Len(t, resp.Sessions, 1)
				assert.Equal(t, 1, resp.Sessions[0].RunsFailed)
			},
		},
		{
			name:       "get session",
			path:       "/api/v1/sessions/aaaa0001",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var sess store.Session
				require.NoError(t, json.Unmarshal(body, &sess))
				assert.Equal(t, "ubuntu", sess.Workload)
			},
		},
		{
			name:       "missing session",
			path:       "/api/v1/sessions/missing",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "list runs keeps gaps",
			path:       "/api/v1/sessions/aaaa0001/runs",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var resp struct {
					Runs []store.RunRecord `json:"runs"`
				}
				require.NoError(t, json.Unmarshal(body, &resp))
				require.Len(t, resp.Runs, 2)
				assert.Equal(t, 2, resp.Runs[1].Run)
			},
		},
		{
			name:       "workloads",
			path:       "/api/v1/workloads",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				assert.JSONEq(t, `{"workloads":["cuda-base","ubuntu"]}`, string(body))
			},
		},
		{
			name:       "summary of selected workloads",
			path:       "/api/v1/summary?workload=ubuntu&workload=cuda-base",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var summary analysis.Summary
				require.NoError(t, json.Unmarshal(body, &summary))
				require.Len(t, summary.Variants, 2)
				assert.Equal(t, "ubuntu", summary.Variants[0].Name)
				assert.InDelta(t, 12.0, summary.Variants[0].Energy.Mean, 1e-9)
				require.Len(t, summary.Comparisons, 1)
				assert.InDelta(t, 12.0, summary.Comparisons[0].MeanDiff, 1e-9)
				require.NotNil(t, summary.Comparisons[0].PercentChange)
				assert.InDelta(t, 100.0, *summary.Comparisons[0].PercentChange, 1e-9)
			},
		},
		{
			name:       "summary markdown",
			path:       "/api/v1/summary?format=markdown",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				assert.Contains(t, string(body), "# Energy Summary")
				assert.Contains(t, string(body), "| cuda-base | ubuntu |")
			},
		},
		{
			name:       "session file",
			path:       "/api/v1/sessions/aaaa0001/files/energy_measurements_ubuntu.csv",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				assert.Contains(t, string(body), "0,10,2")
			},
		},
		{
			name:       "session file traversal",
			path:       "/api/v1/sessions/aaaa0001/files/..%2F..%2Fsecret",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "session outside results root",
			path:       "/api/v1/sessions/bbbb0002/files/session.json",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, tt.path)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.check != nil {
				tt.check(t, rec.Body.Bytes())
			}
		})
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("reader-pass"), bcrypt.MinCost)
	require.NoError(t, err)

	f := setupServer(t, &config.APIConfig{
		Auth: config.APIAuthConfig{Basic: config.BasicAuthConfig{
			Enabled: true,
			Users:   []config.BasicAuthUser{{Username: "reader", PasswordHash: string(hash)}},
		}},
	})

	tests := []struct {
		name       string
		path       string
		user, pass string
		wantStatus int
	}{
		{name: "health is public", path: "/api/v1/health", wantStatus: http.StatusOK},
		{name: "missing credentials", path: "/api/v1/sessions", wantStatus: http.StatusUnauthorized},
		{name: "wrong password", path: "/api/v1/sessions", user: "reader", pass: "nope", wantStatus: http.StatusUnauthorized},
		{name: "unknown user", path: "/api/v1/sessions", user: "other", pass: "reader-pass", wantStatus: http.StatusUnauthorized},
		{name: "valid credentials", path: "/api/v1/sessions", user: "reader", pass: "reader-pass", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, tt.path, func(r *http.Request) {
				if tt.user != "" {
					r.SetBasicAuth(tt.user, tt.pass)
				}
			})
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	f := setupServer(t, &config.APIConfig{
		Server: config.APIServerConfig{
			RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
		},
	})

	setIP := func(ip string) func(*http.Request) {
		return func(r *http.Request) { r.RemoteAddr = ip + ":1234" }
	}

	assert.Equal(t, http.StatusOK, f.get(t, "/api/v1/health", setIP("10.0.0.1")).Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/api/v1/health", setIP("10.0.0.1")).Code)

	rec := f.get(t, "/api/v1/health", setIP("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, f.get(t, "/api/v1/health", setIP("10.0.0.2")).Code)
}

func TestClientLimiters_Sweep(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	cl := newClientLimiters(60)
	cl.now = func() time.Time { return now }

	assert.True(t, cl.allow("10.0.0.1"))

	now = now.Add(limiterIdleTTL / 2)
	assert.True(t, cl.allow("10.0.0.2"))

	now = now.Add(limiterIdleTTL/2 + time.Second)
	assert.Equal(t, 1, cl.sweep())
	assert.Equal(t, 1, cl.size())
	assert.Equal(t, time.Second, cl.retryAfter())
}

func TestCORS(t *testing.T) {
	f := setupServer(t, &config.APIConfig{
		Server: config.APIServerConfig{CORSOrigins: []string{"https://lab.example.org"}},
	})

	rec := f.get(t, "/api/v1/health", func(r *http.Request) {
		r.Header.Set("Origin", "https://lab.example.org")
	})
	assert.Equal(t, "https://lab.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.get(t, "/api/v1/health", func(r *http.Request) {
		r.Header.Set("Origin", "https://other.example.org")
	})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIsAllowedPath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{name: "valid simple path", path: "results/energy_results_ubuntu_0.csv", expected: true},
		{name: "valid file", path: "session.json", expected: true},
		{name: "empty path", path: "", expected: false},
		{name: "path traversal", path: "results/../../etc/passwd", expected: false},
		{name: "dot dot only", path: "..", expected: false},
		{name: "absolute path", path: "/etc/passwd", expected: false},
		{name: "trailing slash", path: "results/", expected: false},
		{name: "double slash", path: "results//x", expected: false},
		{name: "dot segment", path: "results/./x", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isAllowedPath(tt.path))
		})
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	assert.Equal(t, "192.0.2.1", extractIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", extractIP(req))
}

func TestServer_StartStop(t *testing.T) {
	f := setupServer(t, &config.APIConfig{
		Server: config.APIServerConfig{Listen: "127.0.0.1:0"},
	})

	require.NoError(t, f.srv.Start(context.Background()))

	resp, err := http.Get("http://" + f.srv.Addr() + "/api/v1/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.srv.Stop())
}
