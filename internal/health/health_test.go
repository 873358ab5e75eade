// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewarden/sitewarden/internal/store"
)

// staticChecker returns a fixed result.
type staticChecker struct {
	name   string
	result CheckResult
}

func (c staticChecker) Name() string                      { return c.name }
func (c staticChecker) Check(context.Context) CheckResult { return c.result }

func TestHealthAlwaysHealthyWithoutVerbose(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(staticChecker{name: "broken", result: CheckResult{Status: StatusUnhealthy}})

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.Empty(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks, "broken")
}

func TestReadyAggregation(t *testing.T) {
	m := NewManager("v1.0.0")
	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready, "no checkers means ready")

	m.RegisterChecker(staticChecker{name: "ok", result: CheckResult{Status: StatusHealthy}})
	m.RegisterChecker(staticChecker{name: "slow", result: CheckResult{Status: StatusDegraded}})
	resp = m.Ready(context.Background())
	assert.True(t, resp.Ready, "degraded components keep the scheduler ready")
	assert.Equal(t, StatusDegraded, resp.Status)

	m.RegisterChecker(staticChecker{name: "dead", result: CheckResult{Status: StatusUnhealthy, Error: "gone"}})
	resp = m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Checks, 3)
}

func TestServeReadyStatusCodes(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(staticChecker{name: "ok", result: CheckResult{Status: StatusHealthy}})

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	m.RegisterChecker(staticChecker{name: "dead", result: CheckResult{Status: StatusUnhealthy}})
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
}

func TestServeHealthVerbose(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(staticChecker{name: "ok", result: CheckResult{Status: StatusHealthy, Message: "fine"}})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Checks, "ok")
}

func TestStoreChecker(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	c := NewStoreChecker(s)
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	require.NoError(t, s.Close())
	res = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
}

func TestMemoryChecker(t *testing.T) {
	res := NewMemoryChecker(0).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status, "no limit disables the check")

	res = NewMemoryChecker(1).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status, "one byte is always exceeded")

	res = NewMemoryChecker(1 << 40).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
}

func TestDiskChecker(t *testing.T) {
	res := NewDiskChecker(t.TempDir()).Check(context.Background())
	assert.NotEqual(t, "", res.Status)

	res = NewDiskChecker("/does/not/exist").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
}

func TestRunningScansChecker(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	c := NewRunningScansChecker(s, 2)
	res := c.Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)

	for _, name := range []string{"a", "b"} {
		id, err := s.CreateWebsite(ctx, &store.Website{
			Name: name, URL: "https://" + name + ".example", Active: true,
		})
		require.NoError(t, err)
		_, err = s.CreateScanRun(ctx, id)
		require.NoError(t, err)
	}

	// At the cap the scheduler must not start more work.
	res = c.Check(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "2 running of 2 allowed", res.Message)

	res = NewRunningScansChecker(s, 0).Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status, "zero limit disables the check")

	res = NewRunningScansChecker(s, 100).Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
}
