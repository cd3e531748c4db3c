package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixci/runner-controller/internal/stateindex"
)

type fakeStateIndex struct {
	entries []stateindex.Entry
	err     error
}

func (f fakeStateIndex) List() ([]stateindex.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func newTestEcho(h *Handler) *echo.Echo {
	e := echo.New()
	h.RegisterRoutes(e)
	return e
}

func TestHealthReturns200NoBody(t *testing.T) {
	h := New(fakeStateIndex{}, 7, 10*time.Second, time.Hour)
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestStatusReportsActiveContainers(t *testing.T) {
	now := time.Now().Unix()
	state := fakeStateIndex{entries: []stateindex.Entry{
		{Name: "ci-runner-1", Assignment: stateindex.Assignment{JobID: 1, StartedAt: now - 30}},
	}}
	h := New(state, 7, 10*time.Second, time.Hour)
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"ci-runner-1"`)
	assert.Contains(t, rec.Body.String(), `"job_id":1`)
	assert.Contains(t, rec.Body.String(), `"max_concurrent":7`)
}

func TestStatusEmptyWhenNoActiveContainers(t *testing.T) {
	h := New(fakeStateIndex{}, 7, 10*time.Second, time.Hour)
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active_containers":[]`)
}

func TestStatusReturns500OnStateError(t *testing.T) {
	h := New(fakeStateIndex{err: errors.New("boom")}, 7, 10*time.Second, time.Hour)
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
