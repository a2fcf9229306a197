package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"plantcare/internal/care"
	"plantcare/internal/clock"
	"plantcare/internal/coordinator"
	"plantcare/internal/ha"
	"plantcare/internal/integration"
	"plantcare/internal/metrics"
	"plantcare/internal/plant"
	"plantcare/internal/scheduler"
	"plantcare/internal/sensors"
	"plantcare/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	server  *Server
	integ   *integration.Integration
	ha      *ha.MockClient
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	db, err := storage.Open(filepath.Join(t.TempDir(), "plantcare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewMockClock(time.Date(2024, time.March, 20, 9, 0, 0, 0, loc))
	mock := ha.NewMockClient()
	m := metrics.New()
	integ := integration.New(integration.Config{
		Store:     db,
		Sensors:   sensors.NewRegistry(mock, logger),
		Scheduler: scheduler.New(loc, clk, logger),
		Clock:     clk,
		Location:  loc,
		Logger:    logger,
		Metrics:   m,
	})

	return &testServer{
		server:  NewServer(integ, m, logger, 8080),
		integ:   integ,
		ha:      mock,
		metrics: m,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decodePlant(t *testing.T, w *httptest.ResponseRecorder) PlantResponse {
	t.Helper()
	var resp PlantResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func (ts *testServer) createFern(t *testing.T) PlantResponse {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/plants", CreatePlantRequest{
		Name:    "Fern",
		Options: map[string]interface{}{"watering_interval_days": 5},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodePlant(t, w)
}

func TestCreateAndListPlants(t *testing.T) {
	ts := newTestServer(t)

	created := ts.createFern(t)
	assert.Equal(t, "fern", created.PlantID)
	assert.Equal(t, 5, created.Options.WateringIntervalDays)
	require.NotNil(t, created.Snapshot)
	assert.True(t, created.Snapshot.Tasks.Watering.IsDue)
	assert.True(t, created.LastUpdateSuccess)

	w := ts.do(t, http.MethodPost, "/api/plants", CreatePlantRequest{Name: "fern"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/api/plants", CreatePlantRequest{Name: ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/plants", CreatePlantRequest{Name: "Cactus", Options: map[string]interface{}{"sunlight": 3}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/plants", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var list []PlantResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, created.EntryID, list[0].EntryID)

	w = ts.do(t, http.MethodGet, "/api/plants/"+created.EntryID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Fern", decodePlant(t, w).PlantName)

	w = ts.do(t, http.MethodGet, "/api/plants/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarkDone(t *testing.T) {
	ts := newTestServer(t)
	fern := ts.createFern(t)

	w := ts.do(t, http.MethodPost, "/api/plants/"+fern.EntryID+"/tasks/watering/done", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodePlant(t, w)
	assert.False(t, resp.Snapshot.Tasks.Watering.IsDue)
	assert.Equal(t, "2024-03-25", resp.Snapshot.Tasks.Watering.NextDueDate.String())

	w = ts.do(t, http.MethodPost, "/api/plants/"+fern.EntryID+"/tasks/pruning/done", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/plants/missing/tasks/watering/done", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetOptionAndSource(t *testing.T) {
	ts := newTestServer(t)
	ts.ha.SetState("sensor.fern_temperature", "35.5", nil)
	fern := ts.createFern(t)
	base := "/api/plants/" + fern.EntryID

	w := ts.do(t, http.MethodPut, base+"/options/temp_max", map[string]interface{}{"value": 30})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPut, base+"/sources/temperature", SetSourceRequest{EntityID: "sensor.fern_temperature"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodePlant(t, w)
	temp := resp.Snapshot.Env.Temperature
	require.NotNil(t, temp.OutOfRange)
	assert.True(t, *temp.OutOfRange)
	assert.InDelta(t, 5.5, *temp.Deviation, 1e-9)

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{"unknown option", base + "/options/sunlight", map[string]interface{}{"value": 1}, http.StatusBadRequest},
		{"out of range", base + "/options/watering_interval_days", map[string]interface{}{"value": 1000}, http.StatusBadRequest},
		{"missing value", base + "/options/temp_max", map[string]interface{}{}, http.StatusBadRequest},
		{"unknown metric", base + "/sources/light", SetSourceRequest{EntityID: "sensor.x"}, http.StatusBadRequest},
		{"unknown entry", "/api/plants/missing/options/temp_max", map[string]interface{}{"value": 1}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestRefreshAndDelete(t *testing.T) {
	ts := newTestServer(t)
	fern := ts.createFern(t)

	w := ts.do(t, http.MethodPost, "/api/plants/"+fern.EntryID+"/refresh", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/refresh", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/plants/"+fern.EntryID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/plants/"+fern.EntryID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/plants/"+fern.EntryID+"/refresh", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthSitemapAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.createFern(t)

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, 1.0, health["plants"])

	w = ts.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/plants/{entry_id}/tasks/{task}/done")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))

	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `plantcare_task_due{plant_id="fern",task="watering"} 1`)
	assert.Contains(t, body, `route="/health"`)
}

// failingPlants fails every refresh with a storage error
type failingPlants struct {
	Plants
}

func (failingPlants) Coordinators() []*coordinator.Coordinator { return nil }

func (failingPlants) RefreshAll() error {
	return errors.New("database is locked")
}

func (failingPlants) MarkDone(entryID string, kind care.TaskKind) error {
	return integration.ErrEntryNotFound
}

func TestErrorStatus(t *testing.T) {
	server := NewServer(failingPlants{}, nil, zap.NewNop(), 8080)

	req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "database is locked", resp.Error)

	assert.Equal(t, http.StatusNotFound, statusFor(integration.ErrEntryNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(integration.ErrAlreadyConfigured))
	assert.Equal(t, http.StatusBadRequest, statusFor(plant.ErrOutOfRange))
	assert.Equal(t, http.StatusBadRequest, statusFor(care.ErrUnknownTask))
}
