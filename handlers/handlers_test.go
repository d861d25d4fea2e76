package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/database/memory"
	"github.com/Daniel865692/energy-management-platform/models"
	"github.com/Daniel865692/energy-management-platform/services"
	"github.com/Daniel865692/energy-management-platform/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeArchiver struct {
	deviceID string
	filename string
	data     []byte
	err      error
}

func (f *fakeArchiver) Archive(ctx context.Context, deviceID, filename string, at time.Time, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.deviceID, f.filename, f.data = deviceID, filename, data
	return "exports/device=" + deviceID + "/" + filename, nil
}

type testServer struct {
	router *gin.Engine
	store  *memory.Store
	hub    *websocket.Hub
}

func newDeps(t *testing.T, db database.Adapter) Deps {
	t.Helper()
	hub := websocket.NewHub(websocket.Options{BufferSize: 10})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	detector := services.NewAnomalyDetector(models.DefaultAnomalyThresholds())
	return Deps{
		DB:              db,
		Hub:             hub,
		Detector:        detector,
		Orchestrator:    services.NewOrchestrator(db, detector, hub),
		Dispatcher:      services.NewCommandDispatcher(db, hub),
		DefaultDeviceID: "ESP32_001",
	}
}

func newTestServer(t *testing.T, opts RouterOptions, configure func(*Deps)) *testServer {
	t.Helper()
	store := memory.New(memory.Options{AutoConfirm: true})
	require.NoError(t, store.Connect(context.Background()))

	deps := newDeps(t, store)
	if configure != nil {
		configure(&deps)
	}
	return &testServer{router: NewRouter(New(deps), opts), store: store, hub: deps.Hub}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func validReading() map[string]interface{} {
	return map[string]interface{}{
		"deviceId":    "ESP32_001",
		"voltage":     230.5,
		"current":     5.2,
		"power":       1.2,
		"powerFactor": 0.95,
		"frequency":   50.0,
	}
}

func TestPostEnergyDataThenLatest(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)

	w := s.do(t, http.MethodPost, "/api/energy/data", validReading())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	assert.Equal(t, true, created["success"])
	assert.Equal(t, "Energy data stored successfully", created["message"])
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	w = s.do(t, http.MethodGet, "/api/energy/latest/ESP32_001", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, id, data["id"])
	assert.Equal(t, 230.5, data["voltage"])
	assert.Equal(t, "device", data["source"])

	// the default device is used without a path parameter
	w = s.do(t, http.MethodGet, "/api/energy/latest", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Len(t, s.hub.Recent("ESP32_001", 0), 1)
}

func TestPostEnergyData_Validation(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)

	reading := validReading()
	reading["voltage"] = 400
	reading["frequency"] = "fast"

	w := s.do(t, http.MethodPost, "/api/energy/data", reading)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Validation failed", body["error"])

	details := body["details"].([]interface{})
	require.Len(t, details, 2)
	assert.Equal(t, "voltage", details[0].(map[string]interface{})["field"])
	assert.Equal(t, "frequency", details[1].(map[string]interface{})["field"])

	w = s.do(t, http.MethodPost, "/api/energy/data", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid request body", decode(t, w)["error"])
}

func TestPostEnergyData_StorageFailureHidesInternals(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := database.NewMockAdapter(ctrl)
	db.EXPECT().Name().Return("postgres").AnyTimes()
	db.EXPECT().StoreReading(gomock.Any(), gomock.Any()).
		Return("", database.Wrap("postgres", "store reading", errors.New("pq: relation energy_readings does not exist")))

	router := NewRouter(New(newDeps(t, db)), RouterOptions{})
	req := httptest.NewRequest(http.MethodPost, "/api/energy/data", strings.NewReader(`{"deviceId":"ESP32_001","voltage":230,"current":1,"power":0.2,"powerFactor":0.9,"frequency":50}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "energy_readings")
	assert.Equal(t, "Internal server error", decode(t, w)["error"])
}

func TestGetLatest_NotFound(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)

	w := s.do(t, http.MethodGet, "/api/energy/latest/UNKNOWN", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decode(t, w)
	assert.Equal(t, "No data found", body["error"])
	assert.Equal(t, "No recent data found for device UNKNOWN", body["message"])
}

func TestGetHistory(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/energy/data", validReading()).Code)
	}

	w := s.do(t, http.MethodGet, "/api/energy/history/ESP32_001?hours=200", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Maximum history range is 168 hours (7 days)", decode(t, w)["message"])

	w = s.do(t, http.MethodGet, "/api/energy/history/ESP32_001?hours=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/energy/history/ESP32_001?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"], 2)
	meta := body["meta"].(map[string]interface{})
	assert.Equal(t, float64(24), meta["hours"])
	assert.Equal(t, float64(2), meta["count"])

	w = s.do(t, http.MethodGet, "/api/energy/history/OTHER", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, decode(t, w)["data"])
}

func TestGetStats(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/energy/data", validReading()).Code)

	w := s.do(t, http.MethodGet, "/api/energy/stats/ESP32_001?period=week", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "week", body["meta"].(map[string]interface{})["period"])
	assert.Equal(t, float64(1), body["data"].(map[string]interface{})["readingCount"])

	w = s.do(t, http.MethodGet, "/api/energy/stats?period=year", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommandAndStatus(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)

	w := s.do(t, http.MethodGet, "/api/devices/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/devices/command", map[string]interface{}{
		"deviceId": "ESP32_001",
		"command":  "ON",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Command 'ON' sent to device 'ESP32_001'", body["message"])
	assert.NotEmpty(t, body["commandId"])

	w = s.do(t, http.MethodGet, "/api/devices/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ON", decode(t, w)["data"].(map[string]interface{})["status"])

	w = s.do(t, http.MethodPost, "/api/devices/command", map[string]interface{}{
		"deviceId": "ESP32_001",
		"command":  "DIM",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Validation failed", decode(t, w)["error"])
	pending, err := s.store.PendingCommands(context.Background(), "ESP32_001", time.Time{})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPostCommand_DispatchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := database.NewMockAdapter(ctrl)
	db.EXPECT().Name().Return("mongodb").AnyTimes()
	db.EXPECT().SendDeviceCommand(gomock.Any(), gomock.Any()).Return("", errors.New("server selection timeout"))

	router := NewRouter(New(newDeps(t, db)), RouterOptions{})
	req := httptest.NewRequest(http.MethodPost, "/api/devices/command", strings.NewReader(`{"deviceId":"ESP32_001","command":"OFF"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "selection")
}

func TestGetPendingCommands(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)

	for _, cmd := range []string{"ON", "OFF"} {
		w := s.do(t, http.MethodPost, "/api/devices/command", map[string]interface{}{
			"deviceId": "ESP32_002",
			"command":  cmd,
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := s.do(t, http.MethodGet, "/api/devices/commands/ESP32_002", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(2), body["count"])
	data := body["data"].([]interface{})
	assert.Equal(t, "ON", data[0].(map[string]interface{})["command"])

	future := time.Now().Add(time.Hour).UnixMilli()
	w = s.do(t, http.MethodGet, "/api/devices/commands/ESP32_002?since="+strconv.FormatInt(future, 10), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	w = s.do(t, http.MethodGet, "/api/devices/commands?since="+time.Now().Add(time.Hour).UTC().Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["data"])

	w = s.do(t, http.MethodGet, "/api/devices/commands/ESP32_002?since=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid since", decode(t, w)["error"])
}

func TestGetPendingCommands_BackendWithoutQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := database.NewMockAdapter(ctrl)
	db.EXPECT().Name().Return("thingspeak").AnyTimes()

	router := NewRouter(New(newDeps(t, db)), RouterOptions{})
	req := httptest.NewRequest(http.MethodGet, "/api/devices/commands/ESP32_001", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Contains(t, w.Body.String(), "thingspeak")
}

func TestPostDeviceStatus(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)

	w := s.do(t, http.MethodPost, "/api/devices/status", map[string]string{"status": "OFF"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	status, err := s.store.GetDeviceStatus(context.Background(), "ESP32_001")
	require.NoError(t, err)
	assert.Equal(t, models.StateOff, status.Status)

	w = s.do(t, http.MethodPost, "/api/devices/status", map[string]string{"deviceId": "ESP32_002", "status": "MAYBE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlerts(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)

	w := s.do(t, http.MethodPost, "/api/alerts", map[string]string{
		"type":     "maintenance",
		"message":  "Inspect breaker",
		"priority": "low",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Alert created successfully", body["message"])
	assert.NotEmpty(t, body["alertId"])

	w = s.do(t, http.MethodPost, "/api/alerts", map[string]string{"type": "x", "message": "y", "priority": "urgent"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].([]interface{})
	require.Len(t, data, 1)
	assert.Equal(t, "Inspect breaker", data[0].(map[string]interface{})["message"])

	w = s.do(t, http.MethodGet, "/api/alerts?resolved=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["data"])
}

func TestHighConsumptionRaisesAlert(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)

	reading := validReading()
	reading["power"] = 5.0
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/energy/data", reading).Code)

	alerts, err := s.store.GetAlerts(context.Background(), false, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertHighConsumption, alerts[0].Type)
	assert.Equal(t, models.PriorityHigh, alerts[0].Priority)
}

func postAt(t *testing.T, s *testServer, ts string, power float64) {
	t.Helper()
	reading := validReading()
	reading["timestamp"] = ts
	reading["power"] = power
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/energy/data", reading).Code)
}

func TestExport(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)
	postAt(t, s, "2024-01-15T10:00:00Z", 1.0)
	postAt(t, s, "2024-01-15T22:30:00Z", 2.0)
	postAt(t, s, "2024-01-16T08:00:00Z", 3.0)

	w := s.do(t, http.MethodGet, "/api/energy/export/ESP32_001?start=2024-01-15&end=2024-01-15", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	data := body["data"].([]interface{})
	require.Len(t, data, 2)
	assert.Equal(t, 1.0, data[0].(map[string]interface{})["power"])
	assert.Equal(t, float64(2), body["meta"].(map[string]interface{})["count"])

	w = s.do(t, http.MethodGet, "/api/energy/export/ESP32_001?start=2024-01-15T00:00:00Z&end=2024-01-16T23:59:59Z&format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "attachment; filename=energy_data_ESP32_001.csv", w.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv"))

	records, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "ESP32_001", records[1][1])
	assert.Equal(t, "2024-01-15T10:00:00Z", records[1][7])

	// inverted range is empty, not an error
	w = s.do(t, http.MethodGet, "/api/energy/export/ESP32_001?start=2024-01-16&end=2024-01-15", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["data"])
}

func TestExport_BadParameters(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)

	tests := []struct {
		name  string
		query string
		error string
	}{
		{"missing end", "?start=2024-01-15", "Missing parameters"},
		{"missing both", "", "Missing parameters"},
		{"bad date", "?start=yesterday&end=2024-01-15", "Invalid parameters"},
		{"bad format", "?start=2024-01-15&end=2024-01-15&format=xml", "Invalid format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/api/energy/export"+tt.query, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.error, decode(t, w)["error"])
		})
	}
}

func TestRenderCSV_Quoting(t *testing.T) {
	data, err := RenderCSV([]models.Reading{{
		ID:        "1",
		DeviceID:  `lab "A", bench 2`,
		Voltage:   230,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:    models.SourceOperator,
	}})
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, `lab "A", bench 2`, records[1][1])
	assert.Equal(t, "230", records[1][2])
	assert.Equal(t, "operator", records[1][8])
}

func TestPostArchive(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)
	w := s.do(t, http.MethodPost, "/api/energy/export/ESP32_001/archive?start=2024-01-15&end=2024-01-15", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	archiver := &fakeArchiver{}
	s = newTestServer(t, RouterOptions{}, func(d *Deps) { d.Archiver = archiver })
	postAt(t, s, "2024-01-15T10:00:00Z", 1.0)

	w = s.do(t, http.MethodPost, "/api/energy/export/ESP32_001/archive?start=2024-01-15&end=2024-01-15", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "exports/device=ESP32_001/energy_data_ESP32_001.csv", decode(t, w)["object"])
	assert.Equal(t, "ESP32_001", archiver.deviceID)
	assert.Contains(t, string(archiver.data), "2024-01-15T10:00:00Z")

	archiver.err = errors.New("bucket missing")
	w = s.do(t, http.MethodPost, "/api/energy/export/ESP32_001/archive?start=2024-01-15&end=2024-01-15", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetLive(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/energy/data", validReading()).Code)
	}

	w := s.do(t, http.MethodGet, "/api/energy/live/ESP32_001?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 2)

	w = s.do(t, http.MethodGet, "/api/energy/live/NOBODY", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["data"])
}

func TestAnomalyThresholds(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)

	w := s.do(t, http.MethodGet, "/api/anomaly/thresholds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	thresholds := decode(t, w)["thresholds"].(map[string]interface{})
	assert.Equal(t, 3.5, thresholds["high_consumption_power"])

	w = s.do(t, http.MethodPut, "/api/anomaly/thresholds", models.AnomalyThresholds{
		HighConsumptionPower: 2, VoltageMin: 210, VoltageMax: 240, PowerFactorMin: 0.9,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPut, "/api/anomaly/thresholds", models.AnomalyThresholds{
		HighConsumptionPower: 2, VoltageMin: 250, VoltageMax: 240, PowerFactorMin: 0.9,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/anomaly/thresholds", nil)
	assert.Equal(t, 2.0, decode(t, w)["thresholds"].(map[string]interface{})["high_consumption_power"])
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, func(d *Deps) {
		d.State = func() database.State { return database.StateRetrying }
	})

	w := s.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "OK", body["status"])
	db := body["database"].(map[string]interface{})
	assert.Equal(t, "memory", db["type"])
	assert.Equal(t, false, db["connected"])
	assert.Equal(t, "retrying", db["state"])
}

func TestNotFoundAndRecovery(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)
	w := s.do(t, http.MethodGet, "/api/nothing/here", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "The requested endpoint was not found", decode(t, w)["message"])

	ctrl := gomock.NewController(t)
	db := database.NewMockAdapter(ctrl)
	db.EXPECT().GetAlerts(gomock.Any(), false, defaultAlertLimit).DoAndReturn(
		func(ctx context.Context, resolved bool, limit int) ([]models.Alert, error) {
			panic("driver exploded")
		})

	router := NewRouter(New(newDeps(t, db)), RouterOptions{})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "An unexpected error occurred", decode(t, w)["message"])
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	s := newTestServer(t, RouterOptions{RateLimiter: limiter}, nil)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/health", nil).Code)

	w := s.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Too many requests", decode(t, w)["error"])

	// outside the api group
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)

	assert.True(t, limiter.Allow("10.0.0.9"))
	assert.Nil(t, NewRateLimiter(0, time.Minute))
}

func TestRateLimiter_SweepForgetsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))

	now = now.Add(30 * time.Second)
	assert.True(t, limiter.Allow("10.0.0.2"))
	assert.Equal(t, 2, limiter.tracked())

	now = now.Add(45 * time.Second)
	limiter.Sweep()
	assert.Equal(t, 1, limiter.tracked())

	now = now.Add(2 * time.Minute)
	limiter.Sweep()
	assert.Equal(t, 0, limiter.tracked())
	assert.True(t, limiter.Allow("10.0.0.1"))
}

func TestRateLimiter_RunSweepsOnTicker(t *testing.T) {
	limiter := NewRateLimiter(1, 10*time.Millisecond)
	assert.True(t, limiter.Allow("10.0.0.1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		limiter.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return limiter.tracked() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, RouterOptions{AllowedOrigins: []string{"http://localhost:3000"}}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/energy/data", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPostThenLatest_HighPowerScenario(t *testing.T) {
	s := newTestServer(t, RouterOptions{}, nil)

	w := s.do(t, http.MethodPost, "/api/energy/data", map[string]interface{}{
		"voltage": 230, "current": 5, "power": 1150, "powerFactor": 0.95, "frequency": 50, "deviceId": "ESP32_001",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/energy/latest/ESP32_001", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, 230.0, data["voltage"])
	assert.Equal(t, 5.0, data["current"])
	assert.Equal(t, 1150.0, data["power"])
	assert.Equal(t, 0.95, data["powerFactor"])
	assert.Equal(t, 50.0, data["frequency"])
}
