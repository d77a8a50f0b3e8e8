package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"metersim/config"
	"metersim/internal/alerts"
	"metersim/internal/ledger"
	"metersim/internal/meter"
	"metersim/internal/rates"
	"metersim/internal/simulation"
	"metersim/internal/storage"
	"metersim/internal/webhook"
	"metersim/internal/ws"
)

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop()
	dispatcher := webhook.NewDispatcher(store, config.WebhookConfig{
		Timeout:       time.Second,
		RetryAttempts: 0,
		RetryDelay:    time.Millisecond,
	}, logger)
	emitter := alerts.NewEmitter(store, dispatcher, config.AlertConfig{
		LowBalance:      20,
		CriticalBalance: 5,
		HighConsumption: 5,
		VoltageHigh:     240,
		VoltageLow:      200,
	}, logger)
	ldg := ledger.New(store)

	schedule, err := rates.NewSchedule([]config.RateRule{
		{Name: "Flat", Price: 5.0, Start: "00:00", End: "00:00"},
	})
	require.NoError(t, err)

	simCfg := config.SimulationConfig{
		Voltage:     config.VoltageConfig{Nominal: 220, Min: 198, Max: 242, Fluctuation: 2},
		Current:     config.CurrentConfig{Min: 0.5, Max: 20, Idle: 1},
		PowerFactor: config.PowerFactorConfig{Min: 0.8, Max: 0.95},
		Frequency:   config.FrequencyConfig{Nominal: 50, Min: 49.5, Max: 50.5},
		LoadPattern: make([]float64, 24),
	}
	scheduler := simulation.NewScheduler(simulation.SchedulerConfig{
		MeterID:            "METER_001",
		RealtimeInterval:   time.Hour,
		HistoricalInterval: time.Hour,
		BalanceInterval:    time.Hour,
	}, store, meter.NewGenerator(simCfg), meter.NewAccumulator(), ldg, emitter, schedule, logger)
	t.Cleanup(scheduler.Stop)

	s := NewServer(ServerConfig{
		Port:       0,
		Store:      store,
		Ledger:     ldg,
		Emitter:    emitter,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Hub:        ws.NewHub(logger),
		Meter:      config.MeterConfig{MeterID: "METER_001", InitialBalance: 100},
		Logger:     logger,
	})
	return s, store
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	return got
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, true, got["success"])
}

func TestLatestReadingNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/api/v1/readings/latest", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRechargeFlow(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.CreateMeter(&storage.Meter{MeterID: "METER_001"}, 100))

	rec := doRequest(s, http.MethodPost, "/api/v1/balance/recharge", `{"amount": 50}`)

	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	data := got["data"].(map[string]any)
	assert.Equal(t, 100.0, data["balance_before"])
	assert.Equal(t, 150.0, data["balance_after"])
	assert.NotEmpty(t, data["transaction_id"])

	rec = doRequest(s, http.MethodGet, "/api/v1/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data = decodeBody(t, rec)["data"].(map[string]any)
	assert.Equal(t, 150.0, data["current_balance"])
	assert.Equal(t, "active", data["status"])

	rec = doRequest(s, http.MethodGet, "/api/v1/balance/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeBody(t, rec)["count"])
}

func TestRechargeRejectsBadAmount(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.CreateMeter(&storage.Meter{MeterID: "METER_001"}, 100))

	assert.Equal(t, http.StatusBadRequest,
		doRequest(s, http.MethodPost, "/api/v1/balance/recharge", `{"amount": -5}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		doRequest(s, http.MethodPost, "/api/v1/balance/recharge", `{}`).Code)
}

func TestRechargeUnknownMeter(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/balance/recharge", `{"meter_id": "nope", "amount": 50}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/webhooks",
		`{"name": "billing", "url": "http://example.com/hook", "events": ["recharge_completed"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["data"].(map[string]any)["ID"].(float64)

	rec = doRequest(s, http.MethodGet, "/api/v1/webhooks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeBody(t, rec)["count"])

	path := fmt.Sprintf("/api/v1/webhooks/%d", int(id))
	rec = doRequest(s, http.MethodPut, path,
		`{"name": "billing", "url": "http://example.com/hook", "events": ["*"], "is_active": false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, doRequest(s, http.MethodDelete, path, "").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(s, http.MethodDelete, path, "").Code)
}

func TestWebhookCreateRequiresFields(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/webhooks", `{"name": "incomplete"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeviceDisconnectAndReconnect(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.CreateMeter(&storage.Meter{MeterID: "METER_001"}, 100))

	rec := doRequest(s, http.MethodPost, "/api/v1/device/disconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)

	m, err := store.GetMeter("METER_001")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDisconnected, m.ConnectionStatus)

	raised, err := store.Alerts("METER_001", 10, false)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, alerts.TypeMeterDisconnected, raised[0].AlertType)

	rec = doRequest(s, http.MethodPost, "/api/v1/device/reconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)

	m, err = store.GetMeter("METER_001")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusConnected, m.ConnectionStatus)
}

func TestSimulationControlEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/api/v1/simulation/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["data"].(map[string]any)["running"])

	rec = doRequest(s, http.MethodPost, "/api/v1/simulation/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["data"].(map[string]any)["running"])

	rec = doRequest(s, http.MethodPost, "/api/v1/simulation/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["data"].(map[string]any)["running"])
}

func TestAlertsReadAll(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.SaveAlert(&storage.Alert{
		MeterID: "METER_001", AlertType: "high_voltage", Severity: storage.SeverityWarning,
	}))

	rec := doRequest(s, http.MethodGet, "/api/v1/alerts?unread=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeBody(t, rec)["count"])

	require.Equal(t, http.StatusOK, doRequest(s, http.MethodPost, "/api/v1/alerts/read-all", "").Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/alerts?unread=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, decodeBody(t, rec)["count"])
}
