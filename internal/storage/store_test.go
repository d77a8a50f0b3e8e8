package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateMeterSeedsBalance(t *testing.T) {
	store := openTestStore(t)

	err := store.CreateMeter(&Meter{MeterID: "METER_001", Location: "Lab"}, 100)
	require.NoError(t, err)

	m, err := store.GetMeter("METER_001")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, m.ConnectionStatus)

	bal, err := store.GetBalance("METER_001")
	require.NoError(t, err)
	assert.Equal(t, 100.0, bal.CurrentBalance)
}

func TestEnsureMeterIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.EnsureMeter(&Meter{MeterID: "METER_001"}, 50))
	require.NoError(t, store.EnsureMeter(&Meter{MeterID: "METER_001"}, 999))

	bal, err := store.GetBalance("METER_001")
	require.NoError(t, err)
	assert.Equal(t, 50.0, bal.CurrentBalance)
}

func TestGetMeterNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetMeter("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateConnectionStatus(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateMeter(&Meter{MeterID: "METER_001"}, 0))

	require.NoError(t, store.UpdateConnectionStatus("METER_001", StatusDisconnected))
	m, err := store.GetMeter("METER_001")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, m.ConnectionStatus)

	assert.ErrorIs(t, store.UpdateConnectionStatus("missing", StatusConnected), ErrNotFound)
}

func TestApplyBalanceChange(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateMeter(&Meter{MeterID: "METER_001"}, 20))

	before, after, err := store.ApplyBalanceChange("METER_001", uuid.NewString(), TxnConsumption, "test", -5)
	require.NoError(t, err)
	assert.Equal(t, 20.0, before)
	assert.Equal(t, 15.0, after)

	txns, err := store.Transactions("METER_001", 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, TxnConsumption, txns[0].Type)
	assert.Equal(t, -5.0, txns[0].Amount)

	_, _, err = store.ApplyBalanceChange("missing", uuid.NewString(), TxnRecharge, "test", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSamplesInRange(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveSample(&RealtimeSample{
			MeterID:        "METER_001",
			Timestamp:      now.Add(-time.Duration(i) * time.Minute),
			EnergyConsumed: 0.01,
		}))
	}

	samples, err := store.SamplesInRange("METER_001", now.Add(-2*time.Minute), now)
	require.NoError(t, err)
	assert.Len(t, samples, 3)

	latest, err := store.LatestSample("METER_001")
	require.NoError(t, err)
	assert.WithinDuration(t, now, latest.Timestamp, time.Second)
}

func TestAlertReadFlags(t *testing.T) {
	store := openTestStore(t)

	a := &Alert{MeterID: "METER_001", AlertType: "high_voltage", Severity: SeverityWarning}
	require.NoError(t, store.SaveAlert(a))
	require.NoError(t, store.SaveAlert(&Alert{MeterID: "METER_001", AlertType: "low_balance", Severity: SeverityCritical}))

	unread, err := store.Alerts("METER_001", 10, true)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	require.NoError(t, store.MarkAlertRead(a.ID))
	unread, err = store.Alerts("METER_001", 10, true)
	require.NoError(t, err)
	assert.Len(t, unread, 1)

	require.NoError(t, store.MarkAllAlertsRead("METER_001"))
	unread, err = store.Alerts("METER_001", 10, true)
	require.NoError(t, err)
	assert.Empty(t, unread)

	summary, err := store.GetAlertsSummary("METER_001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.TotalAlerts)
	assert.Equal(t, int64(0), summary.UnreadAlerts)
	assert.Equal(t, int64(1), summary.CriticalAlerts)
}

func TestWebhookCRUDAndSubscription(t *testing.T) {
	store := openTestStore(t)

	hook := &Webhook{Name: "billing", URL: "http://example.com/hook", IsActive: true}
	require.NoError(t, hook.SetEvents([]string{"recharge_completed", "alert_created"}))
	require.NoError(t, store.CreateWebhook(hook))

	active, err := store.ActiveWebhooks()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].SubscribesTo("recharge_completed"))
	assert.False(t, active[0].SubscribesTo("meter_connected"))

	wildcard := &Webhook{Name: "audit", URL: "http://example.com/audit", IsActive: true}
	require.NoError(t, wildcard.SetEvents([]string{"*"}))
	require.NoError(t, store.CreateWebhook(wildcard))
	assert.True(t, wildcard.SubscribesTo("anything"))

	hook.IsActive = false
	require.NoError(t, store.UpdateWebhook(hook))
	active, err = store.ActiveWebhooks()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, store.DeleteWebhook(wildcard.ID))
	assert.ErrorIs(t, store.DeleteWebhook(wildcard.ID), ErrNotFound)
}

func TestRetentionPruning(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	require.NoError(t, store.SaveSample(&RealtimeSample{MeterID: "M", Timestamp: now.AddDate(0, 0, -2)}))
	require.NoError(t, store.SaveSample(&RealtimeSample{MeterID: "M", Timestamp: now}))

	deleted, err := store.DeleteSamplesBefore(now.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := store.CountSamples("M")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
