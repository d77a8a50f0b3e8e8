package webhook

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"metersim/config"
	"metersim/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testDispatcher(t *testing.T, store *storage.Store) *Dispatcher {
	t.Helper()
	return NewDispatcher(store, config.WebhookConfig{
		Timeout:       2 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    10 * time.Millisecond,
	}, zap.NewNop())
}

func registerHook(t *testing.T, store *storage.Store, name, url, secret string, events ...string) {
	t.Helper()
	hook := &storage.Webhook{Name: name, URL: url, IsActive: true, SecretKey: secret}
	require.NoError(t, hook.SetEvents(events))
	require.NoError(t, store.CreateWebhook(hook))
}

func TestDispatchFansOutIndependently(t *testing.T) {
	store := openTestStore(t)

	var goodHits, badHits atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits.Add(1)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	registerHook(t, store, "good", good.URL, "", "recharge_completed")
	registerHook(t, store, "bad", bad.URL, "", "recharge_completed")

	d := testDispatcher(t, store)
	d.Dispatch(EventRechargeCompleted, "METER_001", map[string]any{"amount": 50})
	d.Wait()

	// The failing endpoint exhausts its retries without affecting the other.
	assert.Equal(t, int32(1), goodHits.Load())
	assert.Equal(t, int32(3), badHits.Load())
}

func TestDispatchPayloadShape(t *testing.T) {
	store := openTestStore(t)

	var mu sync.Mutex
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = b
		mu.Unlock()
	}))
	defer srv.Close()

	registerHook(t, store, "sink", srv.URL, "", "*")

	d := testDispatcher(t, store)
	d.Dispatch(EventAlertCreated, "METER_001", map[string]any{"message": "hi"})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	var got struct {
		Event     string         `json:"event"`
		Timestamp string         `json:"timestamp"`
		MeterID   string         `json:"meter_id"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, EventAlertCreated, got.Event)
	assert.Equal(t, "METER_001", got.MeterID)
	assert.Equal(t, "hi", got.Data["message"])
	_, err := time.Parse(time.RFC3339, got.Timestamp)
	assert.NoError(t, err)
}

func TestDispatchSignsBodyWhenSecretConfigured(t *testing.T) {
	store := openTestStore(t)

	var mu sync.Mutex
	var body []byte
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = b
		signature = r.Header.Get("X-Webhook-Signature")
		mu.Unlock()
	}))
	defer srv.Close()

	registerHook(t, store, "signed", srv.URL, "topsecret", "balance_low")

	d := testDispatcher(t, store)
	d.Dispatch(EventBalanceLow, "METER_001", nil)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, signature)
	assert.True(t, hmac.Equal([]byte(Sign("topsecret", body)), []byte(signature)))
}

func TestDispatchOmitsSignatureWithoutSecret(t *testing.T) {
	store := openTestStore(t)

	var mu sync.Mutex
	var signature string
	seen := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		signature = r.Header.Get("X-Webhook-Signature")
		seen = true
		mu.Unlock()
	}))
	defer srv.Close()

	registerHook(t, store, "plain", srv.URL, "", "*")

	d := testDispatcher(t, store)
	d.Dispatch(EventTest, "METER_001", nil)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.True(t, seen)
	assert.Empty(t, signature)
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	store := openTestStore(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	registerHook(t, store, "flaky", srv.URL, "", "*")

	d := testDispatcher(t, store)
	d.Dispatch(EventTest, "METER_001", nil)
	d.Wait()

	assert.Equal(t, int32(3), hits.Load())
}

func TestDispatchSkipsUnsubscribedAndInactive(t *testing.T) {
	store := openTestStore(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	registerHook(t, store, "other-event", srv.URL, "", "meter_connected")

	inactive := &storage.Webhook{Name: "inactive", URL: srv.URL, IsActive: false}
	require.NoError(t, inactive.SetEvents([]string{"*"}))
	require.NoError(t, store.CreateWebhook(inactive))

	d := testDispatcher(t, store)
	d.Dispatch(EventRechargeCompleted, "METER_001", nil)
	d.Wait()

	assert.Equal(t, int32(0), hits.Load())
}
