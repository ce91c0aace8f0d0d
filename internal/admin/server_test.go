package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/moneta-io/moneta/internal/domain/feestore"
	"github.com/moneta-io/moneta/internal/domain/keystore"
	"github.com/moneta-io/moneta/internal/domain/outboxstore"
	"github.com/moneta-io/moneta/internal/infra/persistence/memory"
)

type fixture struct {
	keys    *memory.KeyStore
	fees    *memory.FeeStore
	outbox  *memory.OutboxStore
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		keys:   memory.NewKeyStore(),
		fees:   memory.NewFeeStore(feestore.Config{}),
		outbox: memory.NewOutboxStore(),
	}
	f.handler = NewHandler(f.keys, f.fees, f.outbox)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestCreateAndListKeys(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/keys", `{
		"exchange": "Binance",
		"alias": "primary",
		"apiKey": "AKIAEXAMPLEKEY",
		"apiSecret": "topsecret"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created keyView
	decodeBody(t, rec, &created)
	require.Equal(t, "binance", created.Exchange)
	require.True(t, created.Enabled)
	require.True(t, strings.HasSuffix(created.APIKeyHint, "EKEY"))
	require.NotContains(t, rec.Body.String(), "topsecret")
	require.NotContains(t, rec.Body.String(), "AKIAEXAMPLE")

	rec = f.do(t, http.MethodGet, "/keys?exchange=binance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Keys []keyView `json:"keys"`
	}
	decodeBody(t, rec, &listed)
	require.Len(t, listed.Keys, 1)
	require.Equal(t, created.ID, listed.Keys[0].ID)
}

func TestCreateKeyValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/keys", `{"exchange": "binance"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/keys", `{"apiKey": "k", "apiSecret": "s"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/keys", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisableKey(t *testing.T) {
	f := newFixture(t)
	key, err := f.keys.Create(context.Background(), keystore.Key{
		Exchange:    "binance",
		APIKey:      "abcdef123456",
		APISecret:   "secret",
		Enabled:     true,
		RefreshedAt: time.Now(),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPut, fmt.Sprintf("/keys/%d", key.ID), `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var view keyView
	decodeBody(t, rec, &view)
	require.False(t, view.Enabled)

	stored, err := f.keys.Get(context.Background(), key.ID)
	require.NoError(t, err)
	require.False(t, stored.Enabled)
}

func TestUpdateUnknownKeyIsNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/keys/99", `{"enabled": true}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/keys/not-a-number", `{"enabled": true}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeeConfigRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/fees/config", `{
		"spotRate": "0.01",
		"spotEnabled": true,
		"marketMakingRate": "0.002",
		"marketMakingEnabled": false
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/fees/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg feeConfigPayload
	decodeBody(t, rec, &cfg)
	require.Equal(t, "0.01", cfg.SpotRate)
	require.True(t, cfg.SpotEnabled)
	require.Equal(t, "0.002", cfg.MarketMakingRate)
	require.False(t, cfg.MarketMakingEnabled)
}

func TestFeeConfigRejectsOutOfRangeRate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/fees/config", `{"spotRate": "1.5"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/fees/config", `{"spotRate": "-0.1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeeOverrideLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/fees/overrides", `{
		"category": "spot",
		"key": "binance:BTC/USDT",
		"rate": "0.0005",
		"enabled": true
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/fees/overrides", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Overrides []feeOverridePayload `json:"overrides"`
	}
	decodeBody(t, rec, &listed)
	require.Len(t, listed.Overrides, 1)
	require.Equal(t, "binance:BTC/USDT", listed.Overrides[0].Key)

	override, ok, err := f.fees.GetOverride(context.Background(), feestore.CategorySpot, "binance:BTC/USDT")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, override.Rate.Equal(decimal.RequireFromString("0.0005")))

	rec = f.do(t, http.MethodDelete, "/fees/overrides?category=spot&key=binance:BTC/USDT", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok, err = f.fees.GetOverride(context.Background(), feestore.CategorySpot, "binance:BTC/USDT")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFeeOverrideRejectsUnknownCategory(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/fees/overrides", `{"category": "futures", "key": "x", "rate": "0.1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record, created, err := f.outbox.Enqueue(ctx, outboxstore.Event{
		EventType:      "order.create",
		IdempotencyKey: "snap-1",
		Payload:        json.RawMessage(`{"order_id":"o-1"}`),
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.outbox.MarkDeadLettered(ctx, record.ID, "handler exploded"))

	rec := f.do(t, http.MethodGet, "/events/deadletters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		DeadLetters []deadLetterView `json:"deadLetters"`
	}
	decodeBody(t, rec, &listed)
	require.Len(t, listed.DeadLetters, 1)
	require.Equal(t, "order.create", listed.DeadLetters[0].EventType)
	require.Equal(t, "handler exploded", listed.DeadLetters[0].LastError)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodDelete, "/keys", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Contains(t, rec.Header().Get("Allow"), http.MethodGet)
}
