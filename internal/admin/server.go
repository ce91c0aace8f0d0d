// Package admin exposes HTTP handlers for managing pooled API keys and fee
// configuration.
package admin

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/feestore"
	"github.com/moneta-io/moneta/internal/domain/keystore"
	"github.com/moneta-io/moneta/internal/domain/outboxstore"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	keysPath        = "/keys"
	keyDetailPrefix = keysPath + "/"

	feeConfigPath    = "/fees/config"
	feeOverridesPath = "/fees/overrides"

	deadLettersPath = "/events/deadletters"

	deadLetterPageSize = 100
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type server struct {
	keys   keystore.Store
	fees   feestore.Store
	outbox outboxstore.Store
}

// NewHandler creates the admin HTTP handler. The outbox store is optional;
// when nil the dead-letter listing endpoint responds 404.
func NewHandler(keys keystore.Store, fees feestore.Store, outbox outboxstore.Store) http.Handler {
	srv := &server{keys: keys, fees: fees, outbox: outbox}
	mux := http.NewServeMux()

	mux.Handle(keysPath, srv.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  srv.listKeys,
		http.MethodPost: srv.createKey,
	}))
	mux.Handle(keyDetailPrefix, srv.methodHandlers(map[string]handlerFunc{
		http.MethodPut: srv.updateKey,
	}))

	mux.Handle(feeConfigPath, srv.methodHandlers(map[string]handlerFunc{
		http.MethodGet: srv.getFeeConfig,
		http.MethodPut: srv.setFeeConfig,
	}))
	mux.Handle(feeOverridesPath, srv.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    srv.listFeeOverrides,
		http.MethodPut:    srv.setFeeOverride,
		http.MethodDelete: srv.deleteFeeOverride,
	}))

	if outbox != nil {
		mux.Handle(deadLettersPath, srv.methodHandlers(map[string]handlerFunc{
			http.MethodGet: srv.listDeadLetters,
		}))
	}

	return mux
}

func (s *server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// keyView is the redacted representation returned to callers. Secrets never
// leave the store through this surface.
type keyView struct {
	ID          int64             `json:"id"`
	Exchange    string            `json:"exchange"`
	Alias       string            `json:"alias,omitempty"`
	APIKeyHint  string            `json:"apiKeyHint"`
	Enabled     bool              `json:"enabled"`
	Balances    map[string]string `json:"balances,omitempty"`
	RefreshedAt time.Time         `json:"refreshedAt"`
	LastUsedAt  *time.Time        `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func viewOf(key keystore.Key) keyView {
	view := keyView{
		ID:          key.ID,
		Exchange:    key.Exchange,
		Alias:       key.Alias,
		APIKeyHint:  hintOf(key.APIKey),
		Enabled:     key.Enabled,
		RefreshedAt: key.RefreshedAt,
		CreatedAt:   key.CreatedAt,
	}
	if !key.LastUsedAt.IsZero() {
		used := key.LastUsedAt
		view.LastUsedAt = &used
	}
	if len(key.Balances) > 0 {
		balances := make(map[string]string, len(key.Balances))
		for asset, amount := range key.Balances {
			balances[asset] = amount.String()
		}
		view.Balances = balances
	}
	return view
}

func hintOf(apiKey string) string {
	const visible = 4
	if len(apiKey) <= visible {
		return strings.Repeat("*", len(apiKey))
	}
	return strings.Repeat("*", len(apiKey)-visible) + apiKey[len(apiKey)-visible:]
}

func (s *server) listKeys(w http.ResponseWriter, r *http.Request) {
	exchange := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("exchange")))
	keys, err := s.keys.List(r.Context(), exchange)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]keyView, 0, len(keys))
	for _, key := range keys {
		views = append(views, viewOf(key))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

type createKeyPayload struct {
	Exchange   string `json:"exchange"`
	Alias      string `json:"alias"`
	APIKey     string `json:"apiKey"`
	APISecret  string `json:"apiSecret"`
	Passphrase string `json:"passphrase"`
	Enabled    *bool  `json:"enabled"`
}

func (s *server) createKey(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload createKeyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	payload.Exchange = strings.ToLower(strings.TrimSpace(payload.Exchange))
	payload.APIKey = strings.TrimSpace(payload.APIKey)
	if payload.Exchange == "" {
		writeError(w, http.StatusBadRequest, "exchange required")
		return
	}
	if payload.APIKey == "" || strings.TrimSpace(payload.APISecret) == "" {
		writeError(w, http.StatusBadRequest, "apiKey and apiSecret required")
		return
	}
	enabled := true
	if payload.Enabled != nil {
		enabled = *payload.Enabled
	}
	key, err := s.keys.Create(r.Context(), keystore.Key{
		Exchange:    payload.Exchange,
		Alias:       strings.TrimSpace(payload.Alias),
		APIKey:      payload.APIKey,
		APISecret:   payload.APISecret,
		Passphrase:  payload.Passphrase,
		Enabled:     enabled,
		RefreshedAt: time.Now(),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(key))
}

type updateKeyPayload struct {
	Enabled *bool `json:"enabled"`
}

func (s *server) updateKey(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, keyDetailPrefix), "/")
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "key id required")
		return
	}
	limitRequestBody(w, r)
	var payload updateKeyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled required")
		return
	}
	if err := s.keys.SetEnabled(r.Context(), id, *payload.Enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	key, err := s.keys.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(key))
}

type feeConfigPayload struct {
	SpotRate            string `json:"spotRate"`
	SpotEnabled         bool   `json:"spotEnabled"`
	MarketMakingRate    string `json:"marketMakingRate"`
	MarketMakingEnabled bool   `json:"marketMakingEnabled"`
}

func feeConfigView(cfg feestore.Config) feeConfigPayload {
	return feeConfigPayload{
		SpotRate:            cfg.SpotRate.String(),
		SpotEnabled:         cfg.SpotEnabled,
		MarketMakingRate:    cfg.MarketMakingRate.String(),
		MarketMakingEnabled: cfg.MarketMakingEnabled,
	}
}

func (s *server) getFeeConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.fees.GetConfig(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feeConfigView(cfg))
}

func (s *server) setFeeConfig(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload feeConfigPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	spotRate, err := parseRate(payload.SpotRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "spotRate: "+err.Error())
		return
	}
	mmRate, err := parseRate(payload.MarketMakingRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "marketMakingRate: "+err.Error())
		return
	}
	cfg := feestore.Config{
		SpotRate:            spotRate,
		SpotEnabled:         payload.SpotEnabled,
		MarketMakingRate:    mmRate,
		MarketMakingEnabled: payload.MarketMakingEnabled,
	}
	if err := s.fees.SetConfig(r.Context(), cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feeConfigView(cfg))
}

type feeOverridePayload struct {
	Category string `json:"category"`
	Key      string `json:"key"`
	Rate     string `json:"rate"`
	Enabled  bool   `json:"enabled"`
}

func (s *server) listFeeOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.fees.ListOverrides(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]feeOverridePayload, 0, len(overrides))
	for _, o := range overrides {
		views = append(views, feeOverridePayload{
			Category: string(o.Category),
			Key:      o.Key,
			Rate:     o.Rate.String(),
			Enabled:  o.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": views})
}

func (s *server) setFeeOverride(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload feeOverridePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	category, key, err := parseOverrideSelector(payload.Category, payload.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rate, err := parseRate(payload.Rate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "rate: "+err.Error())
		return
	}
	override := feestore.Override{Category: category, Key: key, Rate: rate, Enabled: payload.Enabled}
	if err := s.fees.SetOverride(r.Context(), override); err != nil {
		writeStoreError(w, err)
		return
	}
	payload.Category = string(category)
	payload.Key = key
	payload.Rate = rate.String()
	writeJSON(w, http.StatusOK, payload)
}

func (s *server) deleteFeeOverride(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	category, key, err := parseOverrideSelector(query.Get("category"), query.Get("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.fees.DeleteOverride(r.Context(), category, key); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deadLetterView struct {
	ID             int64           `json:"id"`
	EventType      string          `json:"eventType"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func (s *server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	records, err := s.outbox.ListDeadLettered(r.Context(), deadLetterPageSize)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]deadLetterView, 0, len(records))
	for _, record := range records {
		views = append(views, deadLetterView{
			ID:             record.ID,
			EventType:      record.EventType,
			IdempotencyKey: record.IdempotencyKey,
			Payload:        record.Payload,
			Attempts:       record.Attempts,
			LastError:      record.LastError,
			CreatedAt:      record.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": views})
}

func parseOverrideSelector(rawCategory, rawKey string) (feestore.Category, string, error) {
	category := feestore.Category(strings.ToLower(strings.TrimSpace(rawCategory)))
	switch category {
	case feestore.CategorySpot, feestore.CategoryMarketMaking:
	default:
		return "", "", errors.New("category must be spot or market_making")
	}
	key := strings.TrimSpace(rawKey)
	if key == "" {
		return "", "", errors.New("key required")
	}
	return category, key, nil
}

func parseRate(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, errors.New("invalid decimal")
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, errors.New("must be within [0, 1]")
	}
	return rate, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func writeStoreError(w http.ResponseWriter, err error) {
	var envelope *errs.E
	if errors.As(err, &envelope) {
		switch envelope.Code {
		case errs.CodeNotFound:
			writeError(w, http.StatusNotFound, envelope.Error())
			return
		case errs.CodeConflict:
			writeError(w, http.StatusConflict, envelope.Error())
			return
		case errs.CodeInvalid:
			writeError(w, http.StatusBadRequest, envelope.Error())
			return
		}
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
