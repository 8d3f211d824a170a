package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/energy-uplink-ingest/internal/db"
	"github.com/septivank/energy-uplink-ingest/internal/meter"
	"github.com/septivank/energy-uplink-ingest/internal/service"
	"github.com/septivank/energy-uplink-ingest/internal/validator"
)

type stubStore struct {
	mu      sync.Mutex
	records []*db.TelemetryRecord
	err     error
	panics  bool
}

func (s *stubStore) InsertTelemetryRecord(_ context.Context, record *db.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics {
		panic("driver bug")
	}
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *stubStore) InsertDeviceError(context.Context, *db.DeviceError) error {
	return s.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, cfg Config, store *stubStore, pinger Pinger) *Server {
	t.Helper()

	catalog, err := meter.LoadCatalog("")
	require.NoError(t, err)
	pipelines, err := service.NewPipelines(catalog, service.Dependencies{
		Store:            store,
		Validator:        validator.NewValidator(5),
		Clock:            clockwork.NewFakeClock(),
		Logger:           zap.NewNop(),
		MaxFlushAttempts: 3,
	})
	require.NoError(t, err)

	return NewServer(cfg, pipelines, pinger, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestUplink_BufferedThenPersisted(t *testing.T) {
	store := &stubStore{}
	s := newTestServer(t, Config{}, store, nil)

	rec, resp := do(t, s, http.MethodPost, "/uplink", `{"deviceIdentifier":"dev-1","deviceProfile":"ADW310","payloadFields":{"U":230}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "buffered", resp["outcome"])
	assert.Equal(t, "dev-1", resp["cache_key"])
	assert.Equal(t, "single_phase", resp["variant"])
	assert.ElementsMatch(t, []any{"power_total", "energy_import"}, resp["missing"])

	rec, resp = do(t, s, http.MethodPost, "/uplink", `{"deviceIdentifier":"dev-1","deviceProfile":"ADW310","payloadFields":{"P":1.2,"EPI":10}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "persisted", resp["outcome"])
	assert.NotEmpty(t, resp["record_id"])
	assert.NotContains(t, resp, "missing")
	require.Len(t, store.records, 1)
	assert.Equal(t, "adw310_readings", store.records[0].Table)
}

func TestUplink_HospitalRoute(t *testing.T) {
	store := &stubStore{}
	s := newTestServer(t, Config{}, store, nil)

	rec, _ := do(t, s, http.MethodPost, "/uplink/hospital", `{"deviceIdentifier":"dev-1","deviceProfile":"ADW310","payloadFields":{"U":230,"P":1.2,"EPI":10}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.records, 1)
	assert.Equal(t, "hospital_adw310_readings", store.records[0].Table)
}

func TestUplink_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		store  *stubStore
		body   string
		status int
		errMsg string
	}{
		{
			name:   "malformed json",
			store:  &stubStore{},
			body:   `{"deviceIdentifier":`,
			status: http.StatusBadRequest,
			errMsg: "invalid uplink",
		},
		{
			name:   "missing device identifier",
			store:  &stubStore{},
			body:   `{"payloadFields":{"U":230}}`,
			status: http.StatusBadRequest,
			errMsg: "invalid uplink",
		},
		{
			name:   "multi-drop without sub-address",
			store:  &stubStore{},
			body:   `{"deviceIdentifier":"gw-1","deviceProfile":"RS485-4CH","payloadFields":{"U":230}}`,
			status: http.StatusBadRequest,
			errMsg: "invalid uplink",
		},
		{
			name:   "body too large",
			cfg:    Config{MaxBodyBytes: 32},
			store:  &stubStore{},
			body:   `{"deviceIdentifier":"dev-1","payloadFields":{"Ua":230,"Ub":231}}`,
			status: http.StatusRequestEntityTooLarge,
			errMsg: "request body too large",
		},
		{
			name:   "write failure",
			store:  &stubStore{err: errors.New("connection refused")},
			body:   `{"deviceIdentifier":"dev-1","deviceProfile":"ADW310","payloadFields":{"U":230,"P":1.2,"EPI":10}}`,
			status: http.StatusInternalServerError,
			errMsg: "failed to process uplink",
		},
		{
			name:   "error uplink write failure",
			store:  &stubStore{err: errors.New("connection refused")},
			body:   `{"deviceIdentifier":"dev-1","severityLevel":"ERROR"}`,
			status: http.StatusInternalServerError,
			errMsg: "failed to process uplink",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.cfg, tt.store, nil)

			rec, resp := do(t, s, http.MethodPost, "/uplink", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.errMsg, resp["error"])
		})
	}
}

func TestUplink_WriteFailureDetail(t *testing.T) {
	s := newTestServer(t, Config{}, &stubStore{err: errors.New("connection refused")}, nil)

	_, resp := do(t, s, http.MethodPost, "/uplink", `{"deviceIdentifier":"dev-1","deviceProfile":"ADW310","payloadFields":{"U":230,"P":1.2,"EPI":10}}`)
	assert.Contains(t, resp["detail"], "connection refused")
}

func TestUplink_PanicRecovered(t *testing.T) {
	s := newTestServer(t, Config{}, &stubStore{panics: true}, nil)

	rec, _ := do(t, s, http.MethodPost, "/uplink", `{"deviceIdentifier":"dev-1","deviceProfile":"ADW310","payloadFields":{"U":230,"P":1.2,"EPI":10}}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The key stays usable after the panic released its lock.
	rec, _ = do(t, s, http.MethodPost, "/uplink", `{"deviceIdentifier":"dev-1","deviceProfile":"ADW310","payloadFields":{"U":231}}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUplink_RateLimited(t *testing.T) {
	s := newTestServer(t, Config{RateLimit: 0.001, RateBurst: 1}, &stubStore{}, nil)

	body := `{"deviceIdentifier":"dev-1","payloadFields":{"Ua":230}}`
	rec, _ := do(t, s, http.MethodPost, "/uplink", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp := do(t, s, http.MethodPost, "/uplink/hospital", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", resp["error"])
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec, _ = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUplink_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, Config{}, &stubStore{}, nil)

	rec, _ := do(t, s, http.MethodGet, "/uplink", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, Config{}, &stubStore{}, stubPinger{})

	rec, resp := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp["status"])

	rec, resp = do(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", resp["status"])

	s = newTestServer(t, Config{}, &stubStore{}, stubPinger{err: errors.New("no route to host")})
	rec, resp = do(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "database unavailable", resp["error"])
}

func TestCacheListing(t *testing.T) {
	s := newTestServer(t, Config{}, &stubStore{}, nil)

	do(t, s, http.MethodPost, "/uplink/hospital", `{"deviceIdentifier":"gw-1","deviceProfile":"RS485-12CH","subAddress":"35_2","payloadFields":{"U":230,"I":1.5}}`)

	rec, resp := do(t, s, http.MethodGet, "/cache/hospital", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hospital", resp["deployment"])
	assert.Equal(t, float64(1), resp["count"])
	entries := resp["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "gw-1_35#2", entry["key"])
	assert.Equal(t, []any{"I", "U"}, entry["seen_fields"])

	rec, resp = do(t, s, http.MethodGet, "/cache/campus", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), resp["count"])

	rec, _ = do(t, s, http.MethodGet, "/cache/airport", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Config{}, &stubStore{}, nil)
	do(t, s, http.MethodPost, "/uplink", `{"deviceIdentifier":"dev-1","payloadFields":{"Ua":230}}`)

	rec, _ := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uplink_ingest_uplinks_total")
	assert.Contains(t, rec.Body.String(), "uplink_ingest_http_request_duration_seconds")
}
