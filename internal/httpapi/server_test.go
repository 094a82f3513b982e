package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/logging"
	"github.com/jorge-barreto/stepwise/internal/manifest"
	"github.com/jorge-barreto/stepwise/internal/metrics"
	"github.com/jorge-barreto/stepwise/internal/orchestrator"
	"github.com/jorge-barreto/stepwise/internal/store"
)

const workflow = `version: chain/v1
steps:
  - id: A
    requiredOutputs: [prd.md]
  - id: B
    dependsOn: [A]
    gate: human_approval
  - id: C
    dependsOn: [B]
`

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	def, err := definition.Parse([]byte(workflow))
	require.NoError(t, err)
	cat, err := definition.NewCatalog(def)
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())
	o := orchestrator.New(store.NewMemoryStore(), cat, orchestrator.WithMetrics(m))
	return NewServer(o, m, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeManifest(t *testing.T, rec *httptest.ResponseRecorder) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	return m
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestFeatureLifecycle(t *testing.T) {
	s := setupTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/features", StartRequest{Definition: "chain/v1", FeatureID: "f1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decodeManifest(t, rec).Version)

	rec = do(t, s, http.MethodGet, "/v1/features/f1/next", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var next NextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &next))
	assert.Equal(t, []string{"A"}, next.Next)

	rec = do(t, s, http.MethodPost, "/v1/features/f1/steps/A/begin", BeginRequest{Actor: "worker-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/v1/features/f1/steps/A/complete", OutputsRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, string(fault.MissingOutputs), errResp.Kind)

	rec = do(t, s, http.MethodPost, "/v1/features/f1/steps/A/complete", OutputsRequest{Outputs: map[string]string{"prd.md": "docs/prd.md"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	do(t, s, http.MethodPost, "/v1/features/f1/steps/B/begin", nil)
	rec = do(t, s, http.MethodPost, "/v1/features/f1/steps/B/complete", OutputsRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, manifest.StatusAwaitingGate, decodeManifest(t, rec).Status("B"))

	rec = do(t, s, http.MethodPost, "/v1/features/f1/steps/B/gate", GateRequest{Decision: "approve", DecidedBy: "ana"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, manifest.StatusCompleted, decodeManifest(t, rec).Status("B"))

	rec = do(t, s, http.MethodGet, "/v1/features/f1/next", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &next))
	assert.Equal(t, []string{"C"}, next.Next)
	assert.EqualValues(t, 6, next.Version)

	rec = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stepwise_gate_decisions_total{decision="approved",reviewer="human"} 1`)
}

func TestErrorMapping(t *testing.T) {
	s := setupTestServer(t)
	do(t, s, http.MethodPost, "/v1/features", StartRequest{Definition: "chain/v1", FeatureID: "f1"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown feature", http.MethodGet, "/v1/features/ghost", nil, http.StatusNotFound},
		{"unknown step", http.MethodPost, "/v1/features/f1/steps/Z/begin", nil, http.StatusNotFound},
		{"duplicate", http.MethodPost, "/v1/features", StartRequest{Definition: "chain/v1", FeatureID: "f1"}, http.StatusConflict},
		{"unknown definition", http.MethodPost, "/v1/features", StartRequest{Definition: "nope"}, http.StatusBadRequest},
		{"bad id", http.MethodPost, "/v1/features", StartRequest{Definition: "chain/v1", FeatureID: "a b"}, http.StatusBadRequest},
		{"illegal transition", http.MethodPost, "/v1/features/f1/steps/C/begin", nil, http.StatusConflict},
		{"no pending gate", http.MethodPost, "/v1/features/f1/steps/B/gate", GateRequest{Decision: "approve", DecidedBy: "x"}, http.StatusConflict},
		{"bad decision", http.MethodPost, "/v1/features/f1/steps/B/gate", GateRequest{Decision: "maybe", DecidedBy: "x"}, http.StatusBadRequest},
		{"fail without message", http.MethodPost, "/v1/features/f1/steps/A/fail", FailRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRetryExhaustedCarriesManifest(t *testing.T) {
	s := setupTestServer(t)
	do(t, s, http.MethodPost, "/v1/features", StartRequest{Definition: "chain/v1", FeatureID: "f1"})
	for i := 0; i < 3; i++ {
		do(t, s, http.MethodPost, "/v1/features/f1/steps/A/begin", nil)
		rec := do(t, s, http.MethodPost, "/v1/features/f1/steps/A/fail", FailRequest{Error: "boom"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	do(t, s, http.MethodPost, "/v1/features/f1/steps/A/begin", nil)
	rec := do(t, s, http.MethodPost, "/v1/features/f1/steps/A/fail", FailRequest{Error: "boom"})
	require.Equal(t, http.StatusLocked, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(fault.RetryExhausted), resp.Kind)
	require.NotNil(t, resp.Manifest)
	assert.Equal(t, manifest.StatusBlocked, resp.Manifest.Status("B"))

	rec = do(t, s, http.MethodPost, "/v1/features/f1/steps/A/reset", ResetRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, manifest.StatusEligible, decodeManifest(t, rec).Status("A"))
}

func TestListAndPlan(t *testing.T) {
	s := setupTestServer(t)
	for _, id := range []string{"b", "a"} {
		do(t, s, http.MethodPost, "/v1/features", StartRequest{Definition: "chain/v1", FeatureID: id})
	}
	rec := do(t, s, http.MethodGet, "/v1/features", nil)
	assert.JSONEq(t, `{"features":["a","b"]}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/v1/plan?definition=chain/v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"id":"B"`))

	rec = do(t, s, http.MethodGet, "/v1/definitions", nil)
	assert.JSONEq(t, `{"versions":["chain/v1"]}`, rec.Body.String())
}

func TestNextPollingStaysQuiet(t *testing.T) {
	def, err := definition.Parse([]byte(workflow))
	require.NoError(t, err)
	cat, err := definition.NewCatalog(def)
	require.NoError(t, err)
	logger, logs := logging.NewObserved(zapcore.InfoLevel)
	m := metrics.New(prometheus.NewRegistry())
	o := orchestrator.New(store.NewMemoryStore(), cat, orchestrator.WithMetrics(m), orchestrator.WithLogger(logger))
	s := NewServer(o, m, logger)
	do(t, s, http.MethodPost, "/v1/features", StartRequest{Definition: "chain/v1", FeatureID: "f1"})

	for range 3 {
		rec := do(t, s, http.MethodGet, "/v1/features/f1/next", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Zero(t, logs.FilterMessage("feature resumed").Len())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("disk on fire")))
	assert.Equal(t, http.StatusConflict, StatusFor(fault.New(fault.VersionConflict, "moved")))
	assert.Equal(t, http.StatusBadRequest, StatusFor(store.ValidateFeatureID("../x")))
}

func TestRateLimit(t *testing.T) {
	def, err := definition.Parse([]byte(workflow))
	require.NoError(t, err)
	cat, err := definition.NewCatalog(def)
	require.NoError(t, err)
	s := NewServer(orchestrator.New(store.NewMemoryStore(), cat), nil, zap.NewNop(), WithRateLimit(0.001, 2))

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/definitions", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/definitions", nil).Code)
	rec := do(t, s, http.MethodGet, "/v1/definitions", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
}
