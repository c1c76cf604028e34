package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/consent-api/internal/handler"
	accessHandler "github.com/jwalitptl/consent-api/internal/handler/access"
	auditHandler "github.com/jwalitptl/consent-api/internal/handler/audit"
	authHandler "github.com/jwalitptl/consent-api/internal/handler/auth"
	consentHandler "github.com/jwalitptl/consent-api/internal/handler/consent"
	patientHandler "github.com/jwalitptl/consent-api/internal/handler/patient"
	"github.com/jwalitptl/consent-api/internal/middleware"
	"github.com/jwalitptl/consent-api/internal/repository/memory"
	accessService "github.com/jwalitptl/consent-api/internal/service/access"
	auditService "github.com/jwalitptl/consent-api/internal/service/audit"
	consentService "github.com/jwalitptl/consent-api/internal/service/consent"
	identityService "github.com/jwalitptl/consent-api/internal/service/identity"
	"github.com/jwalitptl/consent-api/pkg/auth"
	"github.com/jwalitptl/consent-api/pkg/logger"
	"github.com/jwalitptl/consent-api/pkg/metrics"
)

const (
	testJWTSecret      = "0123456789abcdef0123456789abcdef"
	testExchangeSecret = "exchange-secret"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := middleware.RegisterValidators(); err != nil {
		fmt.Printf("failed to register validators: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// TestResponse is the decoded envelope. Data holds the payload when it is an object;
// RawData always holds it verbatim.
type TestResponse struct {
	Code    int
	Header  http.Header
	Status  string
	Message string
	Data    map[string]interface{}
	RawData json.RawMessage
}

func (r TestResponse) IsSuccess() bool {
	return r.Status == "success"
}

func (r TestResponse) GetString(key string) string {
	if v, ok := r.Data[key].(string); ok {
		return v
	}
	return ""
}

// List decodes an array payload.
func (r TestResponse) List(t *testing.T) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(r.RawData, &out))
	return out
}

type testEnv struct {
	server   *httptest.Server
	store    *memory.Store
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, accessCfg accessService.Config) *testEnv {
	t.Helper()

	store := memory.NewStore()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	log := logger.Nop()

	ids := identityService.NewService(store.Users(), identityService.Config{}, log)
	consents := consentService.NewService(ids, store.Consents(), store.Outbox(), m, log)
	auditor := auditService.NewService(store.AccessLogs(), store.Outbox(), m, log)
	access := accessService.NewService(ids, consents, auditor, accessCfg, m, log)
	tokens := auth.NewJWTService(testJWTSecret, "consent-api", time.Hour)

	r := NewRouter(
		middleware.NewAuthMiddleware(tokens, ids),
		authHandler.NewHandler(ids, tokens),
		patientHandler.NewHandler(ids),
		consentHandler.NewHandler(consents),
		accessHandler.NewHandler(access, consents),
		auditHandler.NewHandler(auditor, access),
		handler.NewHandler(store, reg),
		m,
		RouterConfig{
			RateLimit:      rate.Inf,
			RateBurst:      1,
			ExchangeSecret: testExchangeSecret,
		},
	)
	r.Setup()

	server := httptest.NewServer(r.Engine())
	t.Cleanup(server.Close)

	return &testEnv{server: server, store: store, registry: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) TestResponse {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(respBody, &envelope), "raw response: %s", respBody)

	out := TestResponse{
		Code:    resp.StatusCode,
		Header:  resp.Header,
		Status:  envelope.Status,
		Message: envelope.Message,
		RawData: envelope.Data,
	}
	if len(envelope.Data) > 0 {
		var data map[string]interface{}
		if err := json.Unmarshal(envelope.Data, &data); err == nil {
			out.Data = data
		}
	}
	return out
}

func (e *testEnv) makeRequest(t *testing.T, method, path string, body interface{}, token string) TestResponse {
	t.Helper()
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return e.do(t, method, "/api/v1"+path, body, headers)
}

// signUp runs the login exchange and role assignment and returns the token and user id.
func (e *testEnv) signUp(t *testing.T, email, role, organization string) (string, string) {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/api/v1/auth/exchange", map[string]string{
		"external_id": "oauth|" + email,
		"name":        "User " + email,
		"email":       email,
	}, map[string]string{middleware.HeaderExchangeSecret: testExchangeSecret})
	require.True(t, resp.IsSuccess(), resp.Message)
	token := resp.GetString("access_token")
	require.NotEmpty(t, token)

	resp = e.makeRequest(t, http.MethodPost, "/auth/assign-role", map[string]string{
		"role":         role,
		"organization": organization,
	}, token)
	require.True(t, resp.IsSuccess(), resp.Message)

	return token, resp.GetString("id")
}

func (e *testEnv) qrToken(t *testing.T, patientToken string) string {
	t.Helper()
	resp := e.makeRequest(t, http.MethodGet, "/patient/qr", nil, patientToken)
	require.True(t, resp.IsSuccess(), resp.Message)
	qr := resp.GetString("qr_code_id")
	require.NotEmpty(t, qr)
	return qr
}
