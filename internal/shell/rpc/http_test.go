package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	corerpc "github.com/artpar/shipyard/internal/core/rpc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-enough-entropy"

func newTestHTTP(t *testing.T, secret string) (*methodHarness, http.Handler) {
	t.Helper()
	h := newMethodHarness(t)
	cfg := DefaultConfig()
	cfg.JWTSecret = secret
	return h, NewServer(h.dispatcher, cfg, testLogger()).Routes()
}

func post(t *testing.T, handler http.Handler, path, body, token string) (*httptest.ResponseRecorder, corerpc.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp corerpc.Response
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

// =============================================================================
// Wire Tests
// =============================================================================

func TestHTTP_CallReturnsResult(t *testing.T) {
	_, handler := newTestHTTP(t, "")

	rec, resp := post(t, handler, "/rpc", `{"id":"1","method":"system.ping"}`, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.True(t, resp.OK())
	assert.Equal(t, "1", resp.ID)
	var pong PingResult
	require.NoError(t, resp.UnmarshalResult(&pong))
	assert.True(t, pong.Pong)
}

func TestHTTP_ErrorsUseStatusOK(t *testing.T) {
	_, handler := newTestHTTP(t, "")

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed json", `{"method":`, corerpc.KindInvalidRequest},
		{"missing method", `{"args":[]}`, corerpc.KindInvalidRequest},
		{"unknown method", `{"method":"app.launch"}`, corerpc.KindMethodNotFound},
		{"bad argument", `{"method":"state.get","args":["one"]}`, corerpc.KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := post(t, handler, "/rpc", tt.body, "")
			assert.Equal(t, http.StatusOK, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.want, resp.Error.Kind)
		})
	}
}

func TestHTTP_MethodPath(t *testing.T) {
	h, handler := newTestHTTP(t, "")

	_, resp := post(t, handler, "/rpc/app.deploy", `{"spec":`+webSpecJSON("a.example")+`}`, "")
	require.True(t, resp.OK(), "%+v", resp.Error)
	var result TransitionResult
	require.NoError(t, resp.UnmarshalResult(&result))
	assert.Equal(t, int64(1), result.Version)
	assert.Len(t, h.apps.Instances(), 1)

	_, resp = post(t, handler, "/rpc/app.list", ``, "")
	require.True(t, resp.OK())

	_, resp = post(t, handler, "/rpc/app.stop", `not json`, "")
	require.NotNil(t, resp.Error)
	assert.Equal(t, corerpc.KindInvalidRequest, resp.Error.Kind)
	assert.Equal(t, "app.stop", resp.Error.Method)
}

func TestHTTP_HealthAndOpenAPI(t *testing.T) {
	h, handler := newTestHTTP(t, testSecret)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, len(h.dispatcher.Methods()), health.Methods)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc.Paths, "/rpc/app.deploy")
	assert.Contains(t, doc.Paths, "/rpc/backup.restore_technique")
}

// =============================================================================
// Auth Tests
// =============================================================================

func TestHTTP_BearerAuth(t *testing.T) {
	_, handler := newTestHTTP(t, testSecret)

	rec, _ := post(t, handler, "/rpc", `{"method":"system.ping"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), corerpc.KindUnauthorized)

	rec, _ = post(t, handler, "/rpc", `{"method":"system.ping"}`, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong, err := IssueToken([]byte("another-secret"), "ops", time.Hour)
	require.NoError(t, err)
	rec, _ = post(t, handler, "/rpc", `{"method":"system.ping"}`, wrong)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := IssueToken([]byte(testSecret), "ops", -time.Minute)
	require.NoError(t, err)
	rec, _ = post(t, handler, "/rpc", `{"method":"system.ping"}`, expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := IssueToken([]byte(testSecret), "ops", time.Hour)
	require.NoError(t, err)
	rec, resp := post(t, handler, "/rpc", `{"method":"system.ping"}`, token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.OK())

	rec, _ = post(t, handler, "/mcp", `{}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ValidateToken([]byte(testSecret), none)
	assert.Error(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = ValidateToken([]byte(testSecret), hs512)
	assert.Error(t, err)

	good, err := IssueToken([]byte(testSecret), "ops", time.Hour)
	require.NoError(t, err)
	parsed, err := ValidateToken([]byte(testSecret), good)
	require.NoError(t, err)
	assert.Equal(t, "ops", parsed.Subject)

	_, err = IssueToken(nil, "ops", time.Hour)
	assert.Error(t, err)
}

func TestRequireBearer_SetsSubject(t *testing.T) {
	var subject string
	handler := RequireBearer([]byte(testSecret), testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
	}))

	token, err := IssueToken([]byte(testSecret), "deployer", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "deployer", subject)
}

func TestHTTPServer_UsesConfig(t *testing.T) {
	h := newMethodHarness(t)
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:9999"

	srv := NewServer(h.dispatcher, cfg, testLogger()).HTTPServer()

	assert.Equal(t, "127.0.0.1:9999", srv.Addr)
	assert.Equal(t, cfg.WriteTimeout, srv.WriteTimeout)
	assert.NotNil(t, srv.Handler)
}
