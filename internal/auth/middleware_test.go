package auth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(seen *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = SubjectFromContext(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	mw := NewMiddleware([]byte("test-secret"), NewDefaultPolicy(nil, nil), nil)
	handler := mw.Wrap(okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/settlements", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAuthMiddleware_ViewerForbiddenManualSettlement(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueJWT(secret, "alice", RoleViewer, time.Hour)
	require.NoError(t, err)
	handler := NewMiddleware(secret, NewDefaultPolicy(nil, nil), nil).Wrap(okHandler(nil))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements/manual", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestAuthMiddleware_OperatorCarriesSubject(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueJWT(secret, "alice", RoleOperator, time.Hour)
	require.NoError(t, err)
	var seen string
	handler := NewMiddleware(secret, NewDefaultPolicy(nil, nil), nil).Wrap(okHandler(&seen))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/7/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "alice", seen)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/auto-settlement", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestAuthMiddleware_ExemptPath(t *testing.T) {
	handler := NewMiddleware([]byte("s"), NewDefaultPolicy([]string{"/healthz"}, nil), nil).Wrap(okHandler(nil))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestParseJWTRejectsExpiredAndWrongSecret(t *testing.T) {
	secret := []byte("test-secret")
	expired, err := IssueJWT(secret, "alice", RoleViewer, -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(expired, secret)
	assert.ErrorIs(t, err, ErrInvalidToken)

	valid, err := IssueJWT(secret, "alice", RoleAdmin, time.Hour)
	require.NoError(t, err)
	_, err = ParseJWT(valid, []byte("other"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims, err := ParseJWT(valid, secret)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "admin", claims.Role)
}

func TestCallbackMiddleware(t *testing.T) {
	secret := []byte("relayer")
	handler := NewCallbackMiddleware(secret, time.Minute).Wrap(okHandler(nil))
	body := `{"external_tx_ref":"0xabc","success":true}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ledger/confirmations", strings.NewReader(body))
	req.Header.Set("X-Ledger-Timestamp", ts)
	req.Header.Set("X-Ledger-Signature", SignCallback(secret, ts, []byte(body)))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/ledger/confirmations", strings.NewReader(body))
	req.Header.Set("X-Ledger-Timestamp", ts)
	req.Header.Set("X-Ledger-Signature", SignCallback([]byte("wrong"), ts, []byte(body)))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	old := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/ledger/confirmations", strings.NewReader(body))
	req.Header.Set("X-Ledger-Timestamp", old)
	req.Header.Set("X-Ledger-Signature", SignCallback(secret, old, []byte(body)))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestRoleLattice(t *testing.T) {
	role, ok := NormalizeRole(" Operator ")
	require.True(t, ok)
	assert.Equal(t, RoleOperator, role)
	_, ok = NormalizeRole("root")
	assert.False(t, ok)

	assert.True(t, RoleAtLeast(RoleAdmin, RoleOperator))
	assert.True(t, RoleAtLeast(RoleViewer, RoleViewer))
	assert.False(t, RoleAtLeast(RoleViewer, RoleOperator))
	assert.False(t, RoleAtLeast(Role("root"), RoleViewer))

	_, err := IssueJWT(nil, "alice", RoleViewer, time.Hour)
	assert.ErrorIs(t, err, ErrEmptySecret)
}
