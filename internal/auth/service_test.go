package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const secret = "0123456789abcdef0123"

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("milanesa"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewService("admin", string(hash), secret, time.Hour)
}

func TestLogin_IssuesValidToken(t *testing.T) {
	s := newTestService(t)

	res, err := s.Login(context.Background(), &LoginRequest{Username: "admin", Password: "milanesa"})
	require.NoError(t, err)
	assert.Equal(t, "admin", res.Username)
	assert.NotEmpty(t, res.AccessToken)

	op, err := s.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", op)
}

func TestLogin_Rejects(t *testing.T) {
	s := newTestService(t)

	for name, req := range map[string]LoginRequest{
		"wrong password": {Username: "admin", Password: "pizza"},
		"wrong user":     {Username: "root", Password: "milanesa"},
		"empty":          {},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Login(context.Background(), &req)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestLogin_NoHashConfigured(t *testing.T) {
	s := NewService("admin", "", secret, time.Hour)
	_, err := s.Login(context.Background(), &LoginRequest{Username: "admin", Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("empanada")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("empanada")))
}

func TestValidateToken_Rejects(t *testing.T) {
	s := newTestService(t)

	expired := newTestService(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue("admin")
	require.NoError(t, err)

	other := NewService("admin", "", "another-secret-entirely", time.Hour)
	forged, err := other.Issue("admin")
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Username: "admin"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":  old.AccessToken,
		"forged":   forged.AccessToken,
		"unsigned": unsigned,
		"garbage":  "not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.ValidateToken(tok)
			assert.Error(t, err)
		})
	}
}

func TestHandler_Login(t *testing.T) {
	h := NewHandler(newTestService(t))

	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"milanesa"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_token")

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"nope"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
