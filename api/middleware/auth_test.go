package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/qgdispatch/core/model"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func router(secret string, got *model.Identity) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Auth(secret, ""))
	r.GET("/me", func(c *gin.Context) {
		*got = IdentityFrom(c)
		c.Status(http.StatusNoContent)
	})
	return r
}

func do(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthBuildsIdentity(t *testing.T) {
	var got model.Identity
	r := router(secret, &got)
	tok := sign(t, jwt.SigningMethodHS256, []byte(secret), Claims{
		Email:             "op@qg.fr",
		PreferredUsername: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	w := do(r, tok)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, model.Identity{Subject: "user-1", Email: "op@qg.fr", Username: "operator"}, got)
	assert.Equal(t, "operator", got.Label())
}

func TestAuthRejects(t *testing.T) {
	var got model.Identity
	r := router(secret, &got)
	valid := jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	cases := map[string]string{
		"missing":      "",
		"garbage":      "not-a-token",
		"wrong secret": sign(t, jwt.SigningMethodHS256, []byte("other"), Claims{RegisteredClaims: valid}),
		"wrong alg":    sign(t, jwt.SigningMethodHS512, []byte(secret), Claims{RegisteredClaims: valid}),
		"expired": sign(t, jwt.SigningMethodHS256, []byte(secret), Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}),
		"no subject": sign(t, jwt.SigningMethodHS256, []byte(secret), Claims{Email: "x@qg.fr"}),
	}
	for name, tok := range cases {
		w := do(r, tok)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
		assert.JSONEq(t, `{"detail":"Not authenticated"}`, w.Body.String(), name)
	}
}

func TestAuthDisabled(t *testing.T) {
	var got model.Identity
	r := router("", &got)
	w := do(r, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, model.Anonymous(), got)
}
