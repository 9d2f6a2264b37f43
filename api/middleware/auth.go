// Package middleware holds the gin middlewares shared by every route.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kilianp07/qgdispatch/api/httperr"
	"github.com/kilianp07/qgdispatch/core/model"
)

const identityKey = "qg.identity"

var errUnauthorized = errors.New("unauthorized")

// Claims are the bearer token claims turned into an Identity.
type Claims struct {
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts the claims.
func (c Claims) Identity() model.Identity {
	return model.Identity{Subject: c.Subject, Email: c.Email, Username: c.PreferredUsername}
}

// Auth verifies the HS256 bearer token of every request and stores the caller
// identity on the context. An empty secret disables verification and every
// caller is anonymous.
func Auth(secret, issuer string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) {
			c.Set(identityKey, model.Anonymous())
			c.Next()
		}
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)
	return func(c *gin.Context) {
		claims, err := parse(parser, []byte(secret), bearer(c))
		if err != nil {
			httperr.AbortWith(c, http.StatusUnauthorized, "Not authenticated")
			return
		}
		c.Set(identityKey, claims.Identity())
		c.Next()
	}
}

func parse(parser *jwt.Parser, secret []byte, token string) (Claims, error) {
	if token == "" {
		return Claims{}, errUnauthorized
	}
	var claims Claims
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return Claims{}, errUnauthorized
	}
	return claims, nil
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// IdentityFrom returns the identity stored by Auth.
func IdentityFrom(c *gin.Context) model.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(model.Identity); ok {
			return id
		}
	}
	return model.Anonymous()
}
