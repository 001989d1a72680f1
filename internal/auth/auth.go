// Package auth gates admin operations behind a shared token.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// HeaderAdminToken carries the admin token on HTTP requests.
const HeaderAdminToken = "X-Formlink-Admin-Token"

type Validator interface {
	Validate(token string) error
}

// SharedToken accepts exactly one token. The empty SharedToken accepts
// nothing.
type SharedToken string

func (s SharedToken) Validate(token string) error {
	if s == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Open accepts every token.
type Open struct{}

func (Open) Validate(string) error {
	return nil
}

// ForToken returns Open when token is blank and a SharedToken otherwise.
func ForToken(token string) Validator {
	token = strings.TrimSpace(token)
	if token == "" {
		return Open{}
	}
	return SharedToken(token)
}

// Middleware rejects requests whose admin token header fails v.
func Middleware(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := v.Validate(c.GetHeader(HeaderAdminToken)); err != nil {
			log.Warn().Str("path", c.Request.URL.Path).Str("client_ip", c.ClientIP()).Msg("admin request rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
