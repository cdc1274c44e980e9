package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	RoleAdmin   = "admin"
	RoleDoctor  = "doctor"
	RolePatient = "patient"

	principalKey = "principal"
)

// Token is minimal interface for a verified token that can expose claims
type Token interface {
	Claims(v interface{}) error
}

// Verifier is the minimal interface the middleware depends on
type Verifier interface {
	Verify(ctx context.Context, raw string) (Token, error)
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}

func (p Principal) IsStaff() bool { return p.Role == RoleAdmin || p.Role == RoleDoctor }

// AuthMiddleware verifies Bearer tokens and stores the caller's Principal
// and raw claims on the gin context.
func AuthMiddleware(ver Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}
		scheme, raw, ok := strings.Cut(auth, " ")
		raw = strings.TrimSpace(raw)
		if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header"})
			return
		}

		tok, err := ver.Verify(c.Request.Context(), raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "details": err.Error()})
			return
		}

		var claims map[string]interface{}
		if err := tok.Claims(&claims); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "failed to parse claims"})
			return
		}
		p := principalFromClaims(claims)
		if p.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token has no subject"})
			return
		}

		c.Set("claims", claims)
		c.Set(principalKey, p)
		c.Next()
	}
}

// SetPrincipal stores p on the context; used by trusted upstream middleware and tests.
func SetPrincipal(c *gin.Context, p Principal) { c.Set(principalKey, p) }

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func principalFromClaims(claims map[string]interface{}) Principal {
	p := Principal{}
	p.UserID, _ = claims["sub"].(string)
	p.Email, _ = claims["email"].(string)
	p.Name, _ = claims["name"].(string)

	if r, ok := claims["role"].(string); ok && knownRole(r) {
		p.Role = r
		return p
	}
	// Keycloak realm roles
	if ra, ok := claims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := ra["roles"].([]interface{}); ok {
			for _, want := range []string{RoleAdmin, RoleDoctor, RolePatient} {
				for _, r := range roles {
					if s, _ := r.(string); s == want {
						p.Role = want
						return p
					}
				}
			}
		}
	}
	p.Role = RolePatient
	return p
}

func knownRole(r string) bool { return r == RoleAdmin || r == RoleDoctor || r == RolePatient }

// rateKey prefers the authenticated subject and falls back to the client IP.
func rateKey(c *gin.Context) string {
	if p, ok := PrincipalFrom(c); ok && p.UserID != "" {
		return "sub:" + p.UserID
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}
