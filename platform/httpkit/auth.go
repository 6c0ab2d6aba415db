package httpkit

import (
	"net/http"
	"slices"
	"strings"

	"lead_router_backend/platform/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// OperatorKey is the gin context key holding the authenticated Operator.
const OperatorKey = "operator"

const (
	errMissingToken = "missing token"
	errInvalidToken = "invalid token"
	errForbidden    = "forbidden"
)

// Operator is the person or system behind an admin request.
type Operator struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the operator carries role.
func (o Operator) HasRole(role string) bool {
	return slices.Contains(o.Roles, role)
}

type accessClaims struct {
	Type  string   `json:"type"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// AuthRequired validates HMAC-signed access tokens from the Authorization
// header. Tokens must carry a subject and an expiry. With no secret
// configured every request is rejected.
func AuthRequired(cfg config.JWTConfig) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		secret := cfg.GetJWTAccessSecret()
		rawToken, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || secret == "" {
			abortUnauthorized(c, errMissingToken)
			return
		}

		var claims accessClaims
		token, err := parser.ParseWithClaims(rawToken, &claims, func(*jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.Type != "access" || claims.Subject == "" {
			abortUnauthorized(c, errInvalidToken)
			return
		}

		c.Set(OperatorKey, Operator{Subject: claims.Subject, Roles: claims.Roles})
		c.Next()
	}
}

// RequireRole rejects requests whose operator lacks role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, ok := GetOperator(c)
		if !ok || !op.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: errForbidden})
			return
		}
		c.Next()
	}
}

// GetOperator returns the operator AuthRequired stored on the context.
func GetOperator(c *gin.Context) (Operator, bool) {
	v, ok := c.Get(OperatorKey)
	if !ok {
		return Operator{}, false
	}
	op, ok := v.(Operator)
	return op, ok
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(prefix):])
	return raw, raw != ""
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: message})
}
