package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmerrifield20/carbonanchor/internal/secrets"
)

const ctxOperatorClaims = "carbon_operator_claims"

// RoleOperator is the only role allowed on mutating routes.
const RoleOperator = "operator"

// OperatorClaims are the JWT claims carried by operator bearer tokens.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
	Role     string `json:"role"`
}

// OperatorTokens issues and verifies HS256 operator tokens. The signing
// secret is resolved on every call and never kept.
type OperatorTokens struct {
	resolver  secrets.Resolver
	secretRef string
	issuer    string
	ttl       time.Duration
}

// NewOperatorTokens creates an OperatorTokens. ttl defaults to 12 hours.
func NewOperatorTokens(resolver secrets.Resolver, secretRef, issuer string, ttl time.Duration) *OperatorTokens {
	if ttl == 0 {
		ttl = 12 * time.Hour
	}
	return &OperatorTokens{resolver: resolver, secretRef: secretRef, issuer: issuer, ttl: ttl}
}

// Issue creates a signed operator token.
func (t *OperatorTokens) Issue(ctx context.Context, operator string) (string, error) {
	secret, err := t.resolver.Resolve(ctx, t.secretRef)
	if err != nil {
		return "", fmt.Errorf("resolve token secret: %w", err)
	}
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Operator: operator,
		Role:     RoleOperator,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an operator token, returning its claims.
func (t *OperatorTokens) Verify(ctx context.Context, tokenStr string) (*OperatorClaims, error) {
	secret, err := t.resolver.Resolve(ctx, t.secretRef)
	if err != nil {
		return nil, fmt.Errorf("resolve token secret: %w", err)
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&OperatorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Role != RoleOperator {
		return nil, fmt.Errorf("role %q is not allowed", claims.Role)
	}
	return claims, nil
}

// RequireOperator returns a Gin middleware that enforces a valid operator
// Bearer token. A nil tokens disables enforcement for local runs.
func RequireOperator(tokens *OperatorTokens) gin.HandlerFunc {
	if tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "operator Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(c.Request.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid operator token: " + err.Error(),
			})
			return
		}

		c.Set(ctxOperatorClaims, claims)
		c.Next()
	}
}

// OperatorFromCtx retrieves the claims injected by RequireOperator.
func OperatorFromCtx(c *gin.Context) *OperatorClaims {
	v, _ := c.Get(ctxOperatorClaims)
	claims, _ := v.(*OperatorClaims)
	return claims
}
