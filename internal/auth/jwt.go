package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/social-marketplace/backend/internal/models"
	"github.com/social-marketplace/backend/internal/rbac"
)

const issuer = "social-marketplace"

type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Role   rbac.Role `json:"role"`
	jwt.RegisteredClaims
}

// Actor converts verified claims into the caller identity passed to services.
func (c *Claims) Actor() models.Actor {
	return models.Actor{UserID: c.UserID, Role: c.Role}
}

// GenerateJWT issues a token for userID with the given platform role.
// A non-positive expiration defaults to 24h.
func GenerateJWT(secret string, userID uuid.UUID, role rbac.Role, expiration time.Duration) (string, error) {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}

	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWT(secret string, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.UserID == uuid.Nil {
		return nil, fmt.Errorf("token has no user")
	}
	// The system role is reserved for in-process workers.
	if _, known := rbac.RolePermissions[claims.Role]; !known || claims.Role == rbac.RoleSystem {
		return nil, fmt.Errorf("unsupported role %q", claims.Role)
	}
	return claims, nil
}
