package service_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/invigil/invigil-backend/internal/config"
	"github.com/invigil/invigil-backend/internal/service"
)

const testSecret = "test-secret"

func mintToken(t *testing.T, secret, role string, userID int, ttl time.Duration) string {
	t.Helper()
	claims := &service.Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateToken(t *testing.T) {
	svc := service.NewAuthService(&config.Config{JWTSecret: testSecret})

	claims, err := svc.ValidateToken(mintToken(t, testSecret, service.RoleStudent, 7, time.Hour))
	require.NoError(t, err)
	require.Equal(t, 7, claims.UserID)
	require.Equal(t, service.RoleStudent, claims.Role)

	claims, err = svc.ValidateToken(mintToken(t, testSecret, service.RoleTeacher, 100, time.Hour))
	require.NoError(t, err)
	require.Equal(t, service.RoleTeacher, claims.Role)
}

func TestValidateTokenRejections(t *testing.T) {
	svc := service.NewAuthService(&config.Config{JWTSecret: testSecret})

	// Wrong signing key.
	_, err := svc.ValidateToken(mintToken(t, "other-secret", service.RoleStudent, 7, time.Hour))
	require.Error(t, err)

	// Expired.
	_, err = svc.ValidateToken(mintToken(t, testSecret, service.RoleStudent, 7, -time.Minute))
	require.Error(t, err)

	// Unknown role.
	_, err = svc.ValidateToken(mintToken(t, testSecret, "admin", 7, time.Hour))
	require.Error(t, err)

	// Not a token at all.
	_, err = svc.ValidateToken("garbage")
	require.Error(t, err)
}
