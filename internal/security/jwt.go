package security

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWT validation errors.
var (
	// ErrInvalidToken indicates a token is malformed or fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates a token has expired.
	ErrExpiredToken = errors.New("token expired")
)

// Token audiences keep admin and service tokens from being used interchangeably.
const (
	AudienceAdmin   = "quota-admin"
	AudienceService = "quota-service"
)

// AdminClaims defines JWT claims for administrators.
type AdminClaims struct {
	AdminID  uint64 `json:"admin_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ServiceClaims defines JWT claims for services calling the limits API.
type ServiceClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

// GenerateAdminToken signs an admin JWT with the configured expiry.
func GenerateAdminToken(secret string, adminID uint64, username string, expiry time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		AdminID:  adminID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{AudienceAdmin},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAdminToken validates an admin JWT and returns its claims.
func ParseAdminToken(secret string, tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	if errParse := parseWithAudience(secret, tokenString, claims, AudienceAdmin); errParse != nil {
		return nil, errParse
	}
	return claims, nil
}

// GenerateServiceToken signs a service JWT. A zero expiry issues a token
// without an expiration claim.
func GenerateServiceToken(secret string, service string, expiry time.Duration) (string, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return "", errors.New("service name is required")
	}
	now := time.Now().UTC()
	registered := jwt.RegisteredClaims{
		Subject:   service,
		Audience:  jwt.ClaimStrings{AudienceService},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	if expiry > 0 {
		registered.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ServiceClaims{Service: service, RegisteredClaims: registered})
	return token.SignedString([]byte(secret))
}

// ParseServiceToken validates a service JWT and returns its claims.
func ParseServiceToken(secret string, tokenString string) (*ServiceClaims, error) {
	claims := &ServiceClaims{}
	if errParse := parseWithAudience(secret, tokenString, claims, AudienceService); errParse != nil {
		return nil, errParse
	}
	if strings.TrimSpace(claims.Service) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func parseWithAudience(secret, tokenString string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	}, jwt.WithAudience(audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
