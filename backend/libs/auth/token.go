package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceClaims identifies a metering device towards ingestion endpoints.
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenService issues and validates short-lived device tokens.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
	now       func() time.Time
}

// NewTokenService returns configured token service.
func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	if expiresIn <= 0 {
		expiresIn = 5 * time.Minute
	}
	return &TokenService{secret: []byte(secret), expiresIn: expiresIn, now: time.Now}
}

// GenerateToken issues JWT for given device.
func (t *TokenService) GenerateToken(deviceID string) (string, error) {
	if deviceID == "" {
		return "", errors.New("token: device id is required")
	}
	if len(t.secret) == 0 {
		return "", errors.New("token: secret is not configured")
	}

	now := t.now().UTC()
	claims := DeviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken verifies and decodes JWT.
func (t *TokenService) ValidateToken(tokenString string) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*DeviceClaims); ok && token.Valid && claims.DeviceID != "" {
		return claims, nil
	}

	return nil, errors.New("token: invalid claims")
}
