package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingSecret = errors.New("auth: missing secret")
	ErrMissingDevice = errors.New("auth: missing device id")
	ErrInvalidExpiry = errors.New("auth: invalid expiry")
)

// Claims identifies the device a token was issued to.
type Claims struct {
	DeviceID string `json:"sub"`
	jwt.RegisteredClaims
}

// TokenConfig holds the relay's signing secret and token policy.
type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: "termsync-relay",
	}
}

// CreateToken issues a device token. The device id is the subject.
func CreateToken(deviceID string, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", ErrMissingSecret
	}
	if deviceID == "" {
		return "", ErrMissingDevice
	}
	if cfg.Expiry <= 0 {
		return "", ErrInvalidExpiry
	}

	now := time.Now()
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.DeviceID == "" {
		return nil, fmt.Errorf("auth: token has no device: %w", jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

// VerifyDeviceToken checks tokenString and that it was issued to deviceID.
func VerifyDeviceToken(tokenString, deviceID string, cfg TokenConfig) error {
	claims, err := VerifyToken(tokenString, cfg)
	if err != nil {
		return err
	}
	if claims.DeviceID != deviceID {
		return fmt.Errorf("auth: token issued to %s: %w", claims.DeviceID, jwt.ErrTokenInvalidSubject)
	}
	return nil
}
