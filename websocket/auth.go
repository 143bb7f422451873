package websocket

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/config"
)

var errTokenRevoked = errors.New("token has been revoked")

// Claims are the JWT claims accepted at the handshake. The subject is the
// user id; the jti is what the revocation list is keyed on.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator checks tokens issued by the external identity provider.
type JWTValidator struct {
	cfg         config.AuthConfig
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewJWTValidator creates a new JWT validator. redisClient may be nil, in
// which case revocation is not checked.
func NewJWTValidator(cfg config.AuthConfig, redisClient *redis.Client, logger *zap.Logger) *JWTValidator {
	return &JWTValidator{
		cfg:         cfg,
		redisClient: redisClient,
		logger:      logger.Named("auth"),
	}
}

// ValidateToken parses and validates a JWT string. It checks the signature,
// standard claims (like expiration), and the revocation list in Redis.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	revoked, err := v.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open: a Redis outage must not lock every user out.
		v.logger.Error("Failed to check token revocation status", zap.Error(err))
	}
	if revoked {
		return nil, errTokenRevoked
	}
	return claims, nil
}

func (v *JWTValidator) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil {
		return false, nil
	}
	if jti == "" {
		v.logger.Warn("JWT token is missing 'jti' claim, cannot check for revocation")
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", v.cfg.RevocationListKey, jti)
	exists, err := v.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return exists == 1, nil
}
