package websocket

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/config"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenRevoked = errors.New("token has been revoked")
)

// Identity is the resolved (user, tenant) pair a connection acts as.
// Scopes, when present, restrict what the connection may do.
type Identity struct {
	UserID   string
	TenantID string
	Scopes   []string
}

// CanAccess reports whether the identity may perform action on resource.
// Scopes have the form action:resource, where resource may end in "*" to
// match a prefix. An identity without scopes is unrestricted.
func (i Identity) CanAccess(action, resource string) bool {
	if len(i.Scopes) == 0 {
		return true
	}
	for _, scope := range i.Scopes {
		scopeAction, pattern, ok := strings.Cut(scope, ":")
		if !ok || scopeAction != action {
			continue
		}
		if pattern == resource {
			return true
		}
		if prefix, wildcard := strings.CutSuffix(pattern, "*"); wildcard && strings.HasPrefix(resource, prefix) {
			return true
		}
	}
	return false
}

// JoinRequest carries the credentials presented in a join-tenant frame.
type JoinRequest struct {
	TenantID  string
	AuthToken string
	UserID    string
}

// IdentityResolver turns join credentials into an Identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, req JoinRequest) (Identity, error)
}

// TrustingResolver accepts the tenant and user named in the join frame as
// is. It is used when authentication is handled upstream.
type TrustingResolver struct{}

func (TrustingResolver) Resolve(_ context.Context, req JoinRequest) (Identity, error) {
	if req.TenantID == "" {
		return Identity{}, fmt.Errorf("%w: tenant id is required", ErrUnauthorized)
	}
	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}
	return Identity{UserID: userID, TenantID: req.TenantID}, nil
}

// JWTValidator handles JWT validation logic.
type JWTValidator struct {
	cfg         config.AuthConfig
	redisClient redis.UniversalClient
	log         *zap.Logger
}

// NewJWTValidator creates a new JWT validator. redisClient may be nil, in
// which case revocation is not checked.
func NewJWTValidator(cfg config.AuthConfig, redisClient redis.UniversalClient, log *zap.Logger) *JWTValidator {
	return &JWTValidator{
		cfg:         cfg,
		redisClient: redisClient,
		log:         log.With(zap.String("module", "auth")),
	}
}

func (v *JWTValidator) Resolve(ctx context.Context, req JoinRequest) (Identity, error) {
	if req.AuthToken == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	return v.ValidateToken(ctx, req.AuthToken)
}

// ValidateToken parses and validates a JWT string. It checks the signature,
// standard claims (like expiration), the subject and tenant claims, and the
// revocation list in Redis.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: token is invalid", ErrUnauthorized)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	tenantID, _ := claims[v.cfg.TenantClaim].(string)
	if tenantID == "" {
		return Identity{}, fmt.Errorf("%w: missing %s claim", ErrUnauthorized, v.cfg.TenantClaim)
	}

	jti, _ := claims["jti"].(string)
	revoked, err := v.isTokenRevoked(ctx, jti)
	if err != nil {
		// Revocation checks fail open.
		v.log.Error("failed to check token revocation status", zap.Error(err))
	}
	if revoked {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, ErrTokenRevoked)
	}

	return Identity{
		UserID:   subject,
		TenantID: tenantID,
		Scopes:   scopesOf(claims),
	}, nil
}

func scopesOf(claims jwt.MapClaims) []string {
	raw, ok := claims["scopes"].([]interface{})
	if !ok {
		return nil
	}
	scopes := make([]string, 0, len(raw))
	for _, s := range raw {
		if str, ok := s.(string); ok {
			scopes = append(scopes, str)
		}
	}
	return scopes
}

// isTokenRevoked checks if a token ID (JTI) is in the Redis revocation list.
func (v *JWTValidator) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil || jti == "" {
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", v.cfg.RevocationListKey, jti)
	exists, err := v.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return exists == 1, nil
}
