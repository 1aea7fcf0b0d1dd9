package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/sma-group-change/internal/models"
	"github.com/noah-isme/sma-group-change/pkg/config"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
)

// TokenService verifies access tokens minted by the identity provider.
type TokenService struct {
	secret   []byte
	issuer   string
	audience []string
	now      func() time.Time
}

// NewTokenService constructs a TokenService from JWT settings.
func NewTokenService(cfg config.JWTConfig) *TokenService {
	return &TokenService{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}
}

// ValidateToken parses and validates an access token returning the claims.
func (s *TokenService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	for _, aud := range s.audience {
		opts = append(opts, jwt.WithAudience(aud))
	}

	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	if claims.UserID == "" || !models.IsKnownRole(claims.Role) {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "token is missing a subject or role")
	}
	return claims, nil
}

// Issue signs an access token; used by operators and tests to mint service tokens.
func (s *TokenService) Issue(userID string, role models.UserRole, ttl time.Duration) (string, time.Time, error) {
	issuedAt := s.now().UTC()
	expiresAt := issuedAt.Add(ttl)
	claims := &models.JWTClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  s.audience,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}
