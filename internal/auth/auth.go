package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// UserStore is the user persistence the resolver needs
type UserStore interface {
	GetUserBySubject(ctx context.Context, subject string) (*models.User, error)
	CreateUser(ctx context.Context, subject, email string) (*models.User, error)
}

// Claims is what the identity provider vouches for
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Identity is a verified caller mapped to an internal user
type Identity struct {
	UserID  int
	Subject string
	Email   string
}

// AuthService verifies provider tokens and resolves them to users
type AuthService struct {
	Users    UserStore
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	logger   *zap.Logger
}

// Options configure token verification. Issuer and Audience are only
// enforced when set.
type Options struct {
	Secret   string
	Issuer   string
	Audience string
	TokenTTL time.Duration
	Logger   *zap.Logger
}

// NewAuthService creates a new auth service
func NewAuthService(users UserStore, opts Options) *AuthService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	return &AuthService{
		Users:    users,
		secret:   []byte(opts.Secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		ttl:      opts.TokenTTL,
		logger:   opts.Logger,
	}
}

// IssueToken signs a token for subject. The marketplace trusts an external
// provider in production; this exists for local development, seeding and tests.
func (s *AuthService) IssueToken(subject, email string) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	if s.issuer != "" {
		claims.Issuer = s.issuer
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyToken checks signature, expiry and, when configured, issuer and audience
func (s *AuthService) VerifyToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", apperr.ErrUnauthenticated)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid token", apperr.ErrUnauthenticated)
	}
	return claims, nil
}

// Resolve maps an external subject to an internal user id, creating the user
// on first sight. Concurrent first contacts converge on one row: the loser of
// the insert race re-reads instead of failing.
func (s *AuthService) Resolve(ctx context.Context, subject, email string) (*models.User, error) {
	user, err := s.Users.GetUserBySubject(ctx, subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: failed to look up user: %v", apperr.ErrInternal, err)
	}

	if email == "" {
		email = subject + "@auth0.local"
	}
	user, err = s.Users.CreateUser(ctx, subject, email)
	if err == nil {
		s.logger.Info("user created", zap.Int("user_id", user.ID), zap.String("subject", subject))
		return user, nil
	}
	if !errors.Is(err, apperr.ErrConflict) {
		return nil, fmt.Errorf("%w: failed to create user: %v", apperr.ErrInternal, err)
	}

	user, err = s.Users.GetUserBySubject(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to re-read user: %v", apperr.ErrInternal, err)
	}
	return user, nil
}

// Authenticate verifies a raw token (with or without "Bearer ") and resolves
// the caller to a user
func (s *AuthService) Authenticate(ctx context.Context, tokenString string) (*Identity, error) {
	tokenString = ExtractBearer(tokenString)
	if tokenString == "" {
		return nil, fmt.Errorf("%w: no token provided", apperr.ErrUnauthenticated)
	}

	claims, err := s.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}
	user, err := s.Resolve(ctx, claims.Subject, claims.Email)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: user.ID, Subject: claims.Subject, Email: user.Email}, nil
}

// ExtractBearer strips an optional "Bearer " prefix
func ExtractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
