// Package auth verifies the session tokens that authenticate management
// plane callers. A token is a signed JWT whose subject is the numeric id
// of the owning user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/apiverse/apiverse/internal/config"
)

// ErrUnauthenticated is returned for missing, malformed, expired or
// foreign tokens. Callers map it to 401.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves a bearer token to the owner it was issued for.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (uint, error)
}

// JWTAuthenticator verifies HMAC-signed session tokens.
type JWTAuthenticator struct {
	secret []byte
	method jwt.SigningMethod
	issuer string
	now    func() time.Time
}

// NewJWTAuthenticator builds an authenticator from cfg. The algorithm must
// be one of the HMAC family.
func NewJWTAuthenticator(cfg config.AuthConfig) (*JWTAuthenticator, error) {
	method, ok := jwt.GetSigningMethod(cfg.JWTAlgorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.JWTAlgorithm)
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &JWTAuthenticator{
		secret: []byte(cfg.JWTSecret),
		method: method,
		issuer: cfg.Issuer,
		now:    time.Now,
	}, nil
}

// Authenticate validates the signature, the time claims and, when
// configured, the issuer. The subject must be a positive integer.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (uint, error) {
	if token == "" {
		return 0, ErrUnauthenticated
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{a.method.Alg()}))
	if _, err := parser.ParseWithClaims(token, claims, a.key); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return 0, fmt.Errorf("%w: unexpected issuer %q", ErrUnauthenticated, claims.Issuer)
	}

	owner, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || owner == 0 {
		return 0, fmt.Errorf("%w: invalid subject %q", ErrUnauthenticated, claims.Subject)
	}
	return uint(owner), nil
}

func (a *JWTAuthenticator) key(*jwt.Token) (any, error) {
	return a.secret, nil
}

// Issue signs a token for ownerID valid for ttl. It backs the token
// subcommand of the server binary and tests.
func (a *JWTAuthenticator) Issue(ownerID uint, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(ownerID), 10),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(a.method, claims).SignedString(a.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type ownerKey struct{}

// WithOwner returns a context carrying the authenticated owner id.
func WithOwner(ctx context.Context, ownerID uint) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFrom returns the owner id stored by WithOwner.
func OwnerFrom(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(ownerKey{}).(uint)
	return id, ok
}
