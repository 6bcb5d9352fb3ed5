// Package session issues and validates the bearer tokens handed out after a
// successful second authentication factor.
package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/access"
)

const audience = "portal"

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.RegisteredClaims
	Username string      `json:"username,omitempty"`
	Role     access.Role `json:"role"`
}

// Principal returns the caller identity bound to the token.
func (c Claims) Principal() access.Principal {
	return access.Principal{ID: c.Subject, Role: c.Role}
}

type Issuer struct {
	key     []byte
	ttl     time.Duration
	issuer  string
	nowFunc func() time.Time
}

func NewIssuer(conf *core.Config) *Issuer {
	return &Issuer{
		key:     []byte(conf.SecretKey),
		ttl:     conf.Server.JWTExpirationDelta,
		issuer:  conf.AppName,
		nowFunc: time.Now,
	}
}

// Issue signs an HS256 token for the given identity. Role is fixed for the token lifetime.
func (iss *Issuer) Issue(subject, username string, role access.Role) (string, time.Time, error) {
	now := iss.nowFunc().UTC()
	expiresAt := now.Add(iss.ttl).Truncate(time.Second)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    iss.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Username: username,
		Role:     role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(iss.key)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "signing token")
	}
	return token, expiresAt, nil
}

// Validate parses token and returns its claims.
// Expired tokens yield core.ErrExpiredToken, anything else unusable core.ErrInvalidToken.
func (iss *Issuer) Validate(token string) (*Claims, error) {
	claims := new(Claims)
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(*jwt.Token) (interface{}, error) { return iss.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(iss.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(iss.nowFunc),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.ErrExpiredToken.WithCause(err)
		}
		return nil, core.ErrInvalidToken.WithCause(err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return nil, core.ErrInvalidToken
	}
	return claims, nil
}
