// Package auth resolves the calling subject from an HS256 bearer token.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tempohq/tempo/internal/xerrors"
)

var (
	ErrNoCredentials = xerrors.E(xerrors.KindUnauthenticated, "missing bearer token")
	ErrInvalidToken  = xerrors.E(xerrors.KindUnauthenticated, "invalid token")
	ErrExpiredToken  = xerrors.E(xerrors.KindUnauthenticated, "expired token")
)

type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type JWT struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

type Option func(*JWT)

// WithIssuer requires and stamps the iss claim.
func WithIssuer(iss string) Option { return func(j *JWT) { j.issuer = iss } }

func WithLeeway(d time.Duration) Option { return func(j *JWT) { j.leeway = d } }

func WithClock(now func() time.Time) Option { return func(j *JWT) { j.now = now } }

func NewJWT(secret string, opts ...Option) *JWT {
	j := &JWT{secret: []byte(secret), leeway: 30 * time.Second, now: time.Now}
	for _, o := range opts {
		o(j)
	}
	return j
}

// HasCredentials reports whether r carries an Authorization header at all.
func HasCredentials(r *http.Request) bool {
	return r.Header.Get("Authorization") != ""
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// Authenticate returns the token's subject.
func (j *JWT) Authenticate(r *http.Request) (string, error) {
	raw, ok := bearer(r)
	if !ok {
		return "", ErrNoCredentials
	}
	claims, err := j.Parse(raw)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (j *JWT) Parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.leeway),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	case claims.Subject == "":
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Issue signs a token for subject valid for ttl.
func (j *JWT) Issue(subject, email string, ttl time.Duration) (string, error) {
	now := j.now()
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", xerrors.Wrap(err, "sign token")
	}
	return s, nil
}
