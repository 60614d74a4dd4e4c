package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrRejected is the umbrella error for handshakes that do not carry a usable identity.
	ErrRejected = errors.New("authentication rejected")
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrRejected)
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = fmt.Errorf("%w: token expired", ErrRejected)
	// ErrMissingToken is returned when the caller presented no credentials at all.
	ErrMissingToken = fmt.Errorf("%w: missing token", ErrRejected)
)

// Claims is the identity resolved from a verified token.
type Claims struct {
	Sub       int64
	UserName  string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Verifier resolves a bearer token into the caller identity.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

type identityClaims struct {
	UserName string `json:"userName"`
	jwt.RegisteredClaims
}

// HMACTokenVerifier validates HS256 JWTs whose subject is the numeric user id.
type HMACTokenVerifier struct {
	secret   []byte
	now      func() time.Time
	leeway   time.Duration
	issuer   string
	audience string
}

// VerifierOption customises the verifier.
type VerifierOption func(*HMACTokenVerifier)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) VerifierOption {
	return func(v *HMACTokenVerifier) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

// WithAudience requires the aud claim to contain the value.
func WithAudience(audience string) VerifierOption {
	return func(v *HMACTokenVerifier) {
		v.audience = strings.TrimSpace(audience)
	}
}

// NewHMACTokenVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewHMACTokenVerifier(secret string, leeway time.Duration, opts ...VerifierOption) (*HMACTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	verifier := &HMACTokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier, nil
}

// Verify parses the token and validates the signature, expiry and subject, returning the identity.
func (v *HMACTokenVerifier) Verify(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	//1.- Restrict the algorithm to HS256 so alg=none or RSA confusion is rejected up front.
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}
	parser := jwt.NewParser(parserOpts...)

	claims := &identityClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	//2.- The engine keys players by an integer subject; anything else cannot be admitted.
	sub, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || sub <= 0 {
		return nil, fmt.Errorf("%w: subject %q is not a positive integer", ErrInvalidToken, claims.Subject)
	}
	userName := strings.TrimSpace(claims.UserName)
	if userName == "" {
		return nil, fmt.Errorf("%w: userName claim is required", ErrInvalidToken)
	}

	resolved := &Claims{Sub: sub, UserName: userName}
	if claims.ExpiresAt != nil {
		resolved.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		resolved.IssuedAt = claims.IssuedAt.Time
	}
	return resolved, nil
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *HMACTokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

// SignToken mints an HS256 token for the identity. Used by tooling and tests that need to
// impersonate the upstream identity provider.
func SignToken(secret string, sub int64, userName string, issuedAt time.Time, ttl time.Duration) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("hmac secret must not be empty")
	}
	claims := identityClaims{
		UserName: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(sub, 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
