package auth

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/honeynil/TokenAuthService/internal/models"
	pkgerrors "github.com/honeynil/TokenAuthService/pkg/errors"
)

// Expiry selects how a token's exp claim is computed: relative to issuance or pinned
// to an absolute instant.
type Expiry struct {
	ttl time.Duration
	at  time.Time
}

func TTL(d time.Duration) Expiry {
	return Expiry{ttl: d}
}

// At pins exp to t. Rotation uses it to keep a session's original outer boundary.
func At(t time.Time) Expiry {
	return Expiry{at: t}
}

func (e Expiry) resolve(now time.Time) time.Time {
	if !e.at.IsZero() {
		return e.at
	}
	return now.Add(e.ttl)
}

type CodecConfig struct {
	Secret    []byte
	Algorithm string
}

// Codec signs and decodes tokens with one process-wide secret and algorithm.
type Codec struct {
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
}

type CodecOption func(*Codec)

func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.now = now
	}
}

type tokenClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

func NewCodec(cfg CodecConfig, opts ...CodecOption) (*Codec, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("JWT secret not set")
	}
	method, ok := jwt.GetSigningMethod(strings.ToUpper(cfg.Algorithm)).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm: %q", cfg.Algorithm)
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	c := &Codec{
		secret: secret,
		method: method,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) Algorithm() string {
	return c.method.Alg()
}

// Issue signs a fresh token for subject. The returned Token mirrors the claims as they
// will decode, with times truncated to whole seconds.
func (c *Codec) Issue(subject string, tokenType models.TokenType, expiry Expiry) (string, *models.Token, error) {
	if subject == "" {
		return "", nil, fmt.Errorf("%w: empty subject", pkgerrors.ErrInvalidInput)
	}
	if !tokenType.Valid() {
		return "", nil, pkgerrors.ErrInvalidTokenType
	}

	now := c.now().UTC().Truncate(time.Second)
	expiresAt := expiry.resolve(now).UTC().Truncate(time.Second)
	if !expiresAt.After(now) {
		return "", nil, fmt.Errorf("%w: expires_at %s is not after issued_at %s",
			pkgerrors.ErrInvalidInput, expiresAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	jti, err := uuid.NewRandom()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate jti: %w", err)
	}

	claims := tokenClaims{
		Type: string(tokenType),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        jti.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, &models.Token{
		Subject:   subject,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		Type:      tokenType,
	}, nil
}

// Decode verifies signature and time claims. Every failure maps to one of
// ErrMalformedToken, ErrInvalidSignature or ErrTokenExpired.
func (c *Codec) Decode(raw string) (*models.Token, error) {
	if raw == "" {
		return nil, pkgerrors.ErrMalformedToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)

	var claims tokenClaims
	token, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != c.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, pkgerrors.ErrMalformedToken
	}

	tokenType, ok := models.ParseTokenType(claims.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", pkgerrors.ErrMalformedToken, claims.Type)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", pkgerrors.ErrMalformedToken)
	}
	jti, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid jti", pkgerrors.ErrMalformedToken)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing iat", pkgerrors.ErrMalformedToken)
	}

	return &models.Token{
		Subject:   claims.Subject,
		JTI:       jti,
		IssuedAt:  claims.IssuedAt.UTC(),
		ExpiresAt: claims.ExpiresAt.UTC(),
		Type:      tokenType,
	}, nil
}

func classify(err error) error {
	switch {
	case stderrors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", pkgerrors.ErrTokenExpired, err)
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid),
		stderrors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", pkgerrors.ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %v", pkgerrors.ErrMalformedToken, err)
	}
}
