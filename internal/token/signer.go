package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Signer is an interface for signing and verifying JWT access credentials
type Signer interface {
	// Sign creates a signed JWT token from claims
	Sign(claims jwt.MapClaims) (string, error)

	// GetVerificationKey returns the key used to verify token
	GetVerificationKey(token *jwt.Token) (any, error)
}

// HMACSigner implements Signer using symmetric HMAC-SHA256
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates a new HMAC signer with the given secret
func NewHMACSigner(secret string) *HMACSigner {
	return &HMACSigner{
		secret: []byte(secret),
	}
}

func (h *HMACSigner) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(h.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token with HMAC")
	}
	return signedToken, nil
}

func (h *HMACSigner) GetVerificationKey(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return h.secret, nil
}

// AccessClaims describes the payload the credential-issuance backend puts in
// an access credential.
type AccessClaims struct {
	UserID    int64
	Email     string
	Role      string
	ExpiresAt time.Time
}

// MapClaims renders the claims the way the backend does (userId, email, role, exp).
func (c AccessClaims) MapClaims(issuedAt time.Time) jwt.MapClaims {
	claims := jwt.MapClaims{
		"userId": c.UserID,
		"email":  c.Email,
		"iat":    issuedAt.Unix(),
		"exp":    c.ExpiresAt.Unix(),
		"jti":    uuid.New().String(),
	}
	if c.Role != "" {
		claims["role"] = c.Role
	}
	return claims
}

// SignAccess signs c with signer.
func SignAccess(signer Signer, c AccessClaims, issuedAt time.Time) (string, error) {
	return signer.Sign(c.MapClaims(issuedAt))
}

// Verify parses raw with signer's key and returns its claims.
func Verify(signer Signer, raw string, now time.Time) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, signer.GetVerificationKey,
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "invalid token")
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
