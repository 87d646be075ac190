package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/washline/apiserver/types"
)

// TokenTTL is the lifetime of a session token and its cookie.
const TokenTTL = 7 * 24 * time.Hour

// ErrInvalidToken covers malformed, tampered, expired and incomplete tokens.
// Callers treat it exactly like a missing token.
var ErrInvalidToken = errors.New("invalid token")

// Payload is the identity a token is minted for.
type Payload struct {
	UserID int
	Email  string
	Role   types.Role
	Name   string
}

// Claims is the signed credential payload carried by the session cookie.
type Claims struct {
	UserID string     `json:"userId"`
	Email  string     `json:"email"`
	Role   types.Role `json:"role"`
	Name   string     `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// NumericUserID returns the user id carried by the claims.
func (c Claims) NumericUserID() (int, error) {
	id, err := strconv.Atoi(c.UserID)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: bad user id", ErrInvalidToken)
	}
	return id, nil
}

// Codec issues and verifies HS256 session tokens. It performs no I/O, so
// the gatekeeper and the endpoint guard share one implementation.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCodec(secret string) *Codec {
	return &Codec{
		secret: []byte(secret),
		ttl:    TokenTTL,
		now:    time.Now,
	}
}

// WithClock returns a copy of the codec that reads time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

// Issue signs a token for p. IssuedAt is the current time and ExpiresAt
// lies TokenTTL after it.
func (c *Codec) Issue(p Payload) (string, Claims, error) {
	if p.UserID < 1 || strings.TrimSpace(p.Email) == "" || !p.Role.Valid() {
		return "", Claims{}, errors.New("incomplete token payload")
	}
	now := c.now().Truncate(time.Second)
	claims := Claims{
		UserID: strconv.Itoa(p.UserID),
		Email:  p.Email,
		Role:   p.Role,
		Name:   p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.Itoa(p.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", Claims{}, err
	}
	return signed, claims, nil
}

// Parse verifies the signature and expiry of tokenString and returns its
// claims. Every failure wraps ErrInvalidToken.
func (c *Codec) Parse(tokenString string) (Claims, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" || strings.TrimSpace(claims.Email) == "" {
		return Claims{}, fmt.Errorf("%w: missing identity claims", ErrInvalidToken)
	}
	if !claims.Role.Valid() {
		return Claims{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	if _, err := claims.NumericUserID(); err != nil {
		return Claims{}, err
	}
	return claims, nil
}
