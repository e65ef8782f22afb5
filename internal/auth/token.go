package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	chat_errors "chatcore/pkg/errors"
)

// Claims carries the numeric user id the chat protocol keys everything by.
type Claims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an HS256 token issuer.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for userID.
func (i *Issuer) Issue(userID int64) (string, error) {
	if userID == 0 {
		return "", chat_errors.ErrInvalidInput
	}
	now := i.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Parse verifies the signature and expiry of a token.
func (i *Issuer) Parse(tokenString string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, chat_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", chat_errors.ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == 0 {
		return Claims{}, chat_errors.ErrUnauthorized
	}
	return *claims, nil
}

// Inspect reads the claims of a token without verifying it. Clients use it to
// learn their own user id and the token expiry; the server still verifies.
func Inspect(tokenString string) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", chat_errors.ErrInvalidInput, err)
	}
	if claims.UserID == 0 {
		return Claims{}, chat_errors.ErrInvalidInput
	}
	return claims, nil
}

// ExpiresWithin reports whether the token expires within d of now.
func (c Claims) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Time.Before(now.Add(d))
}
