package challenge

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenType = "mfa_challenge"

var ErrInvalidChallenge = errors.New("invalid MFA challenge")

// Claims identify a login that passed the password check and still owes a
// second factor. The challenge is bound to the session that started it.
type Claims struct {
	Username  string `json:"username"`
	SessionID string `json:"sid"`
	TokenType string `json:"tokenType"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	Now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, Now: time.Now}
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Generate returns a signed challenge and its ID. The caller keeps the ID
// in the session so the challenge can be spent once.
func (i *Issuer) Generate(username, sessionID string) (string, string, error) {
	now := i.now()
	jti := uuid.New().String()
	claims := Claims{
		Username:  username,
		SessionID: sessionID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidChallenge
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("%w: wrong token type", ErrInvalidChallenge)
	}
	if claims.ID == "" || claims.SessionID == "" || claims.Username == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrInvalidChallenge)
	}
	return claims, nil
}
