package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshCookieName is the cookie carrying the long-lived refresh token.
const RefreshCookieName = "nwid"

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID       string `json:"userId"`
	Username     string `json:"username,omitempty"`
	TokenVersion int    `json:"tokenVersion,omitempty"`
	jwt.RegisteredClaims
}

type contextKey string

const UserKey contextKey = "user"

// Issuer signs and verifies both token kinds. Access and refresh tokens use
// different secrets so one can never be replayed as the other.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewIssuer(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
}

// GenerateAccessToken creates a short-lived bearer token for userID.
func (i *Issuer) GenerateAccessToken(userID, username string) (string, error) {
	return i.sign(i.accessSecret, i.accessTTL, &Claims{UserID: userID, Username: username})
}

// GenerateRefreshToken creates a refresh token bound to the user's token version.
func (i *Issuer) GenerateRefreshToken(userID string, tokenVersion int) (string, error) {
	return i.sign(i.refreshSecret, i.refreshTTL, &Claims{UserID: userID, TokenVersion: tokenVersion})
}

func (i *Issuer) sign(secret []byte, ttl time.Duration, claims *Claims) (string, error) {
	now := i.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateAccessToken parses and validates a bearer token.
func (i *Issuer) ValidateAccessToken(tokenString string) (*Claims, error) {
	return i.validate(i.accessSecret, tokenString)
}

// ValidateRefreshToken parses and validates a refresh cookie value.
func (i *Issuer) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return i.validate(i.refreshSecret, tokenString)
}

func (i *Issuer) validate(secret []byte, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken strips the "Bearer " prefix from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// RefreshCookie builds the http-only cookie carrying a refresh token.
// An empty token clears the cookie.
func RefreshCookie(token, domain string, secure bool, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     "/",
		Domain:   domain,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	}
	if token == "" {
		c.MaxAge = -1
	}
	return c
}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, UserKey, claims)
}

func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserKey).(*Claims)
	return claims, ok
}
