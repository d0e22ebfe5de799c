// Package auth resolves the opaque credential presented in the WebSocket
// handshake into a user identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/store"
)

// ErrUnauthenticated is wrapped by every resolution failure: missing,
// malformed or expired credentials and credentials for unknown users.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Resolver turns a credential into the user it identifies.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (*chat.User, error)
}

// Claims is the token payload. ID is the user id.
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 tokens and loads the user named by the id claim.
type JWTResolver struct {
	secret []byte
	users  store.UserFinder
}

// NewJWTResolver creates a resolver verifying tokens with secret.
func NewJWTResolver(secret []byte, users store.UserFinder) *JWTResolver {
	return &JWTResolver{secret: secret, users: users}
}

func (r *JWTResolver) Resolve(ctx context.Context, credential string) (*chat.User, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: missing credential", ErrUnauthenticated)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid || claims.ID == "" {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	user, err := r.users.FindUserByID(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s not found", ErrUnauthenticated, claims.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: load user %s: %w", claims.ID, err)
	}
	return user, nil
}

// IssueToken signs a token for userID valid for ttl. The account service
// issues tokens in production; this is used by tooling and tests.
func IssueToken(secret []byte, userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		ID:    userID,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// CredentialFromRequest extracts the handshake credential: the "token" query
// parameter, then an "Authorization: Bearer" header, then the "token" cookie.
func CredentialFromRequest(r *http.Request) string {
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if v, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(v)
		}
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}
