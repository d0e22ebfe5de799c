package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/store"
)

var testSecret = []byte("test-secret")

func newTestResolver() *JWTResolver {
	users := store.NewMemory()
	users.PutUser(chat.User{ID: "alice", Name: "Alice"})
	return NewJWTResolver(testSecret, users)
}

func TestResolve_ValidToken(t *testing.T) {
	token, err := IssueToken(testSecret, "alice", "alice@example.com", time.Hour)
	require.NoError(t, err)

	u, err := newTestResolver().Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.ID)
	assert.Equal(t, "Alice", u.Name)
}

func TestResolve_Failures(t *testing.T) {
	expired, err := IssueToken(testSecret, "alice", "", -time.Minute)
	require.NoError(t, err)
	wrongKey, err := IssueToken([]byte("other"), "alice", "", time.Hour)
	require.NoError(t, err)
	unknown, err := IssueToken(testSecret, "mallory", "", time.Hour)
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{ID: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"missing":   "",
		"garbage":   "not-a-jwt",
		"expired":   expired,
		"wrong key": wrongKey,
		"unknown":   unknown,
		"alg none":  noneAlg,
	}
	r := newTestResolver()
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnauthenticated), "expected ErrUnauthenticated, got %v", err)
		})
	}
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	r.AddCookie(&http.Cookie{Name: "token", Value: "c"})
	assert.Equal(t, "q", CredentialFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer h")
	r.AddCookie(&http.Cookie{Name: "token", Value: "c"})
	assert.Equal(t, "h", CredentialFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "token", Value: "c"})
	assert.Equal(t, "c", CredentialFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Equal(t, "", CredentialFromRequest(r))
}
