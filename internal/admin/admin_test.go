package admin_test

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/link-rotator/internal/admin"
	apperrors "github.com/koopa0/system-design/link-rotator/pkg/errors"
)

func TestNew(t *testing.T) {
	_, err := admin.New(admin.Options{})
	assert.Error(t, err)

	_, err = admin.New(admin.Options{Secret: "s", Mode: "oauth"})
	assert.Error(t, err)

	g, err := admin.New(admin.Options{Secret: "s"})
	require.NoError(t, err)
	assert.NotNil(t, g)
}

func TestGate_Authenticate(t *testing.T) {
	tests := []struct {
		name    string
		mode    admin.Mode
		secret  string
		wantErr bool
	}{
		{name: "jwt match", mode: admin.ModeJWT, secret: "admin123"},
		{name: "legacy match", mode: admin.ModeLegacy, secret: "admin123"},
		{name: "mismatch", mode: admin.ModeJWT, secret: "wrong", wantErr: true},
		{name: "prefix of secret", mode: admin.ModeJWT, secret: "admin", wantErr: true},
		{name: "empty", mode: admin.ModeLegacy, secret: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := admin.New(admin.Options{Secret: "admin123", Mode: tt.mode})
			require.NoError(t, err)

			token, err := g.Authenticate(tt.secret)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsAuth(err))
				assert.Empty(t, token)
				return
			}
			require.NoError(t, err)
			assert.True(t, g.Validate(token))
		})
	}
}

func TestGate_LegacyToken(t *testing.T) {
	g, err := admin.New(admin.Options{Secret: "admin123", Mode: admin.ModeLegacy})
	require.NoError(t, err)

	fixed := time.UnixMilli(1700000000123)
	g.SetClock(func() time.Time { return fixed })

	token, err := g.Authenticate("admin123")
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Equal(t, "stats-auth-1700000000123", string(decoded))
	assert.True(t, strings.HasPrefix(token, "c3RhdHMtYXV0aC0"))

	// 只檢查前綴
	assert.True(t, g.Validate("c3RhdHMtYXV0aC0anything"))
	assert.False(t, g.Validate("bogus"))
	assert.False(t, g.Validate(""))
}

func TestGate_JWT(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	newGate := func(t *testing.T, opts admin.Options) *admin.Gate {
		t.Helper()
		g, err := admin.New(opts)
		require.NoError(t, err)
		g.SetClock(func() time.Time { return now })
		return g
	}

	t.Run("expires after ttl", func(t *testing.T) {
		g := newGate(t, admin.Options{Secret: "s", TTL: time.Hour})
		token, err := g.Authenticate("s")
		require.NoError(t, err)

		assert.True(t, g.Validate(token))

		g.SetClock(func() time.Time { return now.Add(2 * time.Hour) })
		assert.False(t, g.Validate(token))
	})

	t.Run("different key rejected", func(t *testing.T) {
		issuer := newGate(t, admin.Options{Secret: "s", SigningKey: "key-a"})
		verifier := newGate(t, admin.Options{Secret: "s", SigningKey: "key-b"})

		token, err := issuer.Authenticate("s")
		require.NoError(t, err)
		assert.False(t, verifier.Validate(token))
	})

	t.Run("wrong subject rejected", func(t *testing.T) {
		g := newGate(t, admin.Options{Secret: "s"})

		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "someone-else",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}).SignedString([]byte("s"))
		require.NoError(t, err)
		assert.False(t, g.Validate(forged))
	})

	t.Run("missing expiry rejected", func(t *testing.T) {
		g := newGate(t, admin.Options{Secret: "s"})

		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject: "stats-admin",
		}).SignedString([]byte("s"))
		require.NoError(t, err)
		assert.False(t, g.Validate(forged))
	})

	t.Run("legacy tokens only when enabled", func(t *testing.T) {
		legacy := base64.StdEncoding.EncodeToString([]byte("stats-auth-1"))

		strict := newGate(t, admin.Options{Secret: "s"})
		assert.False(t, strict.Validate(legacy))

		lenient := newGate(t, admin.Options{Secret: "s", AcceptLegacyTokens: true})
		assert.True(t, lenient.Validate(legacy))
	})
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "bearer abc", want: "abc"},
		{header: "Basic abc", want: ""},
		{header: "Bearer", want: ""},
		{header: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, admin.BearerToken(r))
		})
	}
}

func TestGate_Middleware(t *testing.T) {
	g, err := admin.New(admin.Options{Secret: "s", Mode: admin.ModeLegacy})
	require.NoError(t, err)

	protected := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"success":false,"error":"unauthorized","code":"AUTH_ERROR"}`, rec.Body.String())
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := g.Authenticate("s")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
