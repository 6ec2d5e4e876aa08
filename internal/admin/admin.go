// Package admin 實作管理後台的共享密碼閘門
//
// 這是阻擋隨意存取的閘門，不是完整的授權系統：
// 只有一組密碼，通過後取得 bearer token。
//
// 兩種 token 模式：
//   - jwt（預設）：HS256 簽章，帶到期時間
//   - legacy：base64("stats-auth-<毫秒>")，只檢查前綴，不驗簽也不過期
package admin

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/koopa0/system-design/link-rotator/pkg/errors"
)

// Mode token 模式
type Mode string

const (
	ModeJWT    Mode = "jwt"
	ModeLegacy Mode = "legacy"
)

const (
	// tokenSubject JWT 的 sub
	tokenSubject = "stats-admin"

	// legacyPayloadPrefix 舊系統 token 解碼後的前綴
	legacyPayloadPrefix = "stats-auth-"

	// legacyTokenPrefix base64("stats-auth-") 的前 15 個字元
	legacyTokenPrefix = "c3RhdHMtYXV0aC0"
)

// Options Gate 設定
type Options struct {
	Secret string
	Mode   Mode
	TTL    time.Duration

	// SigningKey JWT 簽章金鑰，空字串時使用 Secret
	SigningKey string

	// AcceptLegacyTokens jwt 模式下也接受舊格式 token（過渡期使用）
	AcceptLegacyTokens bool
}

// Gate 共享密碼閘門
type Gate struct {
	secret       []byte
	signingKey   []byte
	mode         Mode
	ttl          time.Duration
	acceptLegacy bool
	now          func() time.Time
}

// New 建立 Gate
func New(opts Options) (*Gate, error) {
	if opts.Secret == "" {
		return nil, errors.New("admin secret must not be empty")
	}

	switch opts.Mode {
	case "":
		opts.Mode = ModeJWT
	case ModeJWT, ModeLegacy:
	default:
		return nil, fmt.Errorf("unknown token mode %q", opts.Mode)
	}

	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}

	key := opts.SigningKey
	if key == "" {
		key = opts.Secret
	}

	return &Gate{
		secret:       []byte(opts.Secret),
		signingKey:   []byte(key),
		mode:         opts.Mode,
		ttl:          opts.TTL,
		acceptLegacy: opts.AcceptLegacyTokens,
		now:          time.Now,
	}, nil
}

// SetClock 替換時間來源（測試用）
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Authenticate 比對密碼並簽發 token
func (g *Gate) Authenticate(secret string) (string, error) {
	if secret == "" || subtle.ConstantTimeCompare([]byte(secret), g.secret) != 1 {
		return "", apperrors.ErrAuth
	}

	now := g.now()

	if g.mode == ModeLegacy {
		payload := legacyPayloadPrefix + strconv.FormatInt(now.UnixMilli(), 10)
		return base64.StdEncoding.EncodeToString([]byte(payload)), nil
	}

	claims := jwt.RegisteredClaims{
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.signingKey)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "sign token")
	}
	return token, nil
}

// Validate 檢查 token
func (g *Gate) Validate(token string) bool {
	if token == "" {
		return false
	}

	if g.mode == ModeLegacy {
		return strings.HasPrefix(token, legacyTokenPrefix)
	}

	if g.acceptLegacy && strings.HasPrefix(token, legacyTokenPrefix) {
		return true
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return g.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(tokenSubject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	return err == nil && parsed.Valid
}

// BearerToken 取出 Authorization: Bearer <token>
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Middleware 保護管理端點，token 無效時回傳 401
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Validate(BearerToken(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="stats"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   apperrors.ErrAuth.Message,
				"code":    apperrors.ErrAuth.Code,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
