package ingress

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/link-rotator/internal/admin"
	apperrors "github.com/koopa0/system-design/link-rotator/pkg/errors"
	"github.com/koopa0/system-design/link-rotator/pkg/logger"
)

// requestIDHeader 請求追蹤 ID
const requestIDHeader = "X-Request-ID"

// maxBodyBytes 請求 body 上限
const maxBodyBytes = 1 << 20

// Handler HTTP 請求處理器
type Handler struct {
	svc    *Service
	gate   *admin.Gate
	logger *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(svc *Service, gate *admin.Gate, logger *slog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		gate:   gate,
		logger: logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：恢復 -> 請求 ID -> 日誌 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(handler)))
	}
	// 管理端點多一層 token 檢查
	protected := func(handler http.HandlerFunc) http.HandlerFunc {
		return wrap(h.gate.Middleware(handler).ServeHTTP)
	}

	// 點擊
	mux.HandleFunc("POST /clicks", wrap(h.recordClick))
	mux.HandleFunc("GET /clicks", wrap(h.readClicks))

	// 號碼池
	mux.HandleFunc("GET /config", wrap(h.getConfig))
	mux.HandleFunc("POST /config", protected(h.setConfig))

	// 管理後台
	mux.HandleFunc("POST /auth", wrap(h.login))
	mux.HandleFunc("GET /auth", wrap(h.checkToken))
	mux.HandleFunc("GET /stats", protected(h.stats))
	mux.HandleFunc("GET /stats/series", protected(h.series))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))

	return mux
}

// 請求和響應結構
type clickRequest struct {
	UserID         string `json:"userId"`
	BusinessEntity string `json:"businessEntity"`
	Business       string `json:"business"` // 舊前端使用的欄位名
}

type configRequest struct {
	Entity          string          `json:"entity"`
	Links           json.RawMessage `json:"links"`
	WhatsappNumbers json.RawMessage `json:"whatsappNumbers"` // 舊管理頁面
}

type authRequest struct {
	Secret   string `json:"secret"`
	Password string `json:"password"`
}

type linksResponse struct {
	Links []string `json:"links"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type validResponse struct {
	Valid bool `json:"valid"`
}

type statsResponse struct {
	Entities []StatsResult `json:"entities"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// entityParam 讀取 entity 查詢參數（business 為別名）
func entityParam(r *http.Request) string {
	q := r.URL.Query()
	if v := q.Get("entity"); v != "" {
		return v
	}
	return q.Get("business")
}

// decodeBody 解析 JSON body
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.InvalidRequest("invalid request body")
	}
	return nil
}

// recordClick 記錄點擊
func (h *Handler) recordClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	entity := req.BusinessEntity
	if entity == "" {
		entity = req.Business
	}

	result, err := h.svc.RecordClick(r.Context(), req.UserID, entity)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, result)
}

// readClicks 點擊日誌與目前號碼
func (h *Handler) readClicks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, r, apperrors.InvalidRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	result, err := h.svc.ReadClicks(r.Context(), entityParam(r), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, result)
}

// getConfig 號碼池
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	links, err := h.svc.Links(r.Context(), entityParam(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, linksResponse{Links: links})
}

// setConfig 覆寫號碼池
func (h *Handler) setConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	raw := req.Links
	if len(raw) == 0 {
		raw = req.WhatsappNumbers
	}

	entity := req.Entity
	if entity == "" {
		entity = entityParam(r)
	}

	if err := h.svc.SetLinks(r.Context(), entity, raw); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, successResponse{Success: true})
}

// login 管理密碼換 token
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = req.Password
	}

	token, err := h.gate.Authenticate(secret)
	if err != nil {
		h.logger.WarnContext(r.Context(), "admin login rejected", "remote", r.RemoteAddr)
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, tokenResponse{Token: token})
}

// checkToken 檢查 Bearer token
func (h *Handler) checkToken(w http.ResponseWriter, r *http.Request) {
	if !h.gate.Validate(admin.BearerToken(r)) {
		h.respondError(w, r, apperrors.ErrAuth)
		return
	}

	h.respondJSON(w, validResponse{Valid: true})
}

// stats 儀表板統計，未指定 entity 時回傳全部
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	name := entityParam(r)
	if name == "" {
		h.respondJSON(w, statsResponse{Entities: h.svc.AllStats(r.Context())})
		return
	}

	result, err := h.svc.Stats(r.Context(), name)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, result)
}

// series 儀表板時間序列
func (h *Handler) series(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Series(r.Context(), entityParam(r), r.URL.Query().Get("period"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, result)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ready 就緒檢查
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "ledger not ready", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "storage not ready", apperrors.ErrCodeStorage)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

// 中間件

// requestID 取用或產生請求 ID，放入 context 與響應 header
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err)
				h.respondError(w, r, apperrors.New(apperrors.ErrCodeInternal, "internal server error"))
			}
		}()
		next(w, r)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondError 依錯誤分類決定狀態碼
//
// 非 AppError 的錯誤一律視為內部錯誤，不外洩細節。
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	message := "internal server error"

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
		if appErr.Details != "" && status < http.StatusInternalServerError {
			message += ": " + appErr.Details
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "error", err)
	}

	h.writeError(w, status, message, apperrors.Code(err))
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{
		Success: false,
		Error:   message,
		Code:    code,
	}); err != nil {
		h.logger.Error("failed to encode error response", "error", err, "message", message)
	}
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}
