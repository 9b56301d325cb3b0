package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/koopa0/system-design/chirp-store/pkg/errors"
	"github.com/koopa0/system-design/chirp-store/pkg/logger"
)

// 列表查詢的 n 參數
const (
	defaultListSize = 5
	maxListSize     = 100
)

// maxBodyBytes 請求 body 上限
const maxBodyBytes = 1 << 20

// Handler HTTP 請求處理器
type Handler struct {
	model  *Model
	logger *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(model *Model, logger *slog.Logger) *Handler {
	return &Handler{
		model:  model,
		logger: logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：請求 ID -> 日誌 -> 恢復 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.requestID(h.loggerMiddleware(h.recoverer(handler)))
	}

	// 用戶
	mux.HandleFunc("POST /api/v1/users", wrap(h.addUser))
	mux.HandleFunc("GET /api/v1/users/top/followers", wrap(h.topFollowers))
	mux.HandleFunc("GET /api/v1/users/top/posters", wrap(h.topPosters))
	mux.HandleFunc("GET /api/v1/users/by-username/{username}", wrap(h.userByUsername))
	mux.HandleFunc("GET /api/v1/users/{id}", wrap(h.getUser))

	// chirp
	mux.HandleFunc("POST /api/v1/chirps", wrap(h.postChirp))
	mux.HandleFunc("POST /api/v1/chirps/import", wrap(h.importChirp))
	mux.HandleFunc("GET /api/v1/chirps/latest", wrap(h.latest))
	mux.HandleFunc("GET /api/v1/chirps/top/liked", wrap(h.topLiked))
	mux.HandleFunc("GET /api/v1/chirps/top/rechirped", wrap(h.topRechirped))
	mux.HandleFunc("GET /api/v1/chirps/{id}", wrap(h.getChirp))
	mux.HandleFunc("POST /api/v1/chirps/{id}/like", wrap(h.like))
	mux.HandleFunc("POST /api/v1/chirps/{id}/rechirp", wrap(h.rechirp))

	// 管理
	mux.HandleFunc("GET /api/v1/stats", wrap(h.stats))
	mux.HandleFunc("POST /api/v1/admin/reset", wrap(h.reset))

	// 健康檢查與指標
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// 請求和響應結構
type addUserRequest struct {
	Username     string `json:"username"`
	Name         string `json:"name"`
	ProfileImage string `json:"profile_image,omitempty"`
}

type postChirpRequest struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

type idResponse struct {
	ID string `json:"id"`
}

type countResponse struct {
	ID    string `json:"id"`
	Count int64  `json:"count"`
}

type usersResponse struct {
	Users []User `json:"users"`
}

type chirpsResponse struct {
	Chirps []Chirp `json:"chirps"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// addUser 註冊用戶
func (h *Handler) addUser(w http.ResponseWriter, r *http.Request) {
	var req addUserRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	id, err := h.model.AddUser(r.Context(), req.Username, req.Name, req.ProfileImage)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSONStatus(w, http.StatusCreated, idResponse{ID: id})
}

// getUser 依 ID 讀取用戶
func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.model.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, user)
}

// userByUsername 依 username 讀取用戶
func (h *Handler) userByUsername(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := h.model.UserIDByUsername(ctx, r.PathValue("username"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	user, err := h.model.GetUser(ctx, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, user)
}

func (h *Handler) topFollowers(w http.ResponseWriter, r *http.Request) {
	h.listUsers(w, r, h.model.TopByFollowers)
}

func (h *Handler) topPosters(w http.ResponseWriter, r *http.Request) {
	h.listUsers(w, r, h.model.TopByChirpCount)
}

// postChirp 發佈 chirp，作者以 user_id 或 username 指定
func (h *Handler) postChirp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req postChirpRequest
	if err := h.decode(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	userID := req.UserID
	if userID == "" {
		if req.Username == "" {
			h.respondError(w, r, apperrors.ErrInvalidInput.WithDetails("user_id or username required"))
			return
		}
		id, err := h.model.UserIDByUsername(ctx, strings.TrimPrefix(req.Username, "@"))
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		userID = id
	}

	id, err := h.model.PostChirp(ctx, userID, req.Text)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSONStatus(w, http.StatusCreated, idResponse{ID: id})
}

// importChirp 匯入單則外部推文
func (h *Handler) importChirp(w http.ResponseWriter, r *http.Request) {
	var data ChirpData
	if err := h.decode(r, &data); err != nil {
		h.respondError(w, r, err)
		return
	}

	id, err := h.model.ImportChirp(r.Context(), &data)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSONStatus(w, http.StatusCreated, idResponse{ID: id})
}

// getChirp 讀取單則 chirp
func (h *Handler) getChirp(w http.ResponseWriter, r *http.Request) {
	chirp, err := h.model.GetChirp(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, chirp)
}

func (h *Handler) like(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := h.model.LikeChirp(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, countResponse{ID: id, Count: n})
}

func (h *Handler) rechirp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := h.model.Rechirp(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, countResponse{ID: id, Count: n})
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
	h.listChirps(w, r, h.model.LatestChirps)
}

func (h *Handler) topLiked(w http.ResponseWriter, r *http.Request) {
	h.listChirps(w, r, h.model.TopLiked)
}

func (h *Handler) topRechirped(w http.ResponseWriter, r *http.Request) {
	h.listChirps(w, r, h.model.TopRechirped)
}

// stats 資料集概況
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.model.Stats(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, stats)
}

// reset 清空資料
func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.model.ResetAll(r.Context()); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// ready 就緒檢查
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.model.Ping(r.Context()); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Ready")
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, n int) ([]User, error)) {
	n, err := parseListSize(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	users, err := list(r.Context(), n)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, usersResponse{Users: users})
}

func (h *Handler) listChirps(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, n int) ([]Chirp, error)) {
	n, err := parseListSize(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	chirps, err := list(r.Context(), n)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, chirpsResponse{Chirps: chirps})
}

// parseListSize 解析 ?n=，預設 5，上限 100
func parseListSize(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("n")
	if raw == "" {
		return defaultListSize, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.ErrInvalidInput.WithDetails("n must be a non-negative integer")
	}
	return min(n, maxListSize), nil
}

// decode 解析 JSON body
func (h *Handler) decode(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}

// statusFor 錯誤碼對應 HTTP 狀態碼
func statusFor(code string) int {
	switch code {
	case apperrors.ErrCodeDuplicateUsername:
		return http.StatusConflict
	case apperrors.ErrCodeUserNotFound, apperrors.ErrCodeChirpNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeMalformedRecord, apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// 中間件

// requestID 為每個請求產生或沿用 X-Request-ID
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 記錄請求日誌與指標
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		duration := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, strconv.Itoa(ww.statusCode)).Inc()
		httpDuration.WithLabelValues(route).Observe(duration.Seconds())

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", duration,
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
	h.respondJSONStatus(w, http.StatusOK, data)
}

func (h *Handler) respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondError 將錯誤轉為 JSON 響應
//
// 5xx 記錄為 error，其餘為 debug（屬於正常的業務結果）。
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Code: apperrors.ErrCodeInternal, Error: "internal server error"}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		resp = errorResponse{Code: appErr.Code, Error: appErr.Message, Details: appErr.Details}
	}

	status := statusFor(resp.Code)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"code", resp.Code,
			"error", err)
	} else {
		h.logger.DebugContext(r.Context(), "request rejected",
			"path", r.URL.Path,
			"code", resp.Code,
			"error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		h.logger.Error("failed to encode error response", "error", encErr, "code", resp.Code)
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
