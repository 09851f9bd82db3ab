// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"key-maintenance-service/internal/domain"
	"key-maintenance-service/internal/middleware"
	"key-maintenance-service/internal/usecase"
	"key-maintenance-service/pkg/httputil"
)

// MaintenanceHandler は鍵保守操作のHTTPハンドラを提供する。
type MaintenanceHandler struct {
	service *usecase.MaintenanceService
}

// NewMaintenanceHandler は新しいMaintenanceHandlerを生成する。
func NewMaintenanceHandler(service *usecase.MaintenanceService) *MaintenanceHandler {
	return &MaintenanceHandler{service: service}
}

// InitSuperKeysRequest はスーパー鍵初期化リクエストの形式。
type InitSuperKeysRequest struct {
	Password      string `json:"password"` // base64
	AllowExisting bool   `json:"allow_existing"`
}

// MigrateKeyRequest は鍵名前空間移行リクエストの形式。
type MigrateKeyRequest struct {
	Source      KeyDescriptorRequest `json:"source"`
	Destination KeyDescriptorRequest `json:"destination"`
}

// KeyDescriptorRequest は鍵ディスクリプタのリクエスト形式。
type KeyDescriptorRequest struct {
	Domain    string  `json:"domain"`
	Namespace int64   `json:"namespace"`
	Alias     *string `json:"alias,omitempty"`
	KeyID     int64   `json:"key_id,omitempty"`
}

// UserStateResponse はユーザー状態のレスポンス形式。
type UserStateResponse struct {
	UserID int32  `json:"user_id"`
	State  string `json:"state"`
}

// AffectedUIDsResponse はSID影響UID一覧のレスポンス形式。
type AffectedUIDsResponse struct {
	UserID int32   `json:"user_id"`
	SID    int64   `json:"sid"`
	UIDs   []int64 `json:"uids"`
}

func parseUserID(r *http.Request) (int32, error) {
	raw := chi.URLParam(r, "user_id")
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || id < 0 {
		return 0, domain.ErrInvalidUserID
	}
	return int32(id), nil
}

// writeServiceError はユースケースのエラーをHTTPレスポンスに変換する。
// 部分失敗はSystemErrorでラップされて届くため、そちらの判定を先に行う。
// バックエンドのエラーコード素通しはラップされないエラー（EarlyBootEnded）に限られる。
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		httputil.Error(w, http.StatusForbidden, "PERMISSION_DENIED", "caller lacks the required permission")
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
	case errors.Is(err, domain.ErrInvalidUserID):
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID")
	case errors.Is(err, domain.ErrInvalidDomain), errors.Is(err, domain.ErrInvalidArgument):
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, domain.ErrSystemError):
		httputil.Error(w, http.StatusInternalServerError, "SYSTEM_ERROR", "internal server error")
	default:
		if be, ok := domain.IsBackendError(err); ok {
			httputil.Error(w, http.StatusBadGateway, "BACKEND_ERROR", be.Error())
			return
		}
		httputil.Error(w, http.StatusInternalServerError, "SYSTEM_ERROR", "internal server error")
	}
}

// caller はコンテキストから呼び出し元を取り出す。ミドルウェアを経由していれば必ず存在する。
func caller(r *http.Request) (domain.Caller, bool) {
	return middleware.CallerFrom(r.Context())
}

// OnUserAdded はユーザー追加を処理する。
func (h *MaintenanceHandler) OnUserAdded(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "MISSING_CALLER_IDENTITY", "caller identity is required")
		return
	}
	userID, err := parseUserID(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID")
		return
	}

	if err := h.service.OnUserAdded(r.Context(), c, userID); err != nil {
		middleware.WriteAuditLog(r.Context(), "ON_USER_ADDED", c.UID, strconv.Itoa(int(userID)), "FAILED")
		writeServiceError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ON_USER_ADDED", c.UID, strconv.Itoa(int(userID)), "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// InitUserSuperKeys はユーザーのスーパー鍵初期化を処理する。
func (h *MaintenanceHandler) InitUserSuperKeys(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "MISSING_CALLER_IDENTITY", "caller identity is required")
		return
	}
	userID, err := parseUserID(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID")
		return
	}

	var req InitSuperKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}
	password, err := base64.StdEncoding.DecodeString(req.Password)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", "password must be base64 encoded")
		return
	}

	if err := h.service.InitUserSuperKeys(r.Context(), c, userID, password, req.AllowExisting); err != nil {
		middleware.WriteAuditLog(r.Context(), "INIT_USER_SUPER_KEYS", c.UID, strconv.Itoa(int(userID)), "FAILED")
		writeServiceError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "INIT_USER_SUPER_KEYS", c.UID, strconv.Itoa(int(userID)), "SUCCESS")
	w.WriteHeader(http.StatusCreated)
}

// OnUserRemoved はユーザー削除を処理する。
func (h *MaintenanceHandler) OnUserRemoved(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "MISSING_CALLER_IDENTITY", "caller identity is required")
		return
	}
	userID, err := parseUserID(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID")
		return
	}

	if err := h.service.OnUserRemoved(r.Context(), c, userID); err != nil {
		middleware.WriteAuditLog(r.Context(), "ON_USER_REMOVED", c.UID, strconv.Itoa(int(userID)), "FAILED")
		writeServiceError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ON_USER_REMOVED", c.UID, strconv.Itoa(int(userID)), "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// OnUserLskfRemoved はLSKF削除を処理する。
func (h *MaintenanceHandler) OnUserLskfRemoved(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "MISSING_CALLER_IDENTITY", "caller identity is required")
		return
	}
	userID, err := parseUserID(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID")
		return
	}

	if err := h.service.OnUserLskfRemoved(r.Context(), c, userID); err != nil {
		middleware.WriteAuditLog(r.Context(), "ON_USER_LSKF_REMOVED", c.UID, strconv.Itoa(int(userID)), "FAILED")
		writeServiceError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ON_USER_LSKF_REMOVED", c.UID, strconv.Itoa(int(userID)), "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// GetUserState はユーザー状態の取得を処理する。
func (h *MaintenanceHandler) GetUserState(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "MISSING_CALLER_IDENTITY", "caller identity is required")
		return
	}
	userID, err := parseUserID(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID")
		return
	}

	state, err := h.service.GetUserState(r.Context(), c, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, UserStateResponse{
		UserID: userID,
		State:  string(state),
	})
}

// GetAppUidsAffectedBySid はSID影響UID一覧の取得を処理する。
func (h *MaintenanceHandler) GetAppUidsAffectedBySid(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "MISSING_CALLER_IDENTITY", "caller identity is required")
		return
	}
	userID, err := parseUserID(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_USER_ID", "invalid user ID")
		return
	}
	sid, err := strconv.ParseInt(r.URL.Query().Get("sid"), 10, 64)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", "sid query parameter is required")
		return
	}

	uids, err := h.service.GetAppUidsAffectedBySid(r.Context(), c, userID, sid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if uids == nil {
		uids = []int64{}
	}

	httputil.JSON(w, http.StatusOK, AffectedUIDsResponse{
		UserID: userID,
		SID:    sid,
		UIDs:   uids,
	})
}

// ClearNamespace は名前空間の一括削除を処理する。
func (h *MaintenanceHandler) ClearNamespace(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "MISSING_CALLER_IDENTITY", "caller identity is required")
		return
	}

	d, err := domain.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid domain")
		return
	}
	nsDomain, err := domain.NewNamespaceDomain(d)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	namespace, err := strconv.ParseInt(chi.URLParam(r, "namespace_id"), 10, 64)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid namespace ID")
		return
	}

	target := d.String() + ":" + strconv.FormatInt(namespace, 10)
	if err := h.service.ClearNamespace(r.Context(), c, nsDomain, namespace); err != nil {
		middleware.WriteAuditLog(r.Context(), "CLEAR_NAMESPACE", c.UID, target, "FAILED")
		writeServiceError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CLEAR_NAMESPACE", c.UID, target, "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// MigrateKeyNamespace は鍵名前空間の移行を処理する。
func (h *MaintenanceHandler) MigrateKeyNamespace(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "MISSING_CALLER_IDENTITY", "caller identity is required")
		return
	}

	var req MigrateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}

	src, err := toDescriptor(req.Source)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	dst, err := toDescriptor(req.Destination)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	if err := h.service.MigrateKeyNamespace(r.Context(), c, src, dst); err != nil {
		middleware.WriteAuditLog(r.Context(), "MIGRATE_KEY_NAMESPACE", c.UID, describeMigration(src, dst), "FAILED")
		writeServiceError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "MIGRATE_KEY_NAMESPACE", c.UID, describeMigration(src, dst), "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

func toDescriptor(req KeyDescriptorRequest) (domain.KeyDescriptor, error) {
	d, err := domain.ParseDomain(req.Domain)
	if err != nil {
		return domain.KeyDescriptor{}, err
	}
	return domain.KeyDescriptor{
		Domain:    d,
		Namespace: req.Namespace,
		Alias:     req.Alias,
		KeyID:     req.KeyID,
	}, nil
}

func describeMigration(src, dst domain.KeyDescriptor) string {
	from := src.Domain.String() + ":" + strconv.FormatInt(src.Namespace, 10)
	if src.Domain == domain.DomainKeyID {
		from = "KEY_ID:" + strconv.FormatInt(src.KeyID, 10)
	}
	to := dst.Domain.String() + ":" + strconv.FormatInt(dst.Namespace, 10)
	return from + "->" + to
}

// EarlyBootEnded はアーリーブート終了通知を処理する。
func (h *MaintenanceHandler) EarlyBootEnded(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "MISSING_CALLER_IDENTITY", "caller identity is required")
		return
	}

	if err := h.service.EarlyBootEnded(r.Context(), c); err != nil {
		middleware.WriteAuditLog(r.Context(), "EARLY_BOOT_ENDED", c.UID, "", "FAILED")
		writeServiceError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "EARLY_BOOT_ENDED", c.UID, "", "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// OnDeviceOffBody はオフボディ通知を処理する。常に成功を返す。
func (h *MaintenanceHandler) OnDeviceOffBody(w http.ResponseWriter, r *http.Request) {
	h.service.OnDeviceOffBody(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllKeys は全鍵消去を処理する。
func (h *MaintenanceHandler) DeleteAllKeys(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "MISSING_CALLER_IDENTITY", "caller identity is required")
		return
	}

	if err := h.service.DeleteAllKeys(r.Context(), c); err != nil {
		middleware.WriteAuditLog(r.Context(), "DELETE_ALL_KEYS", c.UID, "", "FAILED")
		writeServiceError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "DELETE_ALL_KEYS", c.UID, "", "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}
