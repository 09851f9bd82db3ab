// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"key-maintenance-service/internal/domain"
	"key-maintenance-service/pkg/httputil"
)

type callerContextKey struct{}

// 呼び出し元識別ヘッダー。ゲートウェイがプロセス認証の結果を付与する。
const (
	HeaderCallerUID         = "X-Caller-Uid"
	HeaderCallerSEContext   = "X-Caller-Sectx"
	HeaderCallerPermissions = "X-Caller-Permissions"
)

// CallerIdentity はリクエストヘッダーから呼び出し元の識別情報を抽出し、
// コンテキストに格納するミドルウェア。UIDヘッダーが無いリクエストは拒否する。
func CallerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uidStr := r.Header.Get(HeaderCallerUID)
		if uidStr == "" {
			httputil.Error(w, http.StatusUnauthorized, "MISSING_CALLER_IDENTITY", "caller UID header is required")
			return
		}
		uid, err := strconv.ParseInt(uidStr, 10, 64)
		if err != nil || uid < 0 {
			httputil.Error(w, http.StatusUnauthorized, "INVALID_CALLER_IDENTITY", "caller UID header is malformed")
			return
		}

		var permissions []string
		if raw := r.Header.Get(HeaderCallerPermissions); raw != "" {
			for _, p := range strings.Split(raw, ",") {
				if p = strings.TrimSpace(p); p != "" {
					permissions = append(permissions, p)
				}
			}
		}

		caller := domain.Caller{
			UID:         uid,
			SEContext:   r.Header.Get(HeaderCallerSEContext),
			Permissions: permissions,
		}

		ctx := context.WithValue(r.Context(), callerContextKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerFrom はコンテキストから呼び出し元の識別情報を取り出す。
func CallerFrom(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(domain.Caller)
	return caller, ok
}
