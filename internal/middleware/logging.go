package middleware

import (
	"context"
	"log/slog"
	"time"
)

// WriteAuditLog は保守操作の監査ログを出力する。
func WriteAuditLog(ctx context.Context, operation string, callerUID int64, target string, result string) {
	slog.InfoContext(ctx, "maintenance operation completed",
		"operation", operation,
		"caller_uid", callerUID,
		"target", target,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
