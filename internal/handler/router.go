package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"key-maintenance-service/internal/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(h *MaintenanceHandler, otelEnabled bool) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.CallerIdentity)

	// ルート定義
	r.Route("/v1/users/{user_id}", func(r chi.Router) {
		r.Post("/", h.OnUserAdded)
		r.Delete("/", h.OnUserRemoved)
		r.Post("/super-keys", h.InitUserSuperKeys)
		r.Post("/lskf-removed", h.OnUserLskfRemoved)
		r.Get("/state", h.GetUserState)
		r.Get("/affected-uids", h.GetAppUidsAffectedBySid)
	})
	r.Delete("/v1/namespaces/{domain}/{namespace_id}", h.ClearNamespace)
	r.Post("/v1/keys/migrate", h.MigrateKeyNamespace)
	r.Delete("/v1/keys", h.DeleteAllKeys)
	r.Post("/v1/maintenance/early-boot-ended", h.EarlyBootEnded)
	r.Post("/v1/maintenance/off-body", h.OnDeviceOffBody)

	if otelEnabled {
		return otelhttp.NewHandler(r, "key-maintenance-service")
	}
	return r
}
