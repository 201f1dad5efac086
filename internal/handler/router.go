package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"field-encryption-service/config"
	"field-encryption-service/internal/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(kh *KeyHandler, vh *ValueHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ルート定義
	r.Route("/v1/keys", func(r chi.Router) {
		r.Get("/", kh.ListKeys)
		r.Post("/bootstrap", kh.BootstrapKey)
		r.Get("/status", kh.GetKeyStatus)
		r.Post("/rotations", kh.InitiateRotation)
		r.Post("/retirements/schedule", kh.ScheduleDeletion)
		r.Get("/retirements/due", kh.ListDueForDeletion)
		r.Put("/{version}/progress", kh.UpdateProgress)
		r.Post("/{version}/activate", kh.ActivateKey)
		r.Post("/{version}/reencrypt", kh.ReEncrypt)
		r.Post("/{version}/delete", kh.DeleteKey)
	})

	r.Route("/v1/values", func(r chi.Router) {
		r.Post("/", vh.Protect)
		r.Get("/{id}", vh.Reveal)
	})

	if cfg != nil && cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
	return r
}
