package coordinator

import (
	"github.com/labstack/echo/v4"

	"github.com/streamforge/transcoder/internal/workerauth"
)

// MapWorkerRoutes wires the worker-facing surface. register is the one
// route that must sit outside the verifier middleware; every other route
// requires a valid X-Worker-API-Key.
func MapWorkerRoutes(group *echo.Group, h *Handlers, verifier *workerauth.Verifier) {
	group.POST("/register", h.Register)

	authed := group.Group("")
	authed.Use(verifier.Middleware())
	authed.POST("/heartbeat", h.Heartbeat)
	authed.POST("/claim", h.Claim)
	authed.GET("/source/:video_id", h.DownloadSource)
	authed.POST("/:job_id/progress", h.Progress)
	authed.POST("/:job_id/complete", h.Complete)
	authed.POST("/:job_id/fail", h.Fail)
	authed.POST("/:job_id/upload/quality/:name", h.UploadQuality)
	authed.POST("/:job_id/upload/finalize", h.Finalize)
}

// MapAdminRoutes wires the operator-facing upload/lifecycle surface. Left
// unauthenticated at the handler layer: it sits behind a reverse proxy or
// VPN, not a concern this service re-implements.
func MapAdminRoutes(group *echo.Group, h *Handlers) {
	group.POST("/videos", h.CreateVideo)
	group.DELETE("/videos/:id", h.DeleteVideo)
	group.POST("/videos/:id/restore", h.RestoreVideo)
}
