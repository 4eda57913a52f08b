package workerauth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/streamforge/transcoder/internal/models"
)

// HeaderName is the header carrying the raw worker secret.
const HeaderName = "X-Worker-API-Key"

// workerContextKey is where the verified models.Worker is stashed on the
// echo context for downstream handlers.
const workerContextKey = "workerauth.worker"

// Middleware builds echo middleware requiring a valid worker credential on
// every route it wraps. /register is the only worker-facing route that
// must not be wrapped.
func (v *Verifier) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(HeaderName)
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+HeaderName)
			}

			worker, err := v.Verify(c.Request().Context(), raw)
			if err != nil {
				switch err {
				case ErrWorkerDisabled:
					return echo.NewHTTPError(http.StatusForbidden, err.Error())
				default:
					return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
				}
			}

			c.Set(workerContextKey, worker)
			return next(c)
		}
	}
}

// WorkerFromContext fetches the worker a passing Middleware call verified.
func WorkerFromContext(c echo.Context) (*models.Worker, bool) {
	w, ok := c.Get(workerContextKey).(*models.Worker)
	return w, ok
}
