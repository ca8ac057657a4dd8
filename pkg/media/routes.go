package media

import (
	"github.com/bookhaven/bookhaven/pkg/auth"
	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers the cover, download, stream and file routes. Every
// route expects auth.Middleware.Authenticate to have run.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, locator *Locator, authMiddleware *auth.Middleware) {
	h := newHandler(locator, cfg.BaseURL, cfg.CoverMaxHeight, cfg.CoverQuality)

	read := authMiddleware.RequirePermission(models.ResourceLibrary, models.OperationRead)

	e.GET("/api/covers/:identifier", h.cover, authMiddleware.Authenticate, read)
	e.GET("/download/:identifier", h.download, authMiddleware.Authenticate, read)
	e.GET("/stream/:identifier", h.stream, authMiddleware.Authenticate, read)
	e.GET("/files/*", h.file, authMiddleware.Authenticate, read)
}
