package scheduler

import (
	"github.com/bookhaven/bookhaven/pkg/auth"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/labstack/echo/v4"
)

func RegisterRoutesWithGroup(g *echo.Group, s *Scheduler, authMiddleware *auth.Middleware) {
	h := &handler{scheduler: s}

	g.POST("/scan-library", h.scanLibrary, authMiddleware.RequirePermission(models.ResourceLibrary, models.OperationWrite))
}
