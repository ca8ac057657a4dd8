package jobs

import (
	"github.com/bookhaven/bookhaven/pkg/auth"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

// RegisterRoutesWithGroup registers the task-status routes on a
// pre-configured group.
func RegisterRoutesWithGroup(g *echo.Group, db *bun.DB, authMiddleware *auth.Middleware) {
	jobService := NewService(db)

	h := &handler{
		jobService: jobService,
	}

	read := authMiddleware.RequirePermission(models.ResourceJobs, models.OperationRead)
	g.GET("", h.list, read)
	g.GET("/:id", h.retrieve, read)
}
