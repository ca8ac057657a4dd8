package books

import (
	"github.com/bookhaven/bookhaven/pkg/auth"
	"github.com/bookhaven/bookhaven/pkg/bookcache"
	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/covers"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

// RegisterRoutesWithGroup registers book and author routes on a group that
// already runs auth.Middleware.Authenticate.
func RegisterRoutesWithGroup(g *echo.Group, db *bun.DB, cfg *config.Config, cache bookcache.Cache, authMiddleware *auth.Middleware) {
	if cache == nil {
		cache = bookcache.Noop{}
	}
	h := &handler{
		bookService: NewService(db),
		covers:      covers.NewStore(cfg),
		cache:       cache,
		baseURL:     cfg.BaseURL,
	}

	read := authMiddleware.RequirePermission(models.ResourceBooks, models.OperationRead)

	g.GET("/books", h.list, read)
	g.POST("/books/edit", h.edit, authMiddleware.RequirePermission(models.ResourceBooks, models.OperationWrite))
	g.GET("/books/:identifier", h.retrieve, read)
	g.PUT("/books/:identifier/progress_state", h.updateProgressState, authMiddleware.RequirePermission(models.ResourceProgress, models.OperationWrite))
	g.GET("/authors", h.listAuthors, read)
	g.GET("/authors/:name", h.authorBooks, read)
}
