// Package testutils provides test-only API endpoints for end-to-end suites.
// These routes are only registered when ENVIRONMENT=test.
package testutils

import (
	"github.com/bookhaven/bookhaven/pkg/users"
	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

// RegisterRoutes registers test-only routes.
func RegisterRoutes(e *echo.Echo, db *bun.DB) {
	h := &handler{db: db, userService: users.NewService(db)}

	test := e.Group("/test")
	test.POST("/users", h.createUser)
	test.DELETE("/users", h.deleteAllUsers)
	test.POST("/books", h.createBook)
	test.DELETE("/catalog", h.resetCatalog)
}
