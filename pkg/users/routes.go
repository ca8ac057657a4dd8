package users

import (
	"github.com/bookhaven/bookhaven/pkg/auth"
	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

// RegisterRoutesWithGroup registers the self-service account routes on a
// group that already runs auth.Middleware.Authenticate. passwordMiddleware
// guards the password change, e.g. with a rate limiter.
func RegisterRoutesWithGroup(g *echo.Group, db *bun.DB, authMiddleware *auth.Middleware, passwordMiddleware ...echo.MiddlewareFunc) {
	h := &handler{
		userService: NewService(db),
	}

	mw := append([]echo.MiddlewareFunc{authMiddleware.RequireAuthenticated}, passwordMiddleware...)
	g.PATCH("/user/change-password", h.changePassword, mw...)
}
