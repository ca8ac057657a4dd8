package auth

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutesWithGroup registers the login routes on g, which must already
// run Authenticate. loginMiddleware guards the login endpoint, e.g. with a
// rate limiter.
func RegisterRoutesWithGroup(g *echo.Group, authService *Service, authMiddleware *Middleware, loginMiddleware ...echo.MiddlewareFunc) {
	h := &handler{
		authService: authService,
	}

	g.POST("/login", h.login, loginMiddleware...)
	g.POST("/logout", h.logout)
	g.GET("/me", h.me, authMiddleware.RequireAuthenticated)
}
