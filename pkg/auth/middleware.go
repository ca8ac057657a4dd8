package auth

import (
	"strings"

	"github.com/bookhaven/bookhaven/pkg/errcodes"
	"github.com/iancoleman/strcase"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// Middleware provides authentication middleware.
type Middleware struct {
	authService          *Service
	allowUnauthenticated bool
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(authService *Service, allowUnauthenticated bool) *Middleware {
	return &Middleware{
		authService:          authService,
		allowUnauthenticated: allowUnauthenticated,
	}
}

// Authenticate resolves the caller from the bearer token or the session cookie
// and stores the resulting AuthContext. It never rejects a request itself:
// callers without a usable token continue as Unauthenticated and the Require*
// middleware decide.
func (m *Middleware) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		anonymous := Unauthenticated{AllowAnonymous: m.allowUnauthenticated}

		token := tokenFromRequest(c)
		if token == "" {
			SetAuthContext(c, anonymous)
			return next(c)
		}

		claims, err := m.authService.ValidateToken(token)
		if err != nil {
			logger.FromContext(ctx).Debug("ignoring invalid token", logger.Data{"reason": err.Error()})
			SetAuthContext(c, anonymous)
			return next(c)
		}

		user, err := m.authService.RetrieveActiveUser(ctx, claims.UserID)
		if err != nil {
			if !errors.Is(err, errcodes.NotFound("User")) {
				return err
			}
			SetAuthContext(c, anonymous)
			return next(c)
		}

		// The role is read from the user so a role change applies to tokens
		// issued before it.
		SetAuthContext(c, &Authenticated{
			UserID:    user.ID,
			Role:      user.Role.Name,
			TokenType: claims.TokenType,
			User:      user,
		})
		return next(c)
	}
}

// RequireAuthenticated rejects anonymous callers regardless of
// allow_unauthenticated. Must be used after Authenticate.
func (m *Middleware) RequireAuthenticated(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok := UserFromEcho(c); !ok {
			return errcodes.Unauthorized("Authentication required")
		}
		return next(c)
	}
}

// RequireRole returns middleware that only lets callers with one of the
// given roles through. Must be used after Authenticate.
func (m *Middleware) RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			a, ok := UserFromEcho(c)
			if !ok {
				return errcodes.Unauthorized("Authentication required")
			}
			for _, role := range roles {
				if a.Role == role {
					return next(c)
				}
			}
			return errcodes.Forbidden("This action")
		}
	}
}

// RequirePermission returns middleware that checks the caller's permission.
// Anonymous callers pass only when allow_unauthenticated grants the
// permission. Must be used after Authenticate.
func (m *Middleware) RequirePermission(resource, operation string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ac := FromEcho(c)
			if ac.Can(resource, operation) {
				return next(c)
			}
			if _, ok := ac.(*Authenticated); !ok {
				return errcodes.Unauthorized("Authentication required")
			}
			return errcodes.Forbidden(strcase.ToCamel(operation) + " access to " + resource)
		}
	}
}

func tokenFromRequest(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}

	cookie, err := c.Cookie(CookieName)
	if err == nil {
		return cookie.Value
	}
	return ""
}
