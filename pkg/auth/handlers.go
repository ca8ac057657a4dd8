package auth

import (
	"net/http"
	"time"

	"github.com/bookhaven/bookhaven/pkg/errcodes"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

const (
	// CookieName is the name of the session cookie.
	CookieName = "bookhaven_session"
	// CookieMaxAge is how long the cookie is valid.
	CookieMaxAge = TokenExpiry
)

type handler struct {
	authService *Service
}

func buildMeResponse(user *models.User) MeResponse {
	permissions := make([]string, 0)
	roleName := ""
	if user.Role != nil {
		roleName = user.Role.Name
		for _, p := range user.Role.Permissions {
			permissions = append(permissions, p.Resource+":"+p.Operation)
		}
	}

	return MeResponse{
		ID:          user.ID,
		Username:    user.Username,
		Email:       user.Email,
		Role:        roleName,
		Permissions: permissions,
	}
}

func sessionCookie(c echo.Context, value string, maxAge time.Duration) *http.Cookie {
	age := int(maxAge.Seconds())
	if maxAge < 0 {
		age = -1
	}
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   age,
		HttpOnly: true,
		Secure:   c.Request().TLS != nil || c.Request().Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *handler) login(c echo.Context) error {
	ctx := c.Request().Context()

	params := LoginPayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	user, err := h.authService.Authenticate(ctx, params.Username, params.Password)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			logger.FromContext(ctx).Info("failed login", logger.Data{"username": params.Username})
		}
		return err
	}

	token, err := h.authService.GenerateToken(user, TokenTypeSession)
	if err != nil {
		return errors.WithStack(err)
	}

	c.SetCookie(sessionCookie(c, token, CookieMaxAge))

	return errors.WithStack(c.JSON(http.StatusOK, LoginResponse{
		Token: token,
		User:  buildMeResponse(user),
	}))
}

func (h *handler) logout(c echo.Context) error {
	c.SetCookie(sessionCookie(c, "", -1))
	return errors.WithStack(c.JSON(http.StatusOK, map[string]string{"message": "Logged out successfully"}))
}

func (h *handler) me(c echo.Context) error {
	a, ok := UserFromEcho(c)
	if !ok {
		return errcodes.Unauthorized("Authentication required")
	}
	return errors.WithStack(c.JSON(http.StatusOK, buildMeResponse(a.User)))
}
