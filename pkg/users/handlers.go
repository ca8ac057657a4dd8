package users

import (
	"net/http"

	"github.com/bookhaven/bookhaven/pkg/auth"
	"github.com/bookhaven/bookhaven/pkg/errcodes"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

type handler struct {
	userService *Service
}

func (h *handler) changePassword(c echo.Context) error {
	ctx := c.Request().Context()

	user, ok := auth.UserFromEcho(c)
	if !ok {
		return errcodes.Unauthorized("Authentication required")
	}

	params := ChangePasswordPayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	if err := h.userService.ChangePassword(ctx, user.UserID, params.OldPassword, params.NewPassword); err != nil {
		return err
	}

	return errors.WithStack(c.JSON(http.StatusOK, MessageResponse{Message: "Password changed successfully."}))
}
