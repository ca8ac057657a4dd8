package testutils

import (
	"context"
	"net/http"

	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/bookhaven/bookhaven/pkg/users"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type handler struct {
	db          *bun.DB
	userService *users.Service
}

type createUserRequest struct {
	Username string  `json:"username" validate:"required"`
	Password string  `json:"password" validate:"required"`
	Email    *string `json:"email"`
	Role     string  `json:"role" default:"admin" validate:"oneof=admin viewer"`
}

type createUserResponse struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// createUser creates a test user, an admin unless a role is given.
// POST /test/users.
func (h *handler) createUser(c echo.Context) error {
	ctx := c.Request().Context()

	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return errors.WithStack(err)
	}

	user, err := h.userService.Create(ctx, users.CreateUserOptions{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		RoleName: req.Role,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusCreated, createUserResponse{
		ID:       user.ID,
		Username: user.Username,
	}))
}

type deletedResponse struct {
	Deleted int `json:"deleted"`
}

// deleteAllUsers deletes every user along with their progress.
// DELETE /test/users.
func (h *handler) deleteAllUsers(c echo.Context) error {
	ctx := c.Request().Context()

	var deleted int64
	err := h.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().Model((*models.Progress)(nil)).Where("1=1").Exec(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to delete progress")
		}
		res, err := tx.NewDelete().Model((*models.User)(nil)).Where("1=1").Exec(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to delete users")
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}

	return errors.WithStack(c.JSON(http.StatusOK, deletedResponse{Deleted: int(deleted)}))
}

type createBookRequest struct {
	Identifier   string  `json:"identifier" validate:"required"`
	Title        string  `json:"title" validate:"required"`
	Authors      string  `json:"authors"`
	Series       *string `json:"series"`
	SeriesIndex  float64 `json:"seriesindex"`
	RelativePath string  `json:"relative_path" validate:"required"`
}

// createBook catalogs a book without a file on disk.
// POST /test/books.
func (h *handler) createBook(c echo.Context) error {
	ctx := c.Request().Context()

	var req createBookRequest
	if err := c.Bind(&req); err != nil {
		return errors.WithStack(err)
	}

	book := &models.Book{
		Identifier:   req.Identifier,
		Title:        req.Title,
		Authors:      req.Authors,
		Series:       req.Series,
		SeriesIndex:  req.SeriesIndex,
		RelativePath: req.RelativePath,
	}
	_, err := h.db.NewInsert().Model(book).Returning("*").Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to create book")
	}

	return errors.WithStack(c.JSON(http.StatusCreated, book))
}

// resetCatalog empties the catalog and the scan bookkeeping.
// DELETE /test/catalog.
func (h *handler) resetCatalog(c echo.Context) error {
	ctx := c.Request().Context()

	var deleted int64
	err := h.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range []interface{}{
			(*models.Progress)(nil),
			(*models.Job)(nil),
			(*models.Lease)(nil),
			(*models.AppState)(nil),
		} {
			if _, err := tx.NewDelete().Model(model).Where("1=1").Exec(ctx); err != nil {
				return errors.WithStack(err)
			}
		}
		res, err := tx.NewDelete().Model((*models.Book)(nil)).Where("1=1").Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}

	return errors.WithStack(c.JSON(http.StatusOK, deletedResponse{Deleted: int(deleted)}))
}
