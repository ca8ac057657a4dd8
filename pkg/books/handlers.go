package books

import (
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/bookhaven/bookhaven/pkg/auth"
	"github.com/bookhaven/bookhaven/pkg/bookcache"
	"github.com/bookhaven/bookhaven/pkg/covers"
	"github.com/bookhaven/bookhaven/pkg/errcodes"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// maxCoverUploadSize bounds an edited cover before it is decoded.
const maxCoverUploadSize = 20 << 20

type handler struct {
	bookService *Service
	covers      *covers.Store
	cache       bookcache.Cache
	baseURL     string
}

func (h *handler) list(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := ListBooksQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	opts := ListBooksOptions{
		Limit:     &params.Limit,
		Offset:    &params.Offset,
		Query:     params.Query,
		Favorites: params.Favorites,
		Finished:  params.Finished,
	}

	user, authenticated := auth.UserFromEcho(c)
	if params.Favorites || params.Finished {
		if !authenticated {
			return errcodes.Unauthorized("Authentication required")
		}
		opts.UserID = &user.UserID
	}

	books, total, err := h.bookService.ListBooksWithTotal(ctx, opts)
	if err != nil {
		return errors.WithStack(err)
	}

	var progress map[int]*models.Progress
	if authenticated {
		progress, err = h.bookService.ProgressForBooks(ctx, user.UserID, bookIDs(books))
		if err != nil {
			return errors.WithStack(err)
		}
	}

	next := params.Offset + params.Limit
	resp := ListBooksResponse{
		Books:          toBookResponses(books, progress),
		TotalBooks:     total,
		FetchedOffset:  params.Offset,
		NextOffset:     next,
		RemainingBooks: max(0, total-next),
	}

	return errors.WithStack(c.JSON(http.StatusOK, resp))
}

func (h *handler) retrieve(c echo.Context) error {
	ctx := c.Request().Context()
	identifier := IdentifierParam(c)

	book, err := h.bookService.RetrieveBook(ctx, RetrieveBookOptions{
		Identifier: &identifier,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	resp := BookDetailsResponse{
		Identifier: book.Identifier,
		EpubURL:    strings.TrimRight(h.baseURL, "/") + "/stream/" + url.PathEscape(book.Identifier),
	}
	if user, ok := auth.UserFromEcho(c); ok {
		progress, err := h.bookService.ProgressForBooks(ctx, user.UserID, []int{book.ID})
		if err != nil {
			return errors.WithStack(err)
		}
		if p, ok := progress[book.ID]; ok {
			resp.Progress = p.Progress
		}
	}

	return errors.WithStack(c.JSON(http.StatusOK, resp))
}

// edit changes catalog metadata only. The ePub on disk is never rewritten, so
// a later scan that inserts the book again reads the original metadata.
func (h *handler) edit(c echo.Context) error {
	ctx := c.Request().Context()
	log := logger.FromContext(ctx)

	// Bind params.
	params := EditBookPayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	// Fetch the book.
	book, err := h.bookService.RetrieveBook(ctx, RetrieveBookOptions{
		Identifier: &params.Identifier,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	// Keep track of what's been changed.
	opts := UpdateBookOptions{Columns: []string{}}

	if params.Title != nil && *params.Title != book.Title {
		book.Title = *params.Title
		opts.Columns = append(opts.Columns, "title")
	}
	if params.Authors != nil {
		authors := models.JoinAuthors(models.SplitAuthors(*params.Authors))
		if authors != book.Authors {
			book.Authors = authors
			opts.Columns = append(opts.Columns, "authors")
		}
	}
	if params.Series != nil {
		var series *string
		if *params.Series != "" {
			series = params.Series
		}
		book.Series = series
		opts.Columns = append(opts.Columns, "series")
	}
	if params.SeriesIndex != nil && *params.SeriesIndex != book.SeriesIndex {
		book.SeriesIndex = *params.SeriesIndex
		opts.Columns = append(opts.Columns, "series_index")
	}

	// A new cover is stored before the catalog is touched and replaces the
	// old one only once the update committed.
	var oldCover, newCover string
	if fh, ok := params.FormFiles["coverImage"]; ok {
		newCover, err = h.saveCover(fh)
		if err != nil {
			return err
		}
		if book.CoverImagePath != nil {
			oldCover = *book.CoverImagePath
		}
		book.CoverImagePath = &newCover
		opts.Columns = append(opts.Columns, "cover_image_path")
		opts.Cached = true
	}

	// Update the model.
	err = h.bookService.UpdateBook(ctx, book, opts)
	if err != nil {
		if newCover != "" {
			if rmErr := h.covers.Remove(newCover); rmErr != nil {
				log.Err(rmErr).Warn("failed to remove cover of failed edit")
			}
		}
		return errors.WithStack(err)
	}

	if newCover != "" {
		h.cache.Update(ctx, book.Identifier, book.RelativePath, newCover)
		if oldCover != "" {
			if err := h.covers.Remove(oldCover); err != nil {
				log.Err(err).Warn("failed to remove replaced cover", logger.Data{"cover": oldCover})
			}
		}
	}

	log.Info("edited book", logger.Data{"identifier": book.Identifier, "columns": opts.Columns})

	return errors.WithStack(c.JSON(http.StatusOK, MessageResponse{Message: "Book metadata updated successfully"}))
}

// saveCover stores an uploaded cover the way embedded covers are stored.
func (h *handler) saveCover(fh *multipart.FileHeader) (string, error) {
	if fh.Size > maxCoverUploadSize {
		return "", errcodes.ValidationError(`"coverImage" is too large`)
	}
	f, err := fh.Open()
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, maxCoverUploadSize))
	if err != nil {
		return "", errors.WithStack(err)
	}
	rel, err := h.covers.Save(raw)
	if errors.Is(err, covers.ErrUnsupportedImage) {
		return "", errcodes.ValidationError(`"coverImage" is not a supported image`)
	}
	return rel, errors.WithStack(err)
}

func (h *handler) updateProgressState(c echo.Context) error {
	ctx := c.Request().Context()
	identifier := IdentifierParam(c)

	user, ok := auth.UserFromEcho(c)
	if !ok {
		return errcodes.Unauthorized("Authentication required")
	}

	// Bind params.
	params := ProgressStatePayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}
	update := ProgressUpdate{
		IsFinished: params.IsFinished,
		Progress:   params.Progress,
		Favorite:   params.Favorite,
	}
	if update.IsEmpty() {
		return errcodes.BadRequest("One of is_finished, progress or favorite is required.")
	}

	book, err := h.bookService.RetrieveBook(ctx, RetrieveBookOptions{
		Identifier: &identifier,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = h.bookService.UpdateProgress(ctx, user.UserID, book.ID, update)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, MessageResponse{Message: "Book progress updated successfully"}))
}

func (h *handler) listAuthors(c echo.Context) error {
	ctx := c.Request().Context()

	authors, err := h.bookService.ListAuthors(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, AuthorsResponse{
		Authors:      authors,
		TotalAuthors: len(authors),
	}))
}

// authorBooks accepts slugged names, so "jane-austen" finds "Jane Austen".
func (h *handler) authorBooks(c echo.Context) error {
	ctx := c.Request().Context()
	name := IdentifierParam(c)

	normalized := strings.ToLower(strings.ReplaceAll(name, "-", " "))
	books, err := h.bookService.ListBooks(ctx, ListBooksOptions{Author: &normalized})
	if err != nil {
		return errors.WithStack(err)
	}
	if len(books) == 0 {
		return errcodes.NotFound("Author")
	}

	return errors.WithStack(c.JSON(http.StatusOK, AuthorBooksResponse{
		Author:     name,
		Books:      toBookResponses(books, nil),
		TotalBooks: len(books),
	}))
}

// IdentifierParam returns the first path parameter, unescaped.
func IdentifierParam(c echo.Context) string {
	raw := ""
	if values := c.ParamValues(); len(values) > 0 {
		raw = values[0]
	}
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}

func toBookResponses(books []*models.Book, progress map[int]*models.Progress) []BookResponse {
	out := make([]BookResponse, 0, len(books))
	for _, b := range books {
		resp := BookResponse{
			ID:           b.ID,
			Title:        b.Title,
			Authors:      b.AuthorList(),
			Series:       b.Series,
			SeriesIndex:  b.SeriesIndex,
			CoverURL:     "/api/covers/" + url.PathEscape(b.Identifier),
			RelativePath: b.RelativePath,
			Identifier:   b.Identifier,
		}
		if resp.Authors == nil {
			resp.Authors = []string{}
		}
		if p, ok := progress[b.ID]; ok {
			resp.IsFinished = p.IsFinished
			resp.MarkedFavorite = p.MarkedFavorite
		}
		out = append(out, resp)
	}
	return out
}

func bookIDs(books []*models.Book) []int {
	ids := make([]int, 0, len(books))
	for _, b := range books {
		ids = append(ids, b.ID)
	}
	return ids
}
