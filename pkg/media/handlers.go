package media

import (
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bookhaven/bookhaven/pkg/books"
	"github.com/bookhaven/bookhaven/pkg/covers"
	"github.com/bookhaven/bookhaven/pkg/errcodes"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// CoverCacheControl lets browsers keep covers for three days.
const CoverCacheControl = "public, max-age=259200"

type handler struct {
	locator *Locator
	baseURL string

	placeholder func() ([]byte, error)
}

func newHandler(locator *Locator, baseURL string, coverHeight, coverQuality int) *handler {
	return &handler{
		locator: locator,
		baseURL: strings.TrimRight(baseURL, "/"),
		placeholder: sync.OnceValues(func() ([]byte, error) {
			return covers.Placeholder(coverHeight, coverQuality)
		}),
	}
}

// cover never 404s: unknown books and books without a cover get the
// placeholder.
func (h *handler) cover(c echo.Context) error {
	ctx := c.Request().Context()
	identifier := books.IdentifierParam(c)

	c.Response().Header().Set(echo.HeaderCacheControl, CoverCacheControl)

	loc, err := h.locator.Locate(ctx, identifier)
	if err != nil && !errors.Is(err, errcodes.NotFound("Book")) {
		return errors.WithStack(err)
	}
	if loc != nil {
		if file := h.locator.CoverFile(loc); file != "" {
			c.Response().Header().Set(echo.HeaderContentType, covers.MediaType)
			return errors.WithStack(c.File(file))
		}
	}

	data, err := h.placeholder()
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(c.Blob(http.StatusOK, covers.MediaType, data))
}

func (h *handler) download(c echo.Context) error {
	ctx := c.Request().Context()

	loc, file, err := h.locateFile(c)
	if err != nil {
		return err
	}

	logger.FromContext(ctx).Info("downloading book", logger.Data{"identifier": loc.Identifier})
	return errors.WithStack(c.Attachment(file, path.Base(loc.RelativePath)))
}

func (h *handler) stream(c echo.Context) error {
	loc, _, err := h.locateFile(c)
	if err != nil {
		return err
	}

	return errors.WithStack(c.JSON(http.StatusOK, StreamResponse{
		URL: h.baseURL + "/files/" + escapePath(loc.RelativePath),
	}))
}

// file serves a book by its path in the library.
func (h *handler) file(c echo.Context) error {
	rel, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return errcodes.NotFound("File")
	}

	file := h.locator.FilePath(rel)
	if !isFile(file) {
		return errcodes.NotFound("File")
	}
	c.Response().Header().Set(echo.HeaderContentType, mediaType(file))
	return errors.WithStack(c.File(file))
}

func (h *handler) locateFile(c echo.Context) (*Location, string, error) {
	ctx := c.Request().Context()
	identifier := books.IdentifierParam(c)

	loc, err := h.locator.Locate(ctx, identifier)
	if err != nil {
		return nil, "", errors.WithStack(err)
	}

	file := h.locator.FilePath(loc.RelativePath)
	if !isFile(file) {
		logger.FromContext(ctx).Warn("book file missing", logger.Data{"identifier": identifier, "relative_path": loc.RelativePath})
		return nil, "", errcodes.NotFound("File")
	}
	return loc, file, nil
}

func escapePath(rel string) string {
	segments := strings.Split(rel, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func mediaType(file string) string {
	if strings.EqualFold(filepath.Ext(file), ".epub") {
		return "application/epub+zip"
	}
	return echo.MIMEOctetStream
}
