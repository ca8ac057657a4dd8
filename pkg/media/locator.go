// Package media serves book files and covers. Lookups go through the book
// cache first and fall back to the catalog.
package media

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bookhaven/bookhaven/pkg/bookcache"
	"github.com/bookhaven/bookhaven/pkg/books"
	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/covers"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// Location is where a book's file and cover live.
type Location struct {
	Identifier   string
	RelativePath string
	// CoverPath is relative to the covers root, empty without a cover.
	CoverPath string
}

type Locator struct {
	books  *books.Service
	cache  bookcache.Cache
	covers *covers.Store

	libraryRoot     string
	uploadsRoot     string
	uploadsLinkName string
}

func NewLocator(cfg *config.Config, db *bun.DB, cache bookcache.Cache) *Locator {
	if cache == nil {
		cache = bookcache.Noop{}
	}
	l := &Locator{
		books:       books.NewService(db),
		cache:       cache,
		covers:      covers.NewStore(cfg),
		libraryRoot: cfg.LibraryDirectory,
	}
	if cfg.UploadsEnabled() {
		l.uploadsRoot = cfg.UploadsDirectory
		l.uploadsLinkName = cfg.UploadsLinkName
	}
	return l
}

// Locate resolves an identifier. A cached entry is trusted only while its
// file is still on disk; otherwise it is dropped and the catalog answers,
// refreshing the cache.
func (l *Locator) Locate(ctx context.Context, identifier string) (*Location, error) {
	log := logger.FromContext(ctx).Data(logger.Data{"identifier": identifier})

	if entry, ok := l.cache.Lookup(ctx, identifier); ok {
		if isFile(l.FilePath(entry.RelativePath)) {
			return &Location{
				Identifier:   identifier,
				RelativePath: entry.RelativePath,
				CoverPath:    entry.CoverPath,
			}, nil
		}
		log.Debug("dropping stale cache entry", logger.Data{"relative_path": entry.RelativePath})
		l.cache.Invalidate(ctx, identifier)
	}

	book, err := l.books.RetrieveBook(ctx, books.RetrieveBookOptions{Identifier: &identifier})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	loc := &Location{
		Identifier:   book.Identifier,
		RelativePath: book.RelativePath,
	}
	if book.CoverImagePath != nil {
		loc.CoverPath = *book.CoverImagePath
	}
	l.cache.Update(ctx, loc.Identifier, loc.RelativePath, loc.CoverPath)

	return loc, nil
}

// FilePath maps a catalog path to a location on disk. Paths under the uploads
// link resolve into the uploads root. Nothing resolves outside the roots.
func (l *Locator) FilePath(rel string) string {
	clean := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(rel)), "/")
	if l.uploadsRoot != "" {
		if rest, ok := strings.CutPrefix(clean, l.uploadsLinkName+"/"); ok {
			return filepath.Join(l.uploadsRoot, filepath.FromSlash(rest))
		}
	}
	return filepath.Join(l.libraryRoot, filepath.FromSlash(clean))
}

// CoverFile returns the cover's location on disk, or "" when the book has
// no cover or its file is gone.
func (l *Locator) CoverFile(loc *Location) string {
	if !l.covers.Exists(loc.CoverPath) {
		return ""
	}
	return l.covers.Path(loc.CoverPath)
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
