package books

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/bookhaven/bookhaven/pkg/bookcache"
	"github.com/bookhaven/bookhaven/pkg/errcodes"
	"github.com/bookhaven/bookhaven/pkg/locks"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type RetrieveBookOptions struct {
	ID         *int
	Identifier *string
}

type ListBooksOptions struct {
	Limit  *int
	Offset *int
	// Query matches title, authors or series, case-insensitively.
	Query string
	// UserID scopes Favorites and Finished. Both filters together match
	// books that are either.
	UserID    *int
	Favorites bool
	Finished  bool
	// Author matches books whose author list contains the name.
	Author *string

	includeTotal bool
}

type UpdateBookOptions struct {
	Columns []string
	// Cached is set when a changed column is held by the book cache. The
	// catalog generation is bumped with the update so every cache drops the
	// book.
	Cached bool
}

// ProgressUpdate holds the progress fields to change. Nil fields are left
// alone.
type ProgressUpdate struct {
	IsFinished *bool
	Progress   *string
	Favorite   *bool
}

func (u ProgressUpdate) IsEmpty() bool {
	return u.IsFinished == nil && u.Progress == nil && u.Favorite == nil
}

type Service struct {
	db    *bun.DB
	marks *locks.Store
	now   func() time.Time
}

func NewService(db *bun.DB) *Service {
	return &Service{db: db, marks: locks.NewStore(db), now: time.Now}
}

func (svc *Service) RetrieveBook(ctx context.Context, opts RetrieveBookOptions) (*models.Book, error) {
	book := &models.Book{}

	q := svc.db.
		NewSelect().
		Model(book)

	if opts.ID != nil {
		q = q.Where("b.id = ?", *opts.ID)
	}
	if opts.Identifier != nil {
		q = q.Where("b.identifier = ?", *opts.Identifier)
	}

	err := q.Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Book")
		}
		return nil, errors.WithStack(err)
	}

	return book, nil
}

func (svc *Service) ListBooks(ctx context.Context, opts ListBooksOptions) ([]*models.Book, error) {
	b, _, err := svc.listBooksWithTotal(ctx, opts)
	return b, errors.WithStack(err)
}

func (svc *Service) ListBooksWithTotal(ctx context.Context, opts ListBooksOptions) ([]*models.Book, int, error) {
	opts.includeTotal = true
	return svc.listBooksWithTotal(ctx, opts)
}

func (svc *Service) listBooksWithTotal(ctx context.Context, opts ListBooksOptions) ([]*models.Book, int, error) {
	books := []*models.Book{}
	var total int
	var err error

	q := svc.db.
		NewSelect().
		Model(&books).
		OrderExpr("b.title COLLATE NOCASE ASC").
		Order("b.id ASC")

	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		q = q.Offset(*opts.Offset)
	}
	if opts.Query != "" {
		pattern := likePattern(opts.Query)
		q = q.WhereGroup(" AND ", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.
				Where(`b.title LIKE ? ESCAPE '\'`, pattern).
				WhereOr(`b.authors LIKE ? ESCAPE '\'`, pattern).
				WhereOr(`b.series LIKE ? ESCAPE '\'`, pattern)
		})
	}
	if opts.Author != nil {
		q = q.Where(`b.authors LIKE ? ESCAPE '\'`, likePattern(*opts.Author))
	}
	if opts.UserID != nil && (opts.Favorites || opts.Finished) {
		var flags []string
		if opts.Favorites {
			flags = append(flags, "pr.marked_favorite")
		}
		if opts.Finished {
			flags = append(flags, "pr.is_finished")
		}
		q = q.Where(
			"EXISTS (SELECT 1 FROM progress AS pr WHERE pr.book_id = b.id AND pr.user_id = ? AND ("+strings.Join(flags, " OR ")+"))",
			*opts.UserID,
		)
	}

	if opts.includeTotal {
		total, err = q.ScanAndCount(ctx)
	} else {
		err = q.Scan(ctx)
	}
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	return books, total, nil
}

func (svc *Service) UpdateBook(ctx context.Context, book *models.Book, opts UpdateBookOptions) error {
	if len(opts.Columns) == 0 {
		return nil
	}

	book.UpdatedAt = svc.now().UTC()
	columns := append(opts.Columns, "updated_at")

	return svc.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.
			NewUpdate().
			Model(book).
			Column(columns...).
			WherePK().
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errcodes.NotFound("Book")
		}

		if opts.Cached {
			return errors.WithStack(svc.marks.MarkIn(ctx, tx, bookcache.GenerationMark))
		}
		return nil
	})
}

// ProgressForBooks returns the user's progress records keyed by book ID.
func (svc *Service) ProgressForBooks(ctx context.Context, userID int, bookIDs []int) (map[int]*models.Progress, error) {
	out := map[int]*models.Progress{}
	if len(bookIDs) == 0 {
		return out, nil
	}

	var progress []*models.Progress
	err := svc.db.NewSelect().
		Model(&progress).
		Where("pr.user_id = ?", userID).
		Where("pr.book_id IN (?)", bun.In(bookIDs)).
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	for _, p := range progress {
		out[p.BookID] = p
	}
	return out, nil
}

// UpdateProgress applies update to the user's progress on the book, creating
// the record on first use.
func (svc *Service) UpdateProgress(ctx context.Context, userID, bookID int, update ProgressUpdate) (*models.Progress, error) {
	now := svc.now().UTC()
	progress := &models.Progress{}

	err := svc.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(&models.Progress{UserID: userID, BookID: bookID, CreatedAt: now, UpdatedAt: now}).
			On("CONFLICT (user_id, book_id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}

		q := tx.NewUpdate().
			Model((*models.Progress)(nil)).
			Set("updated_at = ?", now).
			Where("user_id = ?", userID).
			Where("book_id = ?", bookID)
		if update.IsFinished != nil {
			q = q.Set("is_finished = ?", *update.IsFinished)
		}
		if update.Progress != nil {
			q = q.Set("progress = ?", *update.Progress)
		}
		if update.Favorite != nil {
			q = q.Set("marked_favorite = ?", *update.Favorite)
		}
		if _, err := q.Exec(ctx); err != nil {
			return errors.WithStack(err)
		}

		err = tx.NewSelect().
			Model(progress).
			Where("pr.user_id = ?", userID).
			Where("pr.book_id = ?", bookID).
			Scan(ctx)
		return errors.WithStack(err)
	})
	if err != nil {
		return nil, err
	}

	return progress, nil
}

// ListAuthors returns every distinct author across the catalog, sorted.
func (svc *Service) ListAuthors(ctx context.Context) ([]string, error) {
	var rows []string
	err := svc.db.NewSelect().
		Model((*models.Book)(nil)).
		Column("authors").
		Where("b.authors != ''").
		Scan(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	seen := map[string]struct{}{}
	authors := []string{}
	for _, row := range rows {
		for _, a := range models.SplitAuthors(row) {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			authors = append(authors, a)
		}
	}
	sort.Strings(authors)

	return authors, nil
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
