// Package library makes the catalog match the ePub files on disk.
package library

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bookhaven/bookhaven/pkg/bookcache"
	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/database"
	"github.com/bookhaven/bookhaven/pkg/epub"
	"github.com/bookhaven/bookhaven/pkg/identifiers"
	"github.com/bookhaven/bookhaven/pkg/locks"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// movingPrefix parks a record's path while moves are applied, so that two
// books trading places never collide on the unique path index.
const movingPrefix = "\x00moving/"

// CoverStore persists cover art. It's satisfied by *covers.Store.
type CoverStore interface {
	Save(raw []byte) (string, error)
	Remove(rel string) error
}

// Result counts what a run changed.
type Result struct {
	Added        int `json:"added"`
	Moved        int `json:"moved"`
	Removed      int `json:"removed"`
	Duplicates   int `json:"duplicates"`
	Failed       int `json:"failed"`
	OrphansSwept int `json:"orphans_swept"`
}

// Mutations is the number of database changes the run made.
func (r *Result) Mutations() int {
	return r.Added + r.Moved + r.Removed + r.OrphansSwept
}

type Reconciler struct {
	db     *bun.DB
	covers CoverStore
	cache  bookcache.Cache
	marks  *locks.Store

	root            string
	uploadsRoot     string
	uploadsLinkName string

	// Ephemeral disables the missing-book and orphan sweeps.
	Ephemeral bool

	extract func(path string) (*epub.Metadata, error)
	now     func() time.Time
}

func New(cfg *config.Config, db *bun.DB, covers CoverStore, cache bookcache.Cache) *Reconciler {
	r := &Reconciler{
		db:        db,
		covers:    covers,
		cache:     cache,
		marks:     locks.NewStore(db),
		root:      cfg.LibraryDirectory,
		Ephemeral: cfg.IsTest(),
		extract:   extractEPUB,
		now:       time.Now,
	}
	if cfg.UploadsEnabled() {
		r.uploadsRoot = cfg.UploadsDirectory
		r.uploadsLinkName = cfg.UploadsLinkName
	}
	if r.cache == nil {
		r.cache = bookcache.Noop{}
	}
	return r
}

// scanned is one discovered file that yielded metadata. The cover isn't
// kept; it's read again for the books that actually get inserted.
type scanned struct {
	rel        string
	abs        string
	identifier string
	md         *epub.Metadata
}

// plan is the set of changes one run applies, decided in memory against the
// persisted catalog before any statement is issued.
type plan struct {
	inserts []*scanned
	moves   []move
	deletes []*models.Book
	// touched books are unchanged but get their cache entry refreshed.
	touched []*models.Book
}

type move struct {
	book *models.Book
	to   string
}

// Reconcile walks the library and applies the differences to the catalog in
// a single transaction. A failure aborts the run and rolls everything back;
// the returned error is then a *StorageError. Per-file problems are logged
// and counted, never returned.
func (r *Reconciler) Reconcile(ctx context.Context, source Source) (*Result, error) {
	log := logger.FromContext(ctx).Data(logger.Data{"source": source})
	ctx = log.WithContext(ctx)
	start := time.Now()

	log.Info("starting library reconciliation", logger.Data{"root": r.root})

	found, err := r.discover(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.WithStack(ctxErr)
		}
		return nil, &StorageError{Err: err}
	}

	result := &Result{}
	books, failedPaths := r.scan(ctx, found, result)

	// Covers are transcoded before the write transaction opens. Those not
	// claimed by a committed insert are removed again.
	prepared, err := r.prepareCovers(ctx, books)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.WithStack(ctxErr)
		}
		return nil, &StorageError{Err: err}
	}
	claimed := map[string]bool{}
	// Work that touches state outside the database runs after commit.
	var afterCommit []func()

	err = r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var persisted []*models.Book
		if err := tx.NewSelect().Model(&persisted).Scan(ctx); err != nil {
			return errors.WithStack(err)
		}

		p := r.plan(ctx, source, persisted, books, found, failedPaths, result)

		if !r.Ephemeral && len(p.deletes) > 0 {
			if err := r.deleteBooks(ctx, tx, p.deletes); err != nil {
				return err
			}
			for _, b := range p.deletes {
				afterCommit = append(afterCommit, func() {
					r.cache.Invalidate(ctx, b.Identifier)
					if b.CoverImagePath != nil {
						if err := r.covers.Remove(*b.CoverImagePath); err != nil {
							log.Err(err).Warn("failed to remove cover of deleted book", logger.Data{"identifier": b.Identifier})
						}
					}
				})
			}
			result.Removed = len(p.deletes)
		}

		if err := r.applyMoves(ctx, tx, p.moves); err != nil {
			return err
		}
		for _, m := range p.moves {
			b := m.book
			afterCommit = append(afterCommit, func() {
				r.cache.Update(ctx, b.Identifier, b.RelativePath, coverPath(b))
			})
		}
		result.Moved = len(p.moves)

		for _, s := range p.inserts {
			b, err := r.insert(ctx, tx, s, prepared[s.rel])
			if err != nil {
				return err
			}
			if b == nil {
				result.Duplicates++
				continue
			}
			if b.CoverImagePath != nil {
				claimed[s.rel] = true
			}
			result.Added++
			afterCommit = append(afterCommit, func() {
				r.cache.Update(ctx, b.Identifier, b.RelativePath, coverPath(b))
			})
		}

		for _, b := range p.touched {
			afterCommit = append(afterCommit, func() {
				r.cache.Update(ctx, b.Identifier, b.RelativePath, coverPath(b))
			})
		}

		if !r.Ephemeral {
			swept, err := sweepOrphans(ctx, tx)
			if err != nil {
				return err
			}
			result.OrphansSwept = swept
		}

		if result.Mutations() > 0 {
			if err := r.marks.MarkIn(ctx, tx, bookcache.GenerationMark); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		claimed = nil
	}
	for file, cover := range prepared {
		if claimed[file] {
			continue
		}
		if rmErr := r.covers.Remove(cover); rmErr != nil {
			log.Err(rmErr).Warn("failed to remove unused cover", logger.Data{"cover": cover})
		}
	}
	if err != nil {
		log.Err(err).Error("library reconciliation rolled back")
		return nil, &StorageError{Err: err}
	}

	for _, fn := range afterCommit {
		fn()
	}

	log.Info("finished library reconciliation", logger.Data{
		"added":         result.Added,
		"moved":         result.Moved,
		"removed":       result.Removed,
		"duplicates":    result.Duplicates,
		"failed":        result.Failed,
		"orphans_swept": result.OrphansSwept,
		"duration":      time.Since(start).String(),
	})

	return result, nil
}

// scan extracts metadata from every discovered file. Files that fail are
// counted and their paths returned so the books stored there survive.
func (r *Reconciler) scan(ctx context.Context, found *discovery, result *Result) ([]*scanned, map[string]struct{}) {
	log := logger.FromContext(ctx)

	rels := make([]string, 0, len(found.files))
	for rel := range found.files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	books := make([]*scanned, 0, len(rels))
	failed := map[string]struct{}{}
	for _, rel := range rels {
		abs := found.files[rel]
		md, err := r.extract(abs)
		if err != nil {
			log.Warn("skipping unreadable epub", logger.Data{"path": rel, "err": err.Error()})
			result.Failed++
			failed[rel] = struct{}{}
			continue
		}
		md.Cover = nil
		books = append(books, &scanned{
			rel:        rel,
			abs:        abs,
			identifier: identifiers.Resolve(md.Identifier, rel),
			md:         md,
		})
	}
	return books, failed
}

// plan decides every change of the run. Decisions are keyed by identifier
// and the files of each identifier are considered in path order, so the
// outcome doesn't depend on walk order.
func (r *Reconciler) plan(ctx context.Context, source Source, persisted []*models.Book, books []*scanned, found *discovery, failedPaths map[string]struct{}, result *Result) *plan {
	log := logger.FromContext(ctx)
	p := &plan{}

	byIdentifier := make(map[string]*models.Book, len(persisted))
	occupied := make(map[string]*models.Book, len(persisted))
	for _, b := range persisted {
		byIdentifier[b.Identifier] = b
		occupied[b.RelativePath] = b
	}

	groups := map[string][]*scanned{}
	var order []string
	for _, s := range books {
		if _, ok := groups[s.identifier]; !ok {
			order = append(order, s.identifier)
		}
		groups[s.identifier] = append(groups[s.identifier], s)
	}

	// Books whose identifier no longer appears anywhere are missing, unless
	// something says their file may still be there.
	for _, b := range persisted {
		if _, ok := groups[b.Identifier]; ok {
			continue
		}
		if _, ok := failedPaths[b.RelativePath]; ok {
			continue
		}
		if found.underUnreadable(b.RelativePath) {
			continue
		}
		if r.isUpload(b.RelativePath) {
			log.Debug("keeping uploaded book", logger.Data{"path": b.RelativePath})
			continue
		}
		p.deletes = append(p.deletes, b)
		if !r.Ephemeral {
			delete(occupied, b.RelativePath)
		}
	}

	var moving []move
	for _, id := range order {
		group := groups[id]
		existing := byIdentifier[id]

		if existing == nil {
			p.inserts = append(p.inserts, group[0])
			r.logDuplicates(ctx, group[0].rel, group[1:], result)
			continue
		}

		keep := -1
		for i, s := range group {
			if s.rel == existing.RelativePath {
				keep = i
				break
			}
		}
		if keep >= 0 {
			p.touchIf(source, existing)
			rest := append(append([]*scanned{}, group[:keep]...), group[keep+1:]...)
			r.logDuplicates(ctx, existing.RelativePath, rest, result)
			continue
		}

		moving = append(moving, move{book: existing, to: group[0].rel})
		r.logDuplicates(ctx, group[0].rel, group[1:], result)
	}

	// A move may only land on a path that is free once the other moves have
	// left their old paths.
	for _, m := range moving {
		delete(occupied, m.book.RelativePath)
	}
	for _, m := range moving {
		if holder, ok := occupied[m.to]; ok {
			log.Warn("can't move book onto a path held by another book", logger.Data{
				"identifier": m.book.Identifier,
				"path":       m.to,
				"holder":     holder.Identifier,
			})
			result.Duplicates++
			occupied[m.book.RelativePath] = m.book
			continue
		}
		occupied[m.to] = m.book
		p.moves = append(p.moves, m)
	}

	return p
}

func (p *plan) touchIf(source Source, b *models.Book) {
	if source.RefreshesCache() {
		p.touched = append(p.touched, b)
	}
}

func (r *Reconciler) logDuplicates(ctx context.Context, kept string, dups []*scanned, result *Result) {
	for _, d := range dups {
		logger.FromContext(ctx).Warn("skipping duplicate book", logger.Data{
			"identifier": d.identifier,
			"path":       d.rel,
			"kept":       kept,
		})
		result.Duplicates++
	}
}

// isUpload reports whether rel points below the uploads link and the file is
// still present in the uploads directory.
func (r *Reconciler) isUpload(rel string) bool {
	if r.uploadsRoot == "" {
		return false
	}
	prefix := r.uploadsLinkName + "/"
	if !strings.HasPrefix(rel, prefix) {
		return false
	}
	_, err := os.Stat(filepath.Join(r.uploadsRoot, filepath.FromSlash(strings.TrimPrefix(rel, prefix))))
	return err == nil
}

func (r *Reconciler) deleteBooks(ctx context.Context, tx bun.Tx, books []*models.Book) error {
	ids := make([]int, 0, len(books))
	for _, b := range books {
		ids = append(ids, b.ID)
	}

	_, err := tx.NewDelete().
		Model((*models.Progress)(nil)).
		Where("book_id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = tx.NewDelete().
		Model((*models.Book)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return errors.WithStack(err)
}

func (r *Reconciler) applyMoves(ctx context.Context, tx bun.Tx, moves []move) error {
	now := r.now().UTC()

	for _, m := range moves {
		_, err := tx.NewUpdate().
			Model((*models.Book)(nil)).
			Set("relative_path = ?", movingPrefix+m.book.Identifier).
			Where("id = ?", m.book.ID).
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
	}

	for _, m := range moves {
		logger.FromContext(ctx).Info("book moved", logger.Data{
			"identifier": m.book.Identifier,
			"from":       m.book.RelativePath,
			"to":         m.to,
		})
		m.book.RelativePath = m.to
		m.book.UpdatedAt = now
		_, err := tx.NewUpdate().
			Model(m.book).
			Column("relative_path", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// insert adds one new book with the cover stored beforehand, if any. It
// returns a nil book when the insert collided with an existing one; only that
// insert is rolled back.
func (r *Reconciler) insert(ctx context.Context, tx bun.Tx, s *scanned, coverRel string) (*models.Book, error) {
	log := logger.FromContext(ctx).Data(logger.Data{"identifier": s.identifier, "path": s.rel})
	now := r.now().UTC()

	b := &models.Book{
		CreatedAt:    now,
		UpdatedAt:    now,
		Identifier:   s.identifier,
		Title:        s.md.Title,
		Authors:      models.JoinAuthors(s.md.Authors),
		SeriesIndex:  s.md.SeriesIndex,
		RelativePath: s.rel,
	}
	if s.md.Series != "" {
		series := s.md.Series
		b.Series = &series
	}

	if coverRel != "" {
		b.CoverImagePath = &coverRel
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT book_insert"); err != nil {
		return nil, errors.WithStack(err)
	}
	_, err := tx.NewInsert().Model(b).Exec(ctx)
	if err != nil {
		if !database.IsUniqueViolation(err) {
			return nil, errors.WithStack(err)
		}
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT book_insert"); rbErr != nil {
			return nil, errors.WithStack(rbErr)
		}
		if _, relErr := tx.ExecContext(ctx, "RELEASE SAVEPOINT book_insert"); relErr != nil {
			return nil, errors.WithStack(relErr)
		}
		log.Warn("skipping duplicate book", logger.Data{"err": err.Error()})
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT book_insert"); err != nil {
		return nil, errors.WithStack(err)
	}

	log.Info("book added")
	return b, nil
}

// prepareCovers stores the covers of the files likely to be inserted: the
// first file, in path order, of every identifier the catalog doesn't hold
// yet. The result maps file paths to stored covers.
func (r *Reconciler) prepareCovers(ctx context.Context, books []*scanned) (map[string]string, error) {
	var known []string
	err := r.db.NewSelect().
		Model((*models.Book)(nil)).
		Column("identifier").
		Scan(ctx, &known)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	seen := make(map[string]struct{}, len(known))
	for _, id := range known {
		seen[id] = struct{}{}
	}

	prepared := map[string]string{}
	for _, s := range books {
		if _, ok := seen[s.identifier]; ok {
			continue
		}
		seen[s.identifier] = struct{}{}
		if err := ctx.Err(); err != nil {
			for _, rel := range prepared {
				_ = r.covers.Remove(rel)
			}
			return nil, errors.WithStack(err)
		}
		if rel := r.saveCover(ctx, s); rel != "" {
			prepared[s.rel] = rel
		}
	}
	return prepared, nil
}

// saveCover reads the file's cover again and stores it. A book whose cover
// can't be stored is still added, without one.
func (r *Reconciler) saveCover(ctx context.Context, s *scanned) string {
	md, err := r.extract(s.abs)
	if err != nil || len(md.Cover) == 0 {
		return ""
	}
	rel, err := r.covers.Save(md.Cover)
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("failed to save cover", logger.Data{"path": s.rel})
		return ""
	}
	return rel
}

// sweepOrphans removes progress left behind by deleted users.
func sweepOrphans(ctx context.Context, tx bun.Tx) (int, error) {
	res, err := tx.NewDelete().
		Model((*models.Progress)(nil)).
		Where("user_id NOT IN (SELECT id FROM users)").
		Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return rowsAffected(res), nil
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}

func coverPath(b *models.Book) string {
	if b.CoverImagePath == nil {
		return ""
	}
	return *b.CoverImagePath
}
