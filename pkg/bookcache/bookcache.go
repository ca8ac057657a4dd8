// Package bookcache keeps a fast identifier → file/cover lookup in front of
// the database. The database stays the source of truth: every entry may be
// dropped at any time and callers fall back to it.
package bookcache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

const (
	pathKeyPrefix       = "book:path:"
	coverKeyPrefix      = "book:cover:"
	generationKeyPrefix = "book:generation:"
)

// GenerationMark names the marker bumped by every catalog change that other
// processes' caches can't see directly. Entries written under an older
// generation read as misses.
const GenerationMark = "catalog:generation"

// Generations reads the catalog generation marker. It's satisfied by
// *locks.Store.
type Generations interface {
	LastMark(ctx context.Context, key string) (time.Time, error)
}

// Entry is what the cache knows about one book. CoverPath is empty when the
// book has no cover.
type Entry struct {
	RelativePath string
	CoverPath    string
}

// Cache is best-effort: failures are logged and never returned.
type Cache interface {
	Update(ctx context.Context, identifier, relativePath, coverPath string)
	Invalidate(ctx context.Context, identifier string)
	Lookup(ctx context.Context, identifier string) (Entry, bool)
}

// Badger is a Cache stored in a badger database.
type Badger struct {
	db  *badger.DB
	ttl time.Duration

	generations Generations
	checkEvery  time.Duration
	now         func() time.Time

	mu         sync.Mutex
	generation int64
	checkedAt  time.Time
}

// Open opens the cache under cfg.CacheDirectory. Tests get a private
// in-memory cache. A nil generations disables the generation check.
func Open(cfg *config.Config, generations Generations) (*Badger, error) {
	opts := badger.DefaultOptions(cfg.CacheDirectory)
	if cfg.IsTest() || cfg.CacheDirectory == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil).WithValueLogFileSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open book cache")
	}
	return &Badger{
		db:          db,
		ttl:         cfg.CacheTTL,
		generations: generations,
		checkEvery:  cfg.CacheGenerationCheck,
		now:         time.Now,
	}, nil
}

// OpenOrNoop opens the cache, falling back to Noop when the badger directory
// can't be opened, typically because another process holds its lock.
func OpenOrNoop(ctx context.Context, cfg *config.Config, generations Generations) Cache {
	b, err := Open(cfg, generations)
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("book cache unavailable, continuing without it", logger.Data{"dir": cfg.CacheDirectory})
		return Noop{}
	}
	return b
}

func (b *Badger) Close() error {
	return errors.WithStack(b.db.Close())
}

func (b *Badger) Update(ctx context.Context, identifier, relativePath, coverPath string) {
	generation, ok := b.currentGeneration(ctx)
	if !ok {
		b.Invalidate(ctx, identifier)
		return
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(b.entry(pathKeyPrefix+identifier, relativePath)); err != nil {
			return err
		}
		if err := txn.SetEntry(b.entry(coverKeyPrefix+identifier, coverPath)); err != nil {
			return err
		}
		return txn.SetEntry(b.entry(generationKeyPrefix+identifier, strconv.FormatInt(generation, 10)))
	})
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("book cache update failed", logger.Data{"identifier": identifier})
	}
}

func (b *Badger) Invalidate(ctx context.Context, identifier string) {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range []string{pathKeyPrefix, coverKeyPrefix, generationKeyPrefix} {
			if err := txn.Delete([]byte(prefix + identifier)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("book cache invalidation failed", logger.Data{"identifier": identifier})
	}
}

func (b *Badger) Lookup(ctx context.Context, identifier string) (Entry, bool) {
	generation, ok := b.currentGeneration(ctx)
	if !ok {
		return Entry{}, false
	}

	var entry Entry
	var stale bool
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(generationKeyPrefix + identifier))
		if err != nil {
			return err
		}
		err = item.Value(func(val []byte) error {
			stale = string(val) != strconv.FormatInt(generation, 10)
			return nil
		})
		if err != nil || stale {
			return err
		}

		item, err = txn.Get([]byte(pathKeyPrefix + identifier))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entry.RelativePath = string(v)

		item, err = txn.Get([]byte(coverKeyPrefix + identifier))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry.CoverPath = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false
	}
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("book cache lookup failed", logger.Data{"identifier": identifier})
		return Entry{}, false
	}
	if stale {
		b.Invalidate(ctx, identifier)
		return Entry{}, false
	}
	return entry, true
}

// currentGeneration returns the catalog generation, reading the marker again
// once the last read is older than checkEvery. It reports false when the
// marker can't be read; the cache is then bypassed.
func (b *Badger) currentGeneration(ctx context.Context) (int64, bool) {
	if b.generations == nil {
		return 0, true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.checkedAt.IsZero() && now.Sub(b.checkedAt) < b.checkEvery {
		return b.generation, true
	}

	last, err := b.generations.LastMark(ctx, GenerationMark)
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("failed to read catalog generation")
		return 0, false
	}
	b.generation = 0
	if !last.IsZero() {
		b.generation = last.UnixNano()
	}
	b.checkedAt = now
	return b.generation, true
}

func (b *Badger) entry(key, value string) *badger.Entry {
	e := badger.NewEntry([]byte(key), []byte(value))
	if b.ttl > 0 {
		e = e.WithTTL(b.ttl)
	}
	return e
}

// Noop caches nothing. It is used where the badger directory is owned by
// another process.
type Noop struct{}

func (Noop) Update(context.Context, string, string, string) {}

func (Noop) Invalidate(context.Context, string) {}

func (Noop) Lookup(context.Context, string) (Entry, bool) { return Entry{}, false }

var (
	_ Cache = (*Badger)(nil)
	_ Cache = Noop{}
)
