package bookcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
)

func newTestCache(t *testing.T) *Badger {
	t.Helper()
	c, err := Open(config.NewForTest(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBadger_UpdateLookupInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCache(t)

	_, ok := c.Lookup(ctx, "http-www-gutenberg-org-1342")
	assert.False(t, ok)

	c.Update(ctx, "http-www-gutenberg-org-1342", "Pride_and_Prejudice.epub", "ab/cd/token.webp")
	entry, ok := c.Lookup(ctx, "http-www-gutenberg-org-1342")
	require.True(t, ok)
	assert.Equal(t, "Pride_and_Prejudice.epub", entry.RelativePath)
	assert.Equal(t, "ab/cd/token.webp", entry.CoverPath)

	c.Update(ctx, "http-www-gutenberg-org-1342", "subdir/Pride_and_Prejudice.epub", "")
	entry, ok = c.Lookup(ctx, "http-www-gutenberg-org-1342")
	require.True(t, ok)
	assert.Equal(t, "subdir/Pride_and_Prejudice.epub", entry.RelativePath)
	assert.Empty(t, entry.CoverPath)

	c.Invalidate(ctx, "http-www-gutenberg-org-1342")
	_, ok = c.Lookup(ctx, "http-www-gutenberg-org-1342")
	assert.False(t, ok)

	// Invalidating something never cached is fine.
	c.Invalidate(ctx, "unknown")
}

func TestBadger_EntriesExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := config.NewForTest()
	cfg.CacheTTL = time.Second
	c, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Update(ctx, "book", "book.epub", "")
	_, ok := c.Lookup(ctx, "book")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := c.Lookup(ctx, "book")
		return !ok
	}, 5*time.Second, 100*time.Millisecond)
}

type markers struct {
	mu   sync.Mutex
	last time.Time
	err  error
}

func (m *markers) LastMark(context.Context, string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.err
}

func (m *markers) bump(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = at
}

func TestBadger_GenerationBumpInvalidatesEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gens := &markers{}
	c, err := Open(config.NewForTest(), gens)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Update(ctx, "emma", "Emma.epub", "")
	entry, ok := c.Lookup(ctx, "emma")
	require.True(t, ok)
	assert.Equal(t, "Emma.epub", entry.RelativePath)

	// Another process changed the catalog.
	gens.bump(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	_, ok = c.Lookup(ctx, "emma")
	assert.False(t, ok)

	c.Update(ctx, "emma", "moved/Emma.epub", "")
	entry, ok = c.Lookup(ctx, "emma")
	require.True(t, ok)
	assert.Equal(t, "moved/Emma.epub", entry.RelativePath)
}

func TestBadger_GenerationReadThrottled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := config.NewForTest()
	cfg.CacheGenerationCheck = time.Minute
	gens := &markers{}
	c, err := Open(cfg, gens)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Update(ctx, "emma", "Emma.epub", "")
	gens.bump(now)

	_, ok := c.Lookup(ctx, "emma")
	assert.True(t, ok, "marker isn't read again within the check interval")

	now = now.Add(time.Minute)
	_, ok = c.Lookup(ctx, "emma")
	assert.False(t, ok)
}

func TestBadger_UnreadableGenerationBypassesCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gens := &markers{}
	c, err := Open(config.NewForTest(), gens)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Update(ctx, "emma", "Emma.epub", "")
	gens.mu.Lock()
	gens.err = errors.New("database is locked")
	gens.mu.Unlock()

	_, ok := c.Lookup(ctx, "emma")
	assert.False(t, ok)
}

func TestOpenOrNoop_FallsBackWhenDirectoryIsLocked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := config.NewForTest()
	cfg.Environment = config.EnvironmentDevelopment
	cfg.CacheDirectory = t.TempDir()

	owner := OpenOrNoop(ctx, cfg, nil)
	b, ok := owner.(*Badger)
	require.True(t, ok)
	t.Cleanup(func() { _ = b.Close() })

	second := OpenOrNoop(ctx, cfg, nil)
	assert.Equal(t, Noop{}, second)
}

func TestNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var c Cache = Noop{}
	c.Update(ctx, "book", "book.epub", "cover.webp")
	_, ok := c.Lookup(ctx, "book")
	assert.False(t, ok)
}

func TestGCService(t *testing.T) {
	t.Parallel()

	t.Run("stops with its context", func(t *testing.T) {
		cfg := config.NewForTest()
		cfg.Environment = config.EnvironmentDevelopment
		cfg.CacheDirectory = t.TempDir()
		c, err := Open(cfg, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		svc := c.GC()
		svc.interval = 10 * time.Millisecond

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, svc.Serve(ctx), context.DeadlineExceeded)
	})

	t.Run("exits for an in-memory cache", func(t *testing.T) {
		svc := newTestCache(t).GC()
		svc.interval = 10 * time.Millisecond
		assert.ErrorIs(t, svc.Serve(context.Background()), suture.ErrDoNotRestart)
	})
}
