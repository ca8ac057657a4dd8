// Package covers turns embedded cover art into normalized WebP files stored
// under a sharded directory tree.
package covers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/pkg/errors"
)

const (
	tokenBytes = 16
	extension  = ".webp"
)

// Store writes covers below Root. A cover's path is derived from a random
// token: the token's SHA-256 digest picks Depth directory levels (one digest
// byte modulo Fanout per level) and the file is named after the token.
type Store struct {
	Root      string
	Depth     int
	Fanout    int
	MaxHeight int
	Quality   int
}

func NewStore(cfg *config.Config) *Store {
	return &Store{
		Root:      cfg.CoversDirectory,
		Depth:     cfg.CoverShardDepth,
		Fanout:    cfg.CoverShardFanout,
		MaxHeight: cfg.CoverMaxHeight,
		Quality:   cfg.CoverQuality,
	}
}

// Save transcodes raw and writes it atomically, returning the new cover's
// slash-separated path relative to Root.
func (s *Store) Save(raw []byte) (string, error) {
	data, err := Transcode(raw, s.MaxHeight, s.Quality)
	if err != nil {
		return "", err
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	rel := s.ShardPath(token)
	if err := writeAtomic(s.Path(rel), data); err != nil {
		return "", err
	}
	return rel, nil
}

// ShardPath maps a token to its relative storage path.
func (s *Store) ShardPath(token string) string {
	digest := sha256.Sum256([]byte(token))

	depth := s.Depth
	if depth > len(digest) {
		depth = len(digest)
	}
	fanout := s.Fanout
	if fanout < 1 || fanout > 256 {
		fanout = 256
	}

	segments := make([]string, 0, depth+1)
	for i := 0; i < depth; i++ {
		segments = append(segments, fmt.Sprintf("%02x", int(digest[i])%fanout))
	}
	segments = append(segments, token+extension)
	return path.Join(segments...)
}

// Path resolves a relative cover path to a location on disk. Paths that
// would escape Root resolve to Root itself.
func (s *Store) Path(rel string) string {
	clean := path.Clean("/" + filepath.ToSlash(rel))
	return filepath.Join(s.Root, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
}

// Remove deletes a stored cover. A cover that is already gone isn't an error.
func (s *Store) Remove(rel string) error {
	if rel == "" {
		return nil
	}
	err := os.Remove(s.Path(rel))
	if err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}

// Exists reports whether the cover file is present.
func (s *Store) Exists(rel string) bool {
	if rel == "" {
		return false
	}
	info, err := os.Stat(s.Path(rel))
	return err == nil && info.Mode().IsRegular()
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.WithStack(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// writeAtomic writes data next to target and renames it into place once it
// is synced, so target never holds a partial file.
func writeAtomic(target string, data []byte) (err error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.WithStack(err)
	}

	tmp, err := os.CreateTemp(dir, ".cover-*.tmp")
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return errors.WithStack(err)
	}
	if err = tmp.Sync(); err != nil {
		return errors.WithStack(err)
	}
	if err = tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.WithStack(err)
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return errors.WithStack(err)
	}

	// Persist the rename itself. Not every filesystem supports syncing a
	// directory, so failures here are ignored.
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
