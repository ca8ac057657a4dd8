package library

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

const epubExtension = ".epub"

// discovery is the filesystem side of a run.
type discovery struct {
	// files maps slash-separated paths relative to the library root to their
	// location on disk.
	files map[string]string
	// unreadable holds relative directory prefixes the walk couldn't list.
	// Books below them are neither discovered nor considered missing.
	unreadable []string
}

func (d *discovery) underUnreadable(rel string) bool {
	for _, prefix := range d.unreadable {
		if prefix == "" || rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return true
		}
	}
	return false
}

// discover walks the library root, and the uploads root when configured,
// collecting every file with an .epub extension. Symlinks aren't followed.
func (r *Reconciler) discover(ctx context.Context) (*discovery, error) {
	d := &discovery{files: map[string]string{}}

	if err := r.walk(ctx, d, r.root, ""); err != nil {
		return nil, err
	}

	if r.uploadsRoot != "" && r.uploadsLinkName != "" {
		if _, err := os.Stat(r.uploadsRoot); err == nil {
			if err := r.walk(ctx, d, r.uploadsRoot, r.uploadsLinkName); err != nil {
				// The uploads tree is optional; protect what lives there.
				logger.FromContext(ctx).Err(err).Warn("failed to walk uploads directory")
				d.unreadable = append(d.unreadable, r.uploadsLinkName)
			}
		}
	}

	return d, nil
}

func (r *Reconciler) walk(ctx context.Context, d *discovery, root, prefix string) error {
	log := logger.FromContext(ctx)

	info, err := os.Stat(root)
	if err != nil {
		return errors.Wrapf(err, "library root %s is not accessible", root)
	}
	if !info.IsDir() {
		return errors.Errorf("library root %s is not a directory", root)
	}

	return filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return errors.WithStack(relErr)
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			rel = ""
		}
		if prefix != "" {
			rel = path.Join(prefix, rel)
		}

		if err != nil {
			if p == root {
				return errors.WithStack(err)
			}
			log.Warn("skipping unreadable path", logger.Data{"path": p, "err": err.Error()})
			d.unreadable = append(d.unreadable, rel)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if entry.IsDir() {
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if !strings.EqualFold(filepath.Ext(p), epubExtension) {
			return nil
		}

		d.files[rel] = p
		return nil
	})
}
