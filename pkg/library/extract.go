package library

import (
	"github.com/bookhaven/bookhaven/pkg/epub"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
)

const epubMimeType = "application/epub+zip"

// extractEPUB confirms the file's content is an ePub container before
// parsing it. Every failure wraps ErrExtract.
func extractEPUB(path string) (*epub.Metadata, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrExtract, "can't detect the mime type of %s: %v", path, err)
	}
	if !mtype.Is(epubMimeType) {
		return nil, errors.Wrapf(ErrExtract, "%s has mime type %s", path, mtype.String())
	}

	md, err := epub.Parse(path)
	if err != nil {
		return nil, errors.Wrapf(ErrExtract, "%v", err)
	}
	return md, nil
}
