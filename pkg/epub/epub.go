// Package epub extracts bibliographic metadata from ePub containers.
package epub

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const containerPath = "META-INF/container.xml"

// maxCoverSize bounds how much of a cover entry is read into memory.
const maxCoverSize = 32 << 20

// ErrNoPackage is returned when the container holds no package document.
var ErrNoPackage = errors.New("no opf package document found")

// Metadata is what one ePub contributes to the catalog. SeriesIndex is 0
// when the book declares none; Cover is nil when it has no cover.
type Metadata struct {
	Identifier     string
	Title          string
	Authors        []string
	Series         string
	SeriesIndex    float64
	Cover          []byte
	CoverMediaType string
}

type container struct {
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

// Parse opens the ePub at filename and reads its metadata. It has no side
// effects beyond reading the file.
func Parse(filename string) (*Metadata, error) {
	zr, err := zip.OpenReader(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	opfPath, err := findPackage(files, zr.File)
	if err != nil {
		return nil, err
	}

	r, err := files[opfPath].Open()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	opf, err := ParseOPF(opfPath, r)
	r.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", opfPath)
	}

	md := &Metadata{
		Identifier:     opf.UniqueIdentifier,
		Title:          opf.Title,
		Authors:        opf.Authors,
		Series:         opf.Series,
		SeriesIndex:    opf.SeriesIndex,
		CoverMediaType: opf.CoverMimeType,
	}
	if md.Title == "" {
		base := filepath.Base(filename)
		md.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}

	if cover, ok := files[opf.CoverFilepath]; ok && opf.CoverFilepath != "" {
		// An unreadable cover doesn't make the book unreadable.
		if b, err := readEntry(cover, maxCoverSize); err == nil {
			md.Cover = b
		}
	}

	return md, nil
}

// findPackage locates the package document through META-INF/container.xml,
// falling back to the first .opf entry for containers that lack one.
func findPackage(files map[string]*zip.File, ordered []*zip.File) (string, error) {
	if f, ok := files[containerPath]; ok {
		b, err := readEntry(f, 1<<20)
		if err != nil {
			return "", err
		}
		c := &container{}
		if err := xml.Unmarshal(b, c); err == nil {
			for _, rf := range c.Rootfiles {
				p := path.Clean(rf.FullPath)
				if _, ok := files[p]; ok {
					return p, nil
				}
			}
		}
	}

	for _, f := range ordered {
		if strings.EqualFold(path.Ext(f.Name), ".opf") {
			return f.Name, nil
		}
	}
	return "", ErrNoPackage
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer r.Close()

	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if int64(len(b)) > limit {
		return nil, errors.Errorf("%s exceeds %d bytes", f.Name, limit)
	}
	return b, nil
}
