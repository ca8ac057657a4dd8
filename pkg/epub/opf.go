package epub

import (
	"encoding/xml"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// OPF is the subset of a package document the library cares about.
type OPF struct {
	UniqueIdentifier string
	Title            string
	Authors          []string
	Series           string
	SeriesIndex      float64
	CoverFilepath    string
	CoverMimeType    string
}

type Package struct {
	XMLName          xml.Name `xml:"package"`
	Version          string   `xml:"version,attr"`
	UniqueIdentifier string   `xml:"unique-identifier,attr"`
	Metadata         struct {
		Title []struct {
			Text string `xml:",chardata"`
			ID   string `xml:"id,attr"`
		} `xml:"title"`
		Creator []struct {
			Text string `xml:",chardata"`
			ID   string `xml:"id,attr"`
			Role string `xml:"role,attr"`
		} `xml:"creator"`
		Identifier []struct {
			Text   string `xml:",chardata"`
			ID     string `xml:"id,attr"`
			Scheme string `xml:"scheme,attr"`
		} `xml:"identifier"`
		Meta []struct {
			Text     string `xml:",chardata"`
			ID       string `xml:"id,attr"`
			Name     string `xml:"name,attr"`
			Content  string `xml:"content,attr"`
			Refines  string `xml:"refines,attr"`
			Property string `xml:"property,attr"`
		} `xml:"meta"`
	} `xml:"metadata"`
	Manifest struct {
		Item []struct {
			ID         string `xml:"id,attr"`
			Href       string `xml:"href,attr"`
			MediaType  string `xml:"media-type,attr"`
			Properties string `xml:"properties,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
}

// ParseOPF reads a package document. filename is its path inside the
// container, used to resolve manifest hrefs.
func ParseOPF(filename string, r io.Reader) (*OPF, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	pkg := &Package{}
	if err := xml.Unmarshal(b, pkg); err != nil {
		return nil, errors.WithStack(err)
	}

	// Refinements (EPUB 3) are keyed by the id they refine, plain name/content
	// meta (EPUB 2 and calibre) by name.
	refines := map[string]map[string]string{}
	named := map[string]string{}
	collections := map[string]string{}
	for _, m := range pkg.Metadata.Meta {
		switch {
		case m.Refines != "":
			id := strings.TrimPrefix(m.Refines, "#")
			if refines[id] == nil {
				refines[id] = map[string]string{}
			}
			refines[id][m.Property] = strings.TrimSpace(m.Text)
		case m.Property == "belongs-to-collection" && m.ID != "":
			collections[m.ID] = strings.TrimSpace(m.Text)
		case m.Name != "":
			named[m.Name] = strings.TrimSpace(m.Content)
		}
	}

	opf := &OPF{
		UniqueIdentifier: uniqueIdentifier(pkg),
		Title:            mainTitle(pkg, refines),
	}

	for _, creator := range pkg.Metadata.Creator {
		role := creator.Role
		if role == "" && creator.ID != "" {
			role = refines[creator.ID]["role"]
		}
		name := strings.TrimSpace(creator.Text)
		if name == "" {
			continue
		}
		if role == "" || role == "aut" {
			opf.Authors = append(opf.Authors, name)
		}
	}

	opf.Series = named["calibre:series"]
	if idx, err := strconv.ParseFloat(named["calibre:series_index"], 64); err == nil {
		opf.SeriesIndex = idx
	}
	if opf.Series == "" {
		for id, name := range collections {
			if refines[id]["collection-type"] != "series" {
				continue
			}
			opf.Series = name
			if idx, err := strconv.ParseFloat(refines[id]["group-position"], 64); err == nil {
				opf.SeriesIndex = idx
			}
			break
		}
	}

	basePath := path.Dir(filename)
	for _, item := range pkg.Manifest.Item {
		isCover := strings.Contains(" "+item.Properties+" ", " cover-image ")
		if (named["cover"] != "" && item.ID == named["cover"]) || isCover {
			opf.CoverFilepath = resolveHref(basePath, item.Href)
			opf.CoverMimeType = item.MediaType
			if isCover {
				break
			}
		}
	}

	return opf, nil
}

// uniqueIdentifier returns the dc:identifier named by the package's
// unique-identifier attribute, or the first identifier when none matches.
func uniqueIdentifier(pkg *Package) string {
	ids := pkg.Metadata.Identifier
	if len(ids) == 0 {
		return ""
	}
	for _, id := range ids {
		if pkg.UniqueIdentifier != "" && id.ID == pkg.UniqueIdentifier {
			return strings.TrimSpace(id.Text)
		}
	}
	return strings.TrimSpace(ids[0].Text)
}

func mainTitle(pkg *Package, refines map[string]map[string]string) string {
	titles := pkg.Metadata.Title
	for _, t := range titles {
		if t.ID != "" && refines[t.ID]["title-type"] == "main" {
			return strings.TrimSpace(t.Text)
		}
	}
	if len(titles) > 0 {
		return strings.TrimSpace(titles[0].Text)
	}
	return ""
}

func resolveHref(basePath, href string) string {
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	if basePath == "." {
		return path.Clean(href)
	}
	return path.Join(basePath, href)
}
