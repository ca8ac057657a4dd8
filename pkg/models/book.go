package models

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// AuthorSeparator joins the ordered author list into the stored column.
const AuthorSeparator = ", "

type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`

	ID             int       `bun:",pk,autoincrement" json:"id"`
	CreatedAt      time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"updated_at"`
	Identifier     string    `bun:",notnull,unique" json:"identifier"`
	Title          string    `bun:",notnull" json:"title"`
	Authors        string    `bun:",notnull" json:"authors"`
	Series         *string   `json:"series"`
	SeriesIndex    float64   `bun:",notnull" json:"seriesindex"`
	RelativePath   string    `bun:",notnull,unique" json:"relative_path"`
	CoverImagePath *string   `json:"cover_image_path"`

	Progress []*Progress `bun:"rel:has-many,join:id=book_id" json:"-"`
}

// AuthorList splits the stored author column back into its ordered list.
func (b *Book) AuthorList() []string {
	return SplitAuthors(b.Authors)
}

// JoinAuthors serializes an ordered author list, dropping blank entries.
func JoinAuthors(authors []string) string {
	cleaned := make([]string, 0, len(authors))
	for _, a := range authors {
		if a = strings.TrimSpace(a); a != "" {
			cleaned = append(cleaned, a)
		}
	}
	return strings.Join(cleaned, AuthorSeparator)
}

// SplitAuthors is the inverse of JoinAuthors. It also accepts values joined
// with a bare comma.
func SplitAuthors(authors string) []string {
	var out []string
	for _, a := range strings.Split(authors, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
