package books

import "mime/multipart"

type ListBooksQuery struct {
	Query     string `query:"query" json:"query,omitempty" mod:"trim" validate:"max=200"`
	Offset    int    `query:"offset" json:"offset,omitempty" validate:"min=0"`
	Limit     int    `query:"limit" json:"limit,omitempty" default:"18" validate:"min=1,max=100"`
	Favorites bool   `query:"favorites" json:"favorites,omitempty"`
	Finished  bool   `query:"finished" json:"finished,omitempty"`
}

type EditBookPayload struct {
	Identifier  string   `json:"identifier" form:"identifier" mod:"trim" validate:"required,identifier"`
	Title       *string  `json:"title,omitempty" form:"title" mod:"trim" validate:"omitempty,min=1,max=500"`
	Authors     *string  `json:"authors,omitempty" form:"authors" validate:"omitempty,max=1000"`
	Series      *string  `json:"series,omitempty" form:"series" mod:"trim" validate:"omitempty,max=500"`
	SeriesIndex *float64 `json:"seriesindex,omitempty" form:"seriesindex" validate:"omitempty,min=0"`

	// FormFiles holds the optional "coverImage" upload of a multipart edit.
	FormFiles map[string]*multipart.FileHeader `json:"-" form:"-"`
}

type ProgressStatePayload struct {
	IsFinished *bool   `json:"is_finished"`
	Progress   *string `json:"progress" validate:"omitempty,max=4096"`
	Favorite   *bool   `json:"favorite"`
}

// BookResponse is a catalog entry as listed to clients.
type BookResponse struct {
	ID             int      `json:"id"`
	Title          string   `json:"title"`
	Authors        []string `json:"authors"`
	Series         *string  `json:"series"`
	SeriesIndex    float64  `json:"seriesindex"`
	CoverURL       string   `json:"coverUrl"`
	RelativePath   string   `json:"relative_path"`
	Identifier     string   `json:"identifier"`
	IsFinished     bool     `json:"is_finished"`
	MarkedFavorite bool     `json:"marked_favorite"`
}

type ListBooksResponse struct {
	Books          []BookResponse `json:"books"`
	TotalBooks     int            `json:"total_books"`
	FetchedOffset  int            `json:"fetched_offset"`
	NextOffset     int            `json:"next_offset"`
	RemainingBooks int            `json:"remaining_books"`
}

type BookDetailsResponse struct {
	Identifier string  `json:"identifier"`
	EpubURL    string  `json:"epubUrl"`
	Progress   *string `json:"progress"`
}

type AuthorsResponse struct {
	Authors      []string `json:"authors"`
	TotalAuthors int      `json:"total_authors"`
}

type AuthorBooksResponse struct {
	Author     string         `json:"author"`
	Books      []BookResponse `json:"books"`
	TotalBooks int            `json:"total_books"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
