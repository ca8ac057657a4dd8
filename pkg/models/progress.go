package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Progress is one user's reading state for one book. Progress holds an
// opaque position marker such as an ePub CFI.
type Progress struct {
	bun.BaseModel `bun:"table:progress,alias:pr"`

	ID             int       `bun:",pk,autoincrement" json:"id"`
	CreatedAt      time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"updated_at"`
	UserID         int       `bun:",notnull" json:"user_id"`
	BookID         int       `bun:",notnull" json:"book_id"`
	Progress       *string   `json:"progress"`
	IsFinished     bool      `bun:",notnull" json:"is_finished"`
	MarkedFavorite bool      `bun:",notnull" json:"marked_favorite"`
}
