package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Lease is a named mutex shared by every process using the database.
type Lease struct {
	bun.BaseModel `bun:"table:leases,alias:l"`

	Name       string    `bun:",pk" json:"name"`
	Owner      string    `bun:",notnull" json:"owner"`
	AcquiredAt time.Time `bun:",notnull" json:"acquired_at"`
	ExpiresAt  time.Time `bun:",notnull" json:"expires_at"`
}

// AppState holds small shared markers such as the last scan trigger time.
type AppState struct {
	bun.BaseModel `bun:"table:app_state,alias:s"`

	Name      string    `bun:",pk" json:"name"`
	MarkedAt  time.Time `bun:",notnull" json:"marked_at"`
	UpdatedAt time.Time `bun:",notnull" json:"updated_at"`
}
