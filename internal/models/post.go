package models

import "github.com/google/uuid"

// Post is the external listing; the engine only ever flips IsSold.
type Post struct {
	ID       uuid.UUID `json:"id"`
	AuthorID uuid.UUID `json:"author_id"`
	IsSold   bool      `json:"is_sold"`
}
