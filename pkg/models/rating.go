package models

import "time"

// RatingEvent is the wire form of one rating, as published on the rating
// events topic and stored in the ratings table.
type RatingEvent struct {
	UserID    int       `json:"user_id" db:"user_id"`
	ItemID    int       `json:"item_id" db:"item_id"`
	Rating    float64   `json:"rating" db:"rating"`
	Timestamp time.Time `json:"timestamp,omitempty" db:"updated_at"`
}

// RatingInput is one entry of an ad hoc rating history.
type RatingInput struct {
	ItemID int     `json:"item_id" binding:"min=0"`
	Rating float64 `json:"rating"`
}
