package model

import "time"

// Order is the most recent free-text lunch order submitted by a caller.
// A caller has at most one order; a new submission replaces the old one.
type Order struct {
	Caller    string
	Item      string
	UpdatedAt time.Time
}
