package models

// Transition records one status change for publication to downstream consumers.
// Entity is "request" for a single Request, or "paths" for a bulk broadcast over
// the Paths of the Request named by ID, in which case Count says how many moved.
type Transition struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Count  int    `json:"count,omitempty"`
	At     int64  `json:"at"` // epoch ms
}
