package models

// Project is the read-only slice of a project the timer needs for its
// ownership check. Projects themselves are managed elsewhere.
type Project struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
}
