package db

import "time"

// Organization owns projects and memberships.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// Secret is an encrypted value stored for a project. Value holds the
// at-rest "ivHex:cipherHex" blob, never the plaintext.
type Secret struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Environment string    `json:"environment"`
	Folder      string    `json:"folder"`
	Value       string    `json:"-"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
