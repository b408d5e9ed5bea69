package auth

import "time"

// Credential is the authenticated user's access token and display identity.
type Credential struct {
	AccessToken string    `json:"-"`
	User        string    `json:"user"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// PendingLogin is the single-use state issued by a login redirect.
type PendingLogin struct {
	State       string
	RedirectURI string
	CreatedAt   time.Time
}
