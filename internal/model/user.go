// Package model defines domain entities for the application.
package model

// AuthorizedUser maps a Telegram handle to the email identity it may
// administer. Handles are stored exactly as they appear in the users
// file, including the leading "@".
type AuthorizedUser struct {
	Handle string `json:"handle"`
	Email  string `json:"email"`
}
