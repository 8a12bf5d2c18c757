package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
)

const (
	userKeyPrefix  = "user:"
	aliasKeyPrefix = "userRef:"
)

// User is the canonical identity record stored at user:<method>:<value>.
// The primary contact never changes once the record exists.
type User struct {
	ContactMethod contact.Method    `json:"contactMethod"`
	ContactValue  string            `json:"contactValue"`
	Email         string            `json:"email,omitempty"`
	Phone         string            `json:"phone,omitempty"`
	GoogleID      string            `json:"googleId,omitempty"`
	Name          string            `json:"name,omitempty"`
	Picture       string            `json:"picture,omitempty"`
	Shipping      *contact.Shipping `json:"shipping,omitempty"`
	CreatedAt     time.Time         `json:"created"`
	UpdatedAt     time.Time         `json:"lastUpdated,omitzero"`
}

// Identity returns the primary contact identity.
func (u User) Identity() contact.Identity {
	return contact.Identity{Method: u.ContactMethod, Value: u.ContactValue}
}

// Key returns the canonical user key.
func (u User) Key() string {
	return u.Identity().Key()
}

// NeedsPhone reports whether no phone number is known for the user.
func (u User) NeedsPhone() bool {
	return u.ContactMethod != contact.MethodSMS && u.Phone == ""
}

// EmailAddress returns the primary email contact, falling back to the secondary one.
func (u User) EmailAddress() string {
	if u.ContactMethod == contact.MethodEmail {
		return u.ContactValue
	}
	return u.Email
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
