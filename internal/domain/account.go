package domain

import (
	"strings"
	"time"
)

// Account is the host-side account an external identity is linked to.
type Account struct {
	ID          string       `json:"id"`
	Username    string       `json:"username"`
	DisplayName string       `json:"display_name,omitempty"`
	ExternalIDs []ExternalID `json:"external_ids,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ExternalID links an "scheme:value" key to an account, with the contact
// email the provider reported at link time.
type ExternalID struct {
	Key       string    `json:"key"`
	AccountID string    `json:"account_id"`
	Email     *string   `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Scheme returns the scheme prefix of the key.
func (e ExternalID) Scheme() string {
	scheme, _, _ := strings.Cut(e.Key, ":")
	return scheme
}

// IsScheme reports whether the key belongs to scheme.
func (e ExternalID) IsScheme(scheme string) bool {
	return e.Scheme() == scheme
}

// UsernameScheme is the scheme of the external id every account with a
// username carries. Account linking looks identities up through it.
const UsernameScheme = "username"

// UsernameKey returns the external id key that links username to its account.
func UsernameKey(username string) string {
	return UsernameScheme + ":" + username
}

// CreateAccount is the input for provisioning a new account.
type CreateAccount struct {
	Username    string       `json:"username"`
	DisplayName string       `json:"display_name,omitempty"`
	ExternalIDs []ExternalID `json:"external_ids,omitempty"`
}

// ExternalIDsWithScheme returns the linked ids of the given scheme.
func (a *Account) ExternalIDsWithScheme(scheme string) []ExternalID {
	var out []ExternalID
	for _, e := range a.ExternalIDs {
		if e.IsScheme(scheme) {
			out = append(out, e)
		}
	}
	return out
}
