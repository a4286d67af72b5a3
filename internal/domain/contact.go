package domain

import "time"

// ContactStatus enumerates the states a contact can be in.
type ContactStatus string

const (
	ContactActive       ContactStatus = "active"
	ContactBounced      ContactStatus = "bounced"
	ContactUnsubscribed ContactStatus = "unsubscribed"
)

// Contact represents a single email recipient within a contact list.
// The bounced and unsubscribed states are terminal for normal delivery
// flow: the bounce service moves contacts into them and nothing in the
// dispatch pipeline moves them back out.
type Contact struct {
	ID           string         `json:"id" db:"id"`
	ListID       string         `json:"list_id" db:"list_id"`
	Email        string         `json:"email" db:"email"`
	FirstName    string         `json:"first_name" db:"first_name"`
	LastName     string         `json:"last_name" db:"last_name"`
	Status       ContactStatus  `json:"status" db:"status"`
	CustomFields map[string]any `json:"custom_fields" db:"custom_fields"`

	SubscribedAt   time.Time  `json:"subscribed_at" db:"subscribed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at" db:"unsubscribed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Deliverable returns true if the contact may receive campaign email.
func (c *Contact) Deliverable() bool {
	return c.Status == ContactActive
}

// FullName joins first and last name, tolerating either being empty.
func (c *Contact) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	default:
		return c.FirstName + " " + c.LastName
	}
}
