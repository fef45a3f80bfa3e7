// Package mailbox talks to the mail provider: it issues delegated per-user
// tokens and searches a user's sent-mail folder.
package mailbox

import (
	"errors"
	"time"
)

var (
	// ErrNoToken means the provider holds no delegated grant for the user.
	ErrNoToken = errors.New("mailbox: no delegated token")
	// ErrUnavailable wraps transport failures and unexpected provider responses.
	ErrUnavailable = errors.New("mailbox: provider unavailable")
)

// Message is one sent-mail hit.
type Message struct {
	Recipients []string
	SentAt     time.Time
	Subject    string
}

// FirstRecipient returns the first To address, or empty.
func (m Message) FirstRecipient() string {
	if len(m.Recipients) == 0 {
		return ""
	}
	return m.Recipients[0]
}
