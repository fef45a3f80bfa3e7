// Package directory resolves users and their workflow roles.
package directory

import (
	"errors"

	"github.com/odyssey-erp/buyplans/internal/shared"
)

// ErrNotFound indicates that the requested user does not exist or is inactive.
var ErrNotFound = errors.New("directory: not found")

// User is the contact record used for notifications.
type User struct {
	ID    int64
	Name  string
	Email string
	Role  shared.Role
}
