package auth

import (
	"time"

	"github.com/odyssey-erp/buyplans/internal/shared"
)

// User is an account allowed to sign in to the buy-plan workflow.
type User struct {
	ID           int64
	Name         string
	Email        string
	Role         shared.Role
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
