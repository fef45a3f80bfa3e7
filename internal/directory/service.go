package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/buyplans/internal/shared"
)

// Service reads the users table.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// RoleOf returns the workflow role of an active user.
func (s *Service) RoleOf(ctx context.Context, userID int64) (shared.Role, error) {
	user, err := s.User(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Role, nil
}

// User fetches an active user by ID.
func (s *Service) User(ctx context.Context, userID int64) (User, error) {
	var (
		user User
		role string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, COALESCE(name,''), email, role FROM users WHERE id = $1 AND is_active`, userID).
		Scan(&user.ID, &user.Name, &user.Email, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	parsed, ok := shared.ParseRole(role)
	if !ok {
		return User{}, fmt.Errorf("directory: user %d has unknown role %q", userID, role)
	}
	user.Role = parsed
	return user, nil
}

// UsersWithRole lists active users holding role.
func (s *Service) UsersWithRole(ctx context.Context, role shared.Role) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, COALESCE(name,''), email FROM users WHERE role = $1 AND is_active ORDER BY id`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user := User{Role: role}
		if err := rows.Scan(&user.ID, &user.Name, &user.Email); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}
