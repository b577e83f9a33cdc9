package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/ChatGate/internal/domain/user"
)

func (s *Store) CreateUser(ctx context.Context, u *user.User) error {
	u.CreatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, name, password_hash, billing, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.Billing, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*user.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, name, password_hash, billing, created_at
		FROM users WHERE id = $1`, id)

	u, err := scanUser(row)
	if err != nil {
		return nil, notFoundWrap(err, "get user %s", id)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*user.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, name, password_hash, billing, created_at
		FROM users WHERE email = $1`, email)

	u, err := scanUser(row)
	if err != nil {
		return nil, notFoundWrap(err, "get user by email %s", email)
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, name, password_hash, billing, created_at
		FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2 WHERE id = $1`, userID, passwordHash)
	return execExpectOne(tag, err, "update password for user %s", userID)
}

// AddBilling atomically increments a user's accumulated spend. The increment
// happens in SQL so concurrent turns never lose updates.
func (s *Store) AddBilling(ctx context.Context, userID string, amount float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET billing = billing + $2 WHERE id = $1`, userID, amount)
	return execExpectOne(tag, err, "add billing for user %s", userID)
}

func scanUser(row scannable) (*user.User, error) {
	var u user.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Billing, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
