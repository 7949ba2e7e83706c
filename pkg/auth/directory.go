package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrEmptyPassword      = errors.New("password cannot be empty")
	ErrDuplicateUser      = errors.New("user already exists")
)

// BcryptCost is the work factor for HashPassword.
const BcryptCost = 12

// Principal is an authenticated user.
type Principal struct {
	Username string
	Roles    []string
}

// HasRole reports whether p carries role.
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Directory checks credentials.
type Directory interface {
	Authenticate(ctx context.Context, username, password string) (*Principal, error)
}

// Entry is one user of a StaticDirectory.
type Entry struct {
	Username     string
	PasswordHash string
	Roles        []string
}

// StaticDirectory authenticates against a fixed set of bcrypt hashes.
type StaticDirectory struct {
	users map[string]Entry
	// dummy is compared for unknown users so lookups cost the same
	dummy []byte
}

// NewStaticDirectory builds a directory from entries.
func NewStaticDirectory(entries []Entry) (*StaticDirectory, error) {
	d := &StaticDirectory{users: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.Username == "" {
			return nil, ErrEmptyUsername
		}
		if _, ok := d.users[e.Username]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, e.Username)
		}
		if _, err := bcrypt.Cost([]byte(e.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %s: invalid password hash: %w", e.Username, err)
		}
		d.users[e.Username] = e
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("cluso-portal-unknown-user"), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare directory: %w", err)
	}
	d.dummy = dummy
	return d, nil
}

// Authenticate returns the principal for a valid username and password.
// Unknown users and wrong passwords both yield ErrInvalidCredentials.
func (d *StaticDirectory) Authenticate(_ context.Context, username, password string) (*Principal, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}

	e, ok := d.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(d.dummy, []byte(password))
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(e.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &Principal{Username: e.Username, Roles: slices.Clone(e.Roles)}, nil
}

// Len returns the number of users.
func (d *StaticDirectory) Len() int {
	return len(d.users)
}

// HashPassword hashes password with BcryptCost.
func HashPassword(password string) (string, error) {
	return HashPasswordCost(password, BcryptCost)
}

// HashPasswordCost hashes password with an explicit bcrypt cost.
func HashPasswordCost(password string, cost int) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

var _ Directory = (*StaticDirectory)(nil)
