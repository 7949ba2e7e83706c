package auth

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func hashFor(t *testing.T, password string) string {
	t.Helper()
	h, err := HashPasswordCost(password, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPasswordCost failed: %v", err)
	}
	return h
}

func TestStaticDirectory_Authenticate(t *testing.T) {
	dir, err := NewStaticDirectory([]Entry{
		{Username: "alice", PasswordHash: hashFor(t, "secret"), Roles: []string{"viewer"}},
		{Username: "bob", PasswordHash: hashFor(t, "hunter2")},
	})
	if err != nil {
		t.Fatalf("NewStaticDirectory failed: %v", err)
	}
	if dir.Len() != 2 {
		t.Errorf("Len() = %d, want 2", dir.Len())
	}

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"valid alice", "alice", "secret", nil},
		{"valid bob", "bob", "hunter2", nil},
		{"wrong password", "alice", "Secret", ErrInvalidCredentials},
		{"unknown user", "carol", "secret", ErrInvalidCredentials},
		{"empty password", "alice", "", ErrEmptyPassword},
		{"case sensitive username", "Alice", "secret", ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := dir.Authenticate(context.Background(), tt.username, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && p.Username != tt.username {
				t.Errorf("Username = %q, want %q", p.Username, tt.username)
			}
		})
	}
}

func TestStaticDirectory_RolesAreCopied(t *testing.T) {
	roles := []string{"viewer"}
	dir, err := NewStaticDirectory([]Entry{{Username: "alice", PasswordHash: hashFor(t, "pw"), Roles: roles}})
	if err != nil {
		t.Fatal(err)
	}

	p, err := dir.Authenticate(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if !p.HasRole("viewer") || p.HasRole("admin") {
		t.Errorf("HasRole mismatch for %v", p.Roles)
	}

	p.Roles[0] = "admin"
	again, _ := dir.Authenticate(context.Background(), "alice", "pw")
	if again.Roles[0] != "viewer" {
		t.Error("Mutating a principal must not change the directory")
	}
}

func TestNewStaticDirectory_Invalid(t *testing.T) {
	good := hashFor(t, "pw")

	tests := []struct {
		name    string
		entries []Entry
		wantErr error
	}{
		{"empty username", []Entry{{PasswordHash: good}}, ErrEmptyUsername},
		{"duplicate", []Entry{{Username: "a", PasswordHash: good}, {Username: "a", PasswordHash: good}}, ErrDuplicateUser},
		{"bad hash", []Entry{{Username: "a", PasswordHash: "plaintext"}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStaticDirectory(tt.entries)
			if err == nil {
				t.Fatal("Expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewStaticDirectory_Empty(t *testing.T) {
	dir, err := NewStaticDirectory(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dir.Authenticate(context.Background(), "alice", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
}

func TestHashPassword(t *testing.T) {
	if _, err := HashPassword(""); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("Expected ErrEmptyPassword, got %v", err)
	}

	h := hashFor(t, "pw")
	if err := bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")); err != nil {
		t.Errorf("Hash does not verify: %v", err)
	}
}
