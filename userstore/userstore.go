// Package userstore holds chat credentials and decides whether a login is
// allowed. Passwords are never hashed here: clients send an opaque hash and
// the store compares it against the stored one.
package userstore

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Store.Lookup for unknown users.
	ErrNotFound = errors.New("userstore: user not found")

	// ErrUnavailable wraps backend failures that prevent a login decision.
	ErrUnavailable = errors.New("userstore: backend unavailable")

	// ErrReadOnly is returned when writing through a store that is not a Writer.
	ErrReadOnly = errors.New("userstore: store is read-only")
)

// Verdict is the outcome of a credential check.
type Verdict int

const (
	Allow Verdict = iota
	Deny
	Banned
)

// String returns a human-readable name for the verdict.
func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// Checker decides whether name may log in with passwordHash.
type Checker interface {
	Check(ctx context.Context, name, passwordHash string) (Verdict, error)
}

// User is a stored account.
type User struct {
	Name         string `json:"name"`
	PasswordHash string `json:"password_hash"`
	Banned       bool   `json:"banned"`
}

// Store looks users up by name.
type Store interface {
	Lookup(ctx context.Context, name string) (User, error)
}

// Writer is implemented by stores that accept account changes.
type Writer interface {
	Put(ctx context.Context, u User) error
	SetBanned(ctx context.Context, name string, banned bool) error
}

// Verify checks a login attempt against store.
//
// Parameters:
//   - ctx: Context for cancellation and timeout control
//   - store: The user store to consult
//   - name: The login name
//   - passwordHash: The hash sent by the client
//
// Returns:
//   - Deny for unknown users or a hash mismatch, Banned for banned users,
//     Allow otherwise
//   - An error wrapping ErrUnavailable when the store fails
func Verify(ctx context.Context, store Store, name, passwordHash string) (Verdict, error) {
	u, err := store.Lookup(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return Deny, nil
	}

	if err != nil {
		return Deny, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if u.Banned {
		return Banned, nil
	}

	if subtle.ConstantTimeCompare([]byte(u.PasswordHash), []byte(passwordHash)) != 1 {
		return Deny, nil
	}

	return Allow, nil
}

// StoreChecker adapts a Store to the Checker interface using Verify.
type StoreChecker struct {
	Store Store
}

// NewChecker returns a Checker backed by store.
func NewChecker(store Store) *StoreChecker {
	return &StoreChecker{Store: store}
}

func (c *StoreChecker) Check(ctx context.Context, name, passwordHash string) (Verdict, error) {
	return Verify(ctx, c.Store, name, passwordHash)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, name, passwordHash string) (Verdict, error)

func (f CheckerFunc) Check(ctx context.Context, name, passwordHash string) (Verdict, error) {
	return f(ctx, name, passwordHash)
}
