package pipeline

import (
	"context"

	"objectflow/internal/driver"
)

// Session identifies who is driving an operation. A nil session is treated
// as anonymous; hooks decide what anonymous callers may do.
type Session struct {
	UserID   string
	UserName string
	SpaceID  string
	Roles    []string

	// Bypass skips validation rules and lets hooks recognize a trusted
	// internal caller. Set only through Elevate.
	Bypass bool
}

// Elevate returns a copy of the session with rule bypass enabled, for
// internal maintenance paths acting on the user's behalf.
func (s *Session) Elevate() *Session {
	if s == nil {
		return &Session{Bypass: true}
	}
	copied := *s
	copied.Bypass = true
	return &copied
}

// HasRole reports whether the session carries the named role.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type txKey struct{}

// withTx stores a transaction handle in the context; every repository call
// made with the derived context runs inside it.
func withTx(ctx context.Context, tx driver.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFrom(ctx context.Context) (driver.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(driver.Tx)
	return tx, ok
}
