package stdio

import (
	"os/user"
)

// UserProvider provides a user ID for the stdio peer when the caller
// context leaves it empty.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the user ID using the operating system's current user.
// The returned ID is user.Username when available; falling back to user.Uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUserProvider always returns the same ID.
type StaticUserProvider string

func (p StaticUserProvider) CurrentUserID() (string, error) { return string(p), nil }
