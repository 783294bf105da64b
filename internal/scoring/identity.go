package scoring

import (
	"fmt"
	"strings"
)

// Identity is the key score state is partitioned under. Exactly one of
// AnonID and UserID is set.
type Identity struct {
	AnonID string `json:"anon_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// Anon returns an anonymous identity.
func Anon(id string) Identity { return Identity{AnonID: id} }

// User returns an authenticated identity.
func User(id string) Identity { return Identity{UserID: id} }

// Validate returns ErrInvalidIdentity unless exactly one identifier is set.
// A blank identifier counts as set and is rejected.
func (id Identity) Validate() error {
	if (id.AnonID != "") == (id.UserID != "") {
		return ErrInvalidIdentity
	}
	if strings.TrimSpace(id.AnonID+id.UserID) == "" {
		return ErrInvalidIdentity
	}
	return nil
}

// IsAnon reports whether the identity is anonymous.
func (id Identity) IsAnon() bool { return id.AnonID != "" }

// Key is the canonical storage key: "anon:<id>" or "user:<id>".
func (id Identity) Key() string {
	if id.IsAnon() {
		return "anon:" + id.AnonID
	}
	return "user:" + id.UserID
}

func (id Identity) String() string { return id.Key() }

// ParseKey is the inverse of Key.
func ParseKey(key string) (Identity, error) {
	kind, raw, ok := strings.Cut(key, ":")
	if !ok || raw == "" {
		return Identity{}, fmt.Errorf("%w: malformed key %q", ErrInvalidIdentity, key)
	}
	switch kind {
	case "anon":
		return Anon(raw), nil
	case "user":
		return User(raw), nil
	default:
		return Identity{}, fmt.Errorf("%w: unknown key kind %q", ErrInvalidIdentity, kind)
	}
}
