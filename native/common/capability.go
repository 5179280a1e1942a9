package common

import "errors"

// ErrUnauthorized marks privileged calls made without the required capability.
var ErrUnauthorized = errors.New("capability: unauthorized")

// Capability is an unforgeable token gating privileged engine operations.
// Holders obtain one from MintCapability at wiring time; the zero value never
// authorizes anything. Because the token wraps an unexported pointer, other
// packages cannot construct a token that compares equal to a minted one.
type Capability struct {
	token *struct{}
}

// MintCapability creates a fresh capability token. Each mint is distinct.
func MintCapability() Capability {
	return Capability{token: new(struct{})}
}

// Valid reports whether the capability was minted rather than zero-valued.
func (c Capability) Valid() bool { return c.token != nil }

// Authorize compares the presented capability against the expected one.
func Authorize(expected, presented Capability) error {
	if !expected.Valid() || expected != presented {
		return ErrUnauthorized
	}
	return nil
}
