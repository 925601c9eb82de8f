package domain

import "strings"

// TokenIdentity identifies a tradable token. The engine treats it as opaque:
// verification (is the contract legitimate, which venue lists it) happens
// upstream before a decision ever reaches this system.
type TokenIdentity struct {
	Chain    string
	Contract string
	Ticker   string
}

// Key returns the canonical cache/lock key for the token. Two positions in
// the same token share one key, so the monitor fetches its price once per
// cycle regardless of how many positions reference it.
func (t TokenIdentity) Key() string {
	return strings.ToLower(t.Chain) + ":" + strings.ToLower(t.Contract)
}

// Valid reports whether the identity carries the minimum fields the engine
// needs to quote and swap the token.
func (t TokenIdentity) Valid() bool {
	return t.Chain != "" && t.Contract != ""
}
