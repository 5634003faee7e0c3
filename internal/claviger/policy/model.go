// Package policy holds the access rules for key custody and the pure
// evaluation that turns them into an ALLOW/DENY decision.
package policy

import "strings"

// Location groups keys (a building, a floor, a reception desk).
type Location struct {
	ID   string
	Name string
}

// Profile is a role template: people are assigned one profile and keys list
// the profiles allowed to request them.
type Profile struct {
	ID     string
	Name   string
	Window Window
}

// Key is a trackable physical key. Keys are never deleted; Active=false
// soft-disables them.
type Key struct {
	ID              string
	Code            string
	Name            string
	Description     string
	LocationID      string
	AllowedProfiles []string
	Active          bool
}

// Permits reports whether profileID is in the key's allowed-profile set.
func (k Key) Permits(profileID string) bool {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return false
	}
	for _, p := range k.AllowedProfiles {
		if p == profileID {
			return true
		}
	}
	return false
}

// Person is someone who may take custody of keys.
type Person struct {
	ID        string
	Name      string
	Document  string
	Phone     string
	ProfileID string
	Active    bool
}

// Exception is a per-key, per-person override of the profile rules. Its
// presence grants access regardless of profile membership, subject to its
// own expiry date and daily window.
type Exception struct {
	KeyID      string
	PersonID   string
	ValidUntil *Date // inclusive; nil = never expires
	Start      *TimeOfDay
	End        *TimeOfDay
}
