package types

type LocationInput struct {
	Name string `json:"name"`
}

type LocationView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProfileInput describes a weekly window. Days holds weekday numbers
// (0 = Sunday); an empty list means every day. Start and End are "HH:MM".
type ProfileInput struct {
	Name  string `json:"name"`
	Days  []int  `json:"days,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type ProfileView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Days  []int  `json:"days"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type KeyInput struct {
	Code            string   `json:"code"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	LocationID      string   `json:"location_id"`
	AllowedProfiles []string `json:"allowed_profiles"`
	Active          *bool    `json:"active,omitempty"` // defaults to true
}

type PersonInput struct {
	Name      string `json:"name"`
	Document  string `json:"document,omitempty"`
	Phone     string `json:"phone,omitempty"`
	ProfileID string `json:"profile_id"`
	Active    *bool  `json:"active,omitempty"` // defaults to true
}

type PersonView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Document  string `json:"document,omitempty"`
	Phone     string `json:"phone,omitempty"`
	ProfileID string `json:"profile_id"`
	Active    bool   `json:"active"`
}

type StatusInput struct {
	Active *bool `json:"active"`
}

type ExceptionInput struct {
	ValidUntil string `json:"valid_until,omitempty"` // YYYY-MM-DD, inclusive
	Start      string `json:"start,omitempty"`
	End        string `json:"end,omitempty"`
}

type ExceptionView struct {
	KeyID      string `json:"key_id"`
	PersonID   string `json:"person_id"`
	ValidUntil string `json:"valid_until,omitempty"`
	Start      string `json:"start,omitempty"`
	End        string `json:"end,omitempty"`
}

type IncidentInput struct {
	LocationID  string `json:"location_id"`
	Description string `json:"description"`
	OccurredAt  string `json:"occurred_at,omitempty"`
}

type IncidentView struct {
	ID          string `json:"id"`
	LocationID  string `json:"location_id"`
	ReportedBy  string `json:"reported_by"`
	Description string `json:"description"`
	OccurredAt  string `json:"occurred_at"`
}
