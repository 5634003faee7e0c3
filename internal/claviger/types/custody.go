package types

type EvaluateRequest struct {
	PersonID string `json:"person_id"`
	KeyID    string `json:"key_id"`
	At       string `json:"at,omitempty"` // optional RFC3339 instant; server clock when empty
}

type EvaluateResponse struct {
	Allow       bool   `json:"allow"`
	Reason      string `json:"reason"`
	PersonID    string `json:"person_id"`
	KeyID       string `json:"key_id"`
	EvaluatedAt string `json:"evaluated_at"`
}

type CheckoutRequest struct {
	PersonID string   `json:"person_id"`
	KeyIDs   []string `json:"key_ids"`
}

// KeyFailure names one key that blocked a checkout and why.
type KeyFailure struct {
	KeyID  string `json:"key_id"`
	Reason string `json:"reason"`
}

type CheckoutResponse struct {
	OK         bool         `json:"ok"`
	Loans      []LoanView   `json:"loans"`
	Failures   []KeyFailure `json:"failures,omitempty"`
	ServerTime string       `json:"server_time"`
}

type ReturnRequest struct {
	KeyID string `json:"key_id"`
	Note  string `json:"note,omitempty"`
}

type ReturnResponse struct {
	Loan       LoanView `json:"loan"`
	ServerTime string   `json:"server_time"`
}

const (
	KeyAvailable = "available"
	KeyInCustody = "in_custody"

	LoanInUse    = "in_use"
	LoanReturned = "returned"
)

type KeyView struct {
	ID           string  `json:"id"`
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	LocationID   string  `json:"location_id"`
	LocationName string  `json:"location_name,omitempty"`
	Active       bool    `json:"active"`
	Status       string  `json:"status"`
	HolderID     string  `json:"holder_id,omitempty"`
	HolderName   string  `json:"holder_name,omitempty"`
	LoanID       string  `json:"loan_id,omitempty"`
	Since        *string `json:"since,omitempty"`
}

type LoanView struct {
	ID           string  `json:"id"`
	KeyID        string  `json:"key_id"`
	KeyCode      string  `json:"key_code"`
	KeyName      string  `json:"key_name"`
	PersonID     string  `json:"person_id"`
	PersonName   string  `json:"person_name"`
	LocationID   string  `json:"location_id"`
	LocationName string  `json:"location_name"`
	CheckedOutAt string  `json:"checked_out_at"`
	CheckedOutBy string  `json:"checked_out_by,omitempty"`
	ReturnedAt   *string `json:"returned_at"`
	ReturnedBy   string  `json:"returned_by,omitempty"`
	ReturnNote   string  `json:"return_note,omitempty"`
	Status       string  `json:"status"`
}

type Summary struct {
	LocationID string `json:"location_id,omitempty"`
	Total      int    `json:"total"`
	Available  int    `json:"available"`
	InCustody  int    `json:"in_custody"`
	Inactive   int    `json:"inactive"`
}
