// Package ledger reads and flips the deal records (quotes, requisitions and
// offers) that a buy plan is built from.
package ledger

import "errors"

// ErrNotFound is returned when a referenced ledger record does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Status values written by the buy-plan workflow.
const (
	StatusWon    = "won"
	StatusSent   = "sent"
	StatusActive = "active"
)

// Offer is a vendor quote line sourced by a buyer against a requisition.
type Offer struct {
	ID            int64
	RequisitionID int64
	MPN           string
	VendorName    string
	Manufacturer  string
	Qty           int64
	CostPrice     float64
	LeadTime      string
	Condition     string
	EnteredByID   *int64
	Status        string
}
