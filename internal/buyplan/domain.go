package buyplan

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/buyplans/internal/shared"
)

// Status enumerates buy plan lifecycle states.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusPOEntered       Status = "po_entered"
	StatusPOConfirmed     Status = "po_confirmed"
	StatusComplete        Status = "complete"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingApproval, StatusApproved, StatusPOEntered, StatusPOConfirmed,
		StatusComplete, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusRejected || s == StatusCancelled
}

// Event names a notification trigger.
type Event string

const (
	EventSubmitted         Event = "submitted"
	EventApproved          Event = "approved"
	EventStockSaleApproved Event = "stock_sale_approved"
	EventRejected          Event = "rejected"
	EventCompleted         Event = "completed"
	EventCancelled         Event = "cancelled"
	EventPOConfirmed       Event = "po_confirmed"
)

// Activity kinds written to the audit trail.
const (
	ActivitySubmitted   = "submitted"
	ActivityResubmitted = "resubmitted"
	ActivityApproved    = "approved"
	ActivityRejected    = "rejected"
	ActivityCompleted   = "completed"
	ActivityCancelled   = "cancelled"
	ActivityPOEntered   = "po_entered"
	ActivityPOUpdated   = "po_updated"
	ActivityPOCleared   = "po_cleared"
	ActivityPOVerified  = "po_verified"
	ActivityPOConfirmed = "po_confirmed"
)

// LineItem is the per-offer snapshot embedded in a buy plan.
type LineItem struct {
	OfferID      int64   `json:"offer_id"`
	MPN          string  `json:"mpn"`
	VendorName   string  `json:"vendor_name"`
	Manufacturer string  `json:"manufacturer"`
	Qty          int64   `json:"qty"`
	PlanQty      int64   `json:"plan_qty"`
	CostPrice    float64 `json:"cost_price"`
	LeadTime     string  `json:"lead_time"`
	Condition    string  `json:"condition"`
	EnteredByID  *int64  `json:"entered_by_id"`

	PONumber    *string    `json:"po_number"`
	POEnteredAt *time.Time `json:"po_entered_at"`
	POSentAt    *time.Time `json:"po_sent_at"`
	PORecipient *string    `json:"po_recipient"`
	POVerified  bool       `json:"po_verified"`
}

// HasPO reports whether a PO number is recorded on the line.
func (l LineItem) HasPO() bool {
	return l.PONumber != nil && strings.TrimSpace(*l.PONumber) != ""
}

func (l *LineItem) clearPO() {
	l.PONumber = nil
	l.POEnteredAt = nil
	l.resetVerification()
}

func (l *LineItem) resetVerification() {
	l.POSentAt = nil
	l.PORecipient = nil
	l.POVerified = false
}

// BuyPlan is the aggregate governing a won deal's purchasing lifecycle.
type BuyPlan struct {
	ID            uuid.UUID  `json:"id"`
	RequisitionID int64      `json:"requisition_id"`
	QuoteID       int64      `json:"quote_id"`
	Status        Status     `json:"status"`
	IsStockSale   bool       `json:"is_stock_sale"`
	LineItems     []LineItem `json:"line_items"`
	ApprovalToken string     `json:"-"`

	SalesOrderNumber   string `json:"sales_order_number,omitempty"`
	SalespersonNotes   string `json:"salesperson_notes,omitempty"`
	ManagerNotes       string `json:"manager_notes,omitempty"`
	RejectionReason    string `json:"rejection_reason,omitempty"`
	CancellationReason string `json:"cancellation_reason,omitempty"`

	SubmittedBy int64      `json:"submitted_by"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ApprovedBy  *int64     `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	RejectedBy  *int64     `json:"rejected_by,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
	CancelledBy *int64     `json:"cancelled_by,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CompletedBy *int64     `json:"completed_by,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ResubmittedFrom *uuid.UUID `json:"resubmitted_from,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AnyPO reports whether at least one line item carries a PO number.
func (p BuyPlan) AnyPO() bool {
	for _, item := range p.LineItems {
		if item.HasPO() {
			return true
		}
	}
	return false
}

// AllPOsVerified reports whether the plan has POs and every one is verified.
func (p BuyPlan) AllPOsVerified() bool {
	seen := false
	for _, item := range p.LineItems {
		if !item.HasPO() {
			continue
		}
		seen = true
		if !item.POVerified {
			return false
		}
	}
	return seen
}

// OfferIDs returns the offer ids referenced by the line items, in order.
func (p BuyPlan) OfferIDs() []int64 {
	ids := make([]int64, 0, len(p.LineItems))
	for _, item := range p.LineItems {
		ids = append(ids, item.OfferID)
	}
	return ids
}

// Actor identifies who performs a transition. Token callers carry no user id.
type Actor struct {
	ID       int64
	Role     shared.Role
	ViaToken bool
}

// TokenActor is the actor recorded for public approval-link actions.
func TokenActor() Actor {
	return Actor{ViaToken: true}
}

func (a Actor) userID() *int64 {
	if a.ViaToken || a.ID == 0 {
		return nil
	}
	id := a.ID
	return &id
}

// ActivityLog is an append-only audit record owned by a buy plan.
type ActivityLog struct {
	ID         int64     `json:"id"`
	BuyPlanID  uuid.UUID `json:"buy_plan_id"`
	ActorID    *int64    `json:"actor_id"`
	ViaToken   bool      `json:"via_token"`
	Kind       string    `json:"kind"`
	Subject    string    `json:"subject"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TransitionResult is returned by every state machine operation.
type TransitionResult struct {
	PlanID             uuid.UUID `json:"plan_id"`
	Status             Status    `json:"status"`
	RequisitionChanged bool      `json:"requisition_changed"`
}

// NotificationRequest is the payload handed to the dispatcher after commit.
type NotificationRequest struct {
	PlanID   uuid.UUID `json:"plan_id"`
	Event    Event     `json:"event"`
	ActorID  *int64    `json:"actor_id,omitempty"`
	ViaToken bool      `json:"via_token,omitempty"`
}

// ListFilter narrows plan listings. VisibleTo restricts results to plans the
// user submitted or sourced a line for.
type ListFilter struct {
	Status    Status
	VisibleTo *int64
	Limit     int
	Offset    int
}

// POEntry sets or clears the PO number of one line item.
type POEntry struct {
	LineIndex int
	PONumber  string
}
