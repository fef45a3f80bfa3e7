package buyplan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/buyplans/internal/ledger"
	"github.com/odyssey-erp/buyplans/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (BuyPlan, error)
	GetByToken(ctx context.Context, token string) (BuyPlan, error)
	List(ctx context.Context, filter ListFilter) ([]BuyPlan, error)
	ListIDsByStatus(ctx context.Context, status Status, limit int) ([]uuid.UUID, error)
	ListActivities(ctx context.Context, planID uuid.UUID) ([]ActivityLog, error)
	OfferEntrants(ctx context.Context, offerIDs []int64) (map[int64]int64, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockPlan(ctx context.Context, id uuid.UUID) (BuyPlan, error)
	LockPlanByToken(ctx context.Context, token string) (BuyPlan, error)
	InsertPlan(ctx context.Context, plan BuyPlan) error
	UpdatePlan(ctx context.Context, plan BuyPlan) error
	AppendActivity(ctx context.Context, entry ActivityLog) error
	Ledger() Ledger
}

// Ledger is the deal-ledger surface flipped by transitions.
type Ledger interface {
	Offers(ctx context.Context, ids []int64) (map[int64]ledger.Offer, error)
	LatestQuoteID(ctx context.Context, requisitionID int64) (int64, error)
	MarkQuoteWon(ctx context.Context, quoteID int64, at time.Time) error
	RevertQuote(ctx context.Context, quoteID int64, at time.Time) error
	MarkRequisitionStatus(ctx context.Context, requisitionID int64, status string, at time.Time) (bool, error)
	MarkOffersStatus(ctx context.Context, ids []int64, status string, at time.Time) error
	RevertWonOffers(ctx context.Context, ids []int64, at time.Time) error
}

// Scheduler queues background work once a transition has committed.
type Scheduler interface {
	EnqueueNotification(ctx context.Context, req NotificationRequest) error
	// EnqueueVerification queues a reconciliation of the plan as of revision,
	// the plan's updated_at after the PO edit.
	EnqueueVerification(ctx context.Context, planID uuid.UUID, revision time.Time) error
}

// Verifier re-runs PO verification for a plan.
type Verifier interface {
	Reconcile(ctx context.Context, planID uuid.UUID) (VerificationResult, error)
}

// Service orchestrates the buy plan state machine.
type Service struct {
	repo      RepositoryPort
	scheduler Scheduler
	verifier  Verifier
	logger    *slog.Logger
	now       func() time.Time
	newToken  func() (string, error)
}

// NewService constructs the buy plan service. scheduler and verifier may be nil.
func NewService(repo RepositoryPort, scheduler Scheduler, verifier Verifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		scheduler: scheduler,
		verifier:  verifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newToken:  func() (string, error) { return shared.RandomToken(32) },
	}
}

// SubmitInput describes a new buy plan request.
type SubmitInput struct {
	RequisitionID    int64
	QuoteID          *int64
	OfferIDs         []int64
	PlanQtys         map[int64]int64
	SalespersonNotes string
}

// Submit creates a pending buy plan from the selected offers of a won deal.
func (s *Service) Submit(ctx context.Context, vendors VendorSet, input SubmitInput, actor Actor) (TransitionResult, error) {
	if actor.ViaToken || actor.ID == 0 {
		return TransitionResult{}, fmt.Errorf("%w: submit requires a signed-in user", ErrForbidden)
	}
	if input.RequisitionID <= 0 {
		return TransitionResult{}, fmt.Errorf("%w: requisition is required", ErrValidation)
	}
	if len(input.OfferIDs) == 0 {
		return TransitionResult{}, fmt.Errorf("%w: at least one offer is required", ErrValidation)
	}
	seen := make(map[int64]struct{}, len(input.OfferIDs))
	for _, id := range input.OfferIDs {
		if _, dup := seen[id]; dup {
			return TransitionResult{}, fmt.Errorf("%w: offer %d selected twice", ErrValidation, id)
		}
		seen[id] = struct{}{}
	}
	for offerID, qty := range input.PlanQtys {
		if _, ok := seen[offerID]; !ok {
			return TransitionResult{}, fmt.Errorf("%w: plan quantity for unselected offer %d", ErrValidation, offerID)
		}
		if qty <= 0 {
			return TransitionResult{}, fmt.Errorf("%w: plan quantity for offer %d must be positive", ErrValidation, offerID)
		}
	}

	token, err := s.newToken()
	if err != nil {
		return TransitionResult{}, err
	}
	now := s.now()
	plan := BuyPlan{
		ID:               uuid.New(),
		RequisitionID:    input.RequisitionID,
		Status:           StatusPendingApproval,
		ApprovalToken:    token,
		SalespersonNotes: strings.TrimSpace(input.SalespersonNotes),
		SubmittedBy:      actor.ID,
		SubmittedAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var result TransitionResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ldg := tx.Ledger()
		offers, err := ldg.Offers(ctx, input.OfferIDs)
		if err != nil {
			return err
		}
		items := make([]LineItem, 0, len(input.OfferIDs))
		for _, offerID := range input.OfferIDs {
			offer, ok := offers[offerID]
			if !ok {
				return fmt.Errorf("%w: offer %d not found", ErrValidation, offerID)
			}
			if offer.RequisitionID != input.RequisitionID {
				return fmt.Errorf("%w: offer %d does not belong to requisition %d", ErrValidation, offerID, input.RequisitionID)
			}
			items = append(items, lineItemFromOffer(offer, input.PlanQtys[offerID]))
		}
		plan.LineItems = items
		plan.IsStockSale = vendors.IsStockSale(items)

		if input.QuoteID != nil {
			plan.QuoteID = *input.QuoteID
		} else {
			quoteID, err := ldg.LatestQuoteID(ctx, input.RequisitionID)
			if err != nil {
				if errors.Is(err, ledger.ErrNotFound) {
					return fmt.Errorf("%w: requisition %d has no quote", ErrValidation, input.RequisitionID)
				}
				return err
			}
			plan.QuoteID = quoteID
		}

		if err := tx.InsertPlan(ctx, plan); err != nil {
			return err
		}
		changed, err := s.markWon(ctx, ldg, plan, now)
		if err != nil {
			return err
		}
		detail := fmt.Sprintf("%d line item(s)", len(items))
		if plan.IsStockSale {
			detail += ", stock sale"
		}
		if err := s.appendActivity(ctx, tx, plan, actor, ActivitySubmitted, "Buy plan submitted", detail, now); err != nil {
			return err
		}
		result = TransitionResult{PlanID: plan.ID, Status: plan.Status, RequisitionChanged: changed}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	s.notify(ctx, plan.ID, EventSubmitted, actor)
	return result, nil
}

func lineItemFromOffer(offer ledger.Offer, planQty int64) LineItem {
	if planQty <= 0 {
		planQty = offer.Qty
	}
	item := LineItem{
		OfferID:      offer.ID,
		MPN:          offer.MPN,
		VendorName:   offer.VendorName,
		Manufacturer: offer.Manufacturer,
		Qty:          offer.Qty,
		PlanQty:      planQty,
		CostPrice:    offer.CostPrice,
		LeadTime:     offer.LeadTime,
		Condition:    offer.Condition,
	}
	if offer.EnteredByID != nil {
		id := *offer.EnteredByID
		item.EnteredByID = &id
	}
	return item
}

// markWon applies the deal-ledger side effects of a submission.
func (s *Service) markWon(ctx context.Context, ldg Ledger, plan BuyPlan, at time.Time) (bool, error) {
	if err := ldg.MarkQuoteWon(ctx, plan.QuoteID, at); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return false, fmt.Errorf("%w: quote %d not found", ErrValidation, plan.QuoteID)
		}
		return false, err
	}
	changed, err := ldg.MarkRequisitionStatus(ctx, plan.RequisitionID, ledger.StatusWon, at)
	if err != nil {
		return false, err
	}
	if err := ldg.MarkOffersStatus(ctx, plan.OfferIDs(), ledger.StatusWon, at); err != nil {
		return false, err
	}
	return changed, nil
}

// Approve moves a pending plan to approved, or straight to complete for a stock sale.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, salesOrderNumber, managerNotes string, actor Actor) (TransitionResult, error) {
	if !actor.Role.Privileged() {
		return TransitionResult{}, fmt.Errorf("%w: approve requires manager or admin", ErrForbidden)
	}
	return s.approve(ctx, lockByID(id), salesOrderNumber, managerNotes, actor)
}

// ApproveByToken approves the plan addressed by its approval token.
func (s *Service) ApproveByToken(ctx context.Context, token, salesOrderNumber, managerNotes string) (TransitionResult, error) {
	if strings.TrimSpace(token) == "" {
		return TransitionResult{}, ErrNotFound
	}
	return s.approve(ctx, lockByToken(token), salesOrderNumber, managerNotes, TokenActor())
}

func (s *Service) approve(ctx context.Context, lock lockFunc, salesOrderNumber, managerNotes string, actor Actor) (TransitionResult, error) {
	so := strings.TrimSpace(salesOrderNumber)
	if so == "" {
		return TransitionResult{}, fmt.Errorf("%w: sales order number is required", ErrValidation)
	}
	var (
		result TransitionResult
		event  = EventApproved
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		plan, err := lock(ctx, tx)
		if err != nil {
			return err
		}
		if err := requireStatus(plan, "approve", StatusPendingApproval); err != nil {
			return err
		}
		now := s.now()
		plan.SalesOrderNumber = so
		plan.ManagerNotes = strings.TrimSpace(managerNotes)
		plan.ApprovedBy = actor.userID()
		plan.ApprovedAt = &now
		plan.Status = StatusApproved
		plan.UpdatedAt = now
		if plan.IsStockSale {
			plan.Status = StatusComplete
			plan.CompletedBy = actor.userID()
			plan.CompletedAt = &now
			event = EventStockSaleApproved
		}
		if err := tx.UpdatePlan(ctx, plan); err != nil {
			return err
		}
		if err := s.appendActivity(ctx, tx, plan, actor, ActivityApproved, "Buy plan approved", "SO "+so, now); err != nil {
			return err
		}
		if plan.IsStockSale {
			if err := s.appendActivity(ctx, tx, plan, actor, ActivityCompleted, "Stock sale completed on approval", "", now); err != nil {
				return err
			}
		}
		result = TransitionResult{PlanID: plan.ID, Status: plan.Status}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	s.notify(ctx, result.PlanID, event, actor)
	return result, nil
}

// Reject closes a pending plan with a reason.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string, actor Actor) (TransitionResult, error) {
	if !actor.Role.Privileged() {
		return TransitionResult{}, fmt.Errorf("%w: reject requires manager or admin", ErrForbidden)
	}
	return s.reject(ctx, lockByID(id), reason, actor)
}

// RejectByToken rejects the plan addressed by its approval token.
func (s *Service) RejectByToken(ctx context.Context, token, reason string) (TransitionResult, error) {
	if strings.TrimSpace(token) == "" {
		return TransitionResult{}, ErrNotFound
	}
	return s.reject(ctx, lockByToken(token), reason, TokenActor())
}

func (s *Service) reject(ctx context.Context, lock lockFunc, reason string, actor Actor) (TransitionResult, error) {
	var result TransitionResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		plan, err := lock(ctx, tx)
		if err != nil {
			return err
		}
		if err := requireStatus(plan, "reject", StatusPendingApproval); err != nil {
			return err
		}
		now := s.now()
		plan.Status = StatusRejected
		plan.RejectionReason = strings.TrimSpace(reason)
		plan.RejectedBy = actor.userID()
		plan.RejectedAt = &now
		plan.UpdatedAt = now
		if err := tx.UpdatePlan(ctx, plan); err != nil {
			return err
		}
		if err := s.appendActivity(ctx, tx, plan, actor, ActivityRejected, "Buy plan rejected", plan.RejectionReason, now); err != nil {
			return err
		}
		result = TransitionResult{PlanID: plan.ID, Status: plan.Status}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	s.notify(ctx, result.PlanID, EventRejected, actor)
	return result, nil
}

// EnterPO sets, changes or clears the PO number of one line item.
func (s *Service) EnterPO(ctx context.Context, id uuid.UUID, lineIndex int, poNumber string, actor Actor) (TransitionResult, error) {
	return s.BulkEnterPO(ctx, id, []POEntry{{LineIndex: lineIndex, PONumber: poNumber}}, actor)
}

// BulkEnterPO applies several PO edits atomically. Any invalid line index
// rejects the whole batch.
func (s *Service) BulkEnterPO(ctx context.Context, id uuid.UUID, entries []POEntry, actor Actor) (TransitionResult, error) {
	if actor.ViaToken || !actor.Role.In(shared.RoleBuyer, shared.RoleManager, shared.RoleAdmin) {
		return TransitionResult{}, fmt.Errorf("%w: PO entry requires buyer, manager or admin", ErrForbidden)
	}
	if len(entries) == 0 {
		return TransitionResult{}, fmt.Errorf("%w: at least one PO entry is required", ErrValidation)
	}
	var (
		result   TransitionResult
		schedule bool
		revision time.Time
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		plan, err := tx.LockPlan(ctx, id)
		if err != nil {
			return err
		}
		if err := requireStatus(plan, "enter PO", StatusApproved, StatusPOEntered); err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.LineIndex < 0 || entry.LineIndex >= len(plan.LineItems) {
				return fmt.Errorf("%w: line index %d out of range", ErrValidation, entry.LineIndex)
			}
		}

		now := s.now()
		changed := false
		for _, entry := range entries {
			item := &plan.LineItems[entry.LineIndex]
			kind, detail := applyPOEntry(item, strings.TrimSpace(entry.PONumber), now)
			if kind == "" {
				continue
			}
			changed = true
			subject := fmt.Sprintf("Line %d (%s) PO %s", entry.LineIndex, item.MPN, strings.TrimPrefix(kind, "po_"))
			if err := s.appendActivity(ctx, tx, plan, actor, kind, subject, detail, now); err != nil {
				return err
			}
		}

		if plan.AnyPO() {
			plan.Status = StatusPOEntered
		} else {
			plan.Status = StatusApproved
		}
		if changed {
			plan.UpdatedAt = now
			if err := tx.UpdatePlan(ctx, plan); err != nil {
				return err
			}
		}
		schedule = plan.AnyPO()
		revision = plan.UpdatedAt
		result = TransitionResult{PlanID: plan.ID, Status: plan.Status}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	if schedule && s.scheduler != nil {
		if err := s.scheduler.EnqueueVerification(context.WithoutCancel(ctx), result.PlanID, revision); err != nil {
			s.logger.Warn("enqueue po verification", slog.String("plan_id", result.PlanID.String()), slog.Any("error", err))
		}
	}
	return result, nil
}

// applyPOEntry mutates item for a trimmed PO value and returns the activity
// kind and detail to record, or an empty kind when nothing changed.
func applyPOEntry(item *LineItem, po string, now time.Time) (string, string) {
	switch {
	case !item.HasPO() && po == "":
		return "", ""
	case !item.HasPO():
		item.PONumber = &po
		item.POEnteredAt = &now
		item.resetVerification()
		return ActivityPOEntered, po
	case po == "":
		previous := *item.PONumber
		item.clearPO()
		return ActivityPOCleared, previous
	case *item.PONumber == po:
		return "", ""
	default:
		previous := *item.PONumber
		item.PONumber = &po
		item.POEnteredAt = &now
		item.resetVerification()
		return ActivityPOUpdated, previous + " -> " + po
	}
}

// Complete closes a confirmed plan, or an approved stock sale.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor Actor) (TransitionResult, error) {
	if !actor.Role.Privileged() {
		return TransitionResult{}, fmt.Errorf("%w: complete requires manager or admin", ErrForbidden)
	}
	var result TransitionResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		plan, err := tx.LockPlan(ctx, id)
		if err != nil {
			return err
		}
		allowed := []Status{StatusPOConfirmed}
		if plan.IsStockSale {
			allowed = append(allowed, StatusApproved)
		}
		if err := requireStatus(plan, "complete", allowed...); err != nil {
			return err
		}
		now := s.now()
		plan.Status = StatusComplete
		plan.CompletedBy = actor.userID()
		plan.CompletedAt = &now
		plan.UpdatedAt = now
		if err := tx.UpdatePlan(ctx, plan); err != nil {
			return err
		}
		if err := s.appendActivity(ctx, tx, plan, actor, ActivityCompleted, "Buy plan completed", "", now); err != nil {
			return err
		}
		result = TransitionResult{PlanID: plan.ID, Status: plan.Status}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	s.notify(ctx, result.PlanID, EventCompleted, actor)
	return result, nil
}

// Cancel terminates a pending plan, or an approved plan without POs, and
// reverts the deal-ledger won markers.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string, actor Actor) (TransitionResult, error) {
	if actor.ViaToken {
		return TransitionResult{}, fmt.Errorf("%w: cancel requires a signed-in user", ErrForbidden)
	}
	var result TransitionResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		plan, err := tx.LockPlan(ctx, id)
		if err != nil {
			return err
		}
		switch plan.Status {
		case StatusPendingApproval:
			if actor.ID != plan.SubmittedBy && !actor.Role.Privileged() {
				return fmt.Errorf("%w: only the submitter or a manager may cancel", ErrForbidden)
			}
		case StatusApproved:
			if !actor.Role.Privileged() {
				return fmt.Errorf("%w: only a manager may cancel an approved plan", ErrForbidden)
			}
			if plan.AnyPO() {
				return fmt.Errorf("%w: clear PO numbers before cancelling", ErrPrecondition)
			}
		default:
			return fmt.Errorf("%w: cannot cancel a plan in status %s", ErrPrecondition, plan.Status)
		}

		now := s.now()
		plan.Status = StatusCancelled
		plan.CancellationReason = strings.TrimSpace(reason)
		plan.CancelledBy = actor.userID()
		plan.CancelledAt = &now
		plan.UpdatedAt = now
		if err := tx.UpdatePlan(ctx, plan); err != nil {
			return err
		}

		ldg := tx.Ledger()
		if err := ldg.RevertQuote(ctx, plan.QuoteID, now); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		changed, err := ldg.MarkRequisitionStatus(ctx, plan.RequisitionID, ledger.StatusActive, now)
		if err != nil {
			return err
		}
		if err := ldg.RevertWonOffers(ctx, plan.OfferIDs(), now); err != nil {
			return err
		}
		if err := s.appendActivity(ctx, tx, plan, actor, ActivityCancelled, "Buy plan cancelled", plan.CancellationReason, now); err != nil {
			return err
		}
		result = TransitionResult{PlanID: plan.ID, Status: plan.Status, RequisitionChanged: changed}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	s.notify(ctx, result.PlanID, EventCancelled, actor)
	return result, nil
}

// Resubmit creates a fresh pending plan from a rejected or cancelled one. The
// original submitter is kept; notes replace the old ones when non-empty.
func (s *Service) Resubmit(ctx context.Context, vendors VendorSet, id uuid.UUID, notes string, actor Actor) (TransitionResult, error) {
	if actor.ViaToken {
		return TransitionResult{}, fmt.Errorf("%w: resubmit requires a signed-in user", ErrForbidden)
	}
	token, err := s.newToken()
	if err != nil {
		return TransitionResult{}, err
	}
	var (
		result TransitionResult
		fresh  BuyPlan
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.LockPlan(ctx, id)
		if err != nil {
			return err
		}
		if err := requireStatus(original, "resubmit", StatusRejected, StatusCancelled); err != nil {
			return err
		}
		if actor.ID != original.SubmittedBy && !actor.Role.Privileged() {
			return fmt.Errorf("%w: only the submitter or a manager may resubmit", ErrForbidden)
		}

		now := s.now()
		items := make([]LineItem, len(original.LineItems))
		copy(items, original.LineItems)
		for i := range items {
			items[i].clearPO()
		}
		fromID := original.ID
		fresh = BuyPlan{
			ID:               uuid.New(),
			RequisitionID:    original.RequisitionID,
			QuoteID:          original.QuoteID,
			Status:           StatusPendingApproval,
			IsStockSale:      vendors.IsStockSale(items),
			LineItems:        items,
			ApprovalToken:    token,
			SalespersonNotes: original.SalespersonNotes,
			SubmittedBy:      original.SubmittedBy,
			SubmittedAt:      now,
			ResubmittedFrom:  &fromID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if trimmed := strings.TrimSpace(notes); trimmed != "" {
			fresh.SalespersonNotes = trimmed
		}
		if err := tx.InsertPlan(ctx, fresh); err != nil {
			return err
		}
		changed, err := s.markWon(ctx, tx.Ledger(), fresh, now)
		if err != nil {
			return err
		}
		if err := s.appendActivity(ctx, tx, fresh, actor, ActivityResubmitted, "Buy plan resubmitted", "from "+original.ID.String(), now); err != nil {
			return err
		}
		result = TransitionResult{PlanID: fresh.ID, Status: fresh.Status, RequisitionChanged: changed}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	s.notify(ctx, fresh.ID, EventSubmitted, actor)
	return result, nil
}

// Get returns a plan visible to actor.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor Actor) (BuyPlan, error) {
	plan, err := s.repo.Get(ctx, id)
	if err != nil {
		return BuyPlan{}, err
	}
	if !canView(plan, actor) {
		return BuyPlan{}, ErrNotFound
	}
	return plan, nil
}

// GetByToken returns the plan addressed by an approval token.
func (s *Service) GetByToken(ctx context.Context, token string) (BuyPlan, error) {
	if strings.TrimSpace(token) == "" {
		return BuyPlan{}, ErrNotFound
	}
	return s.repo.GetByToken(ctx, token)
}

// Activities returns the audit trail of a plan visible to actor.
func (s *Service) Activities(ctx context.Context, id uuid.UUID, actor Actor) ([]ActivityLog, error) {
	if _, err := s.Get(ctx, id, actor); err != nil {
		return nil, err
	}
	return s.repo.ListActivities(ctx, id)
}

// List returns plans filtered by status. Managers and admins see every plan;
// other roles see plans they submitted or sourced.
func (s *Service) List(ctx context.Context, filter ListFilter, actor Actor) ([]BuyPlan, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.VisibleTo = nil
	if !actor.Role.Privileged() {
		id := actor.ID
		filter.VisibleTo = &id
	}
	return s.repo.List(ctx, filter)
}

// RecheckPOs runs PO verification synchronously for a plan visible to actor.
func (s *Service) RecheckPOs(ctx context.Context, id uuid.UUID, actor Actor) (VerificationResult, error) {
	if !actor.Role.In(shared.RoleSubmitter, shared.RoleBuyer, shared.RoleManager, shared.RoleAdmin) {
		return VerificationResult{}, fmt.Errorf("%w: unknown role", ErrForbidden)
	}
	if _, err := s.Get(ctx, id, actor); err != nil {
		return VerificationResult{}, err
	}
	if s.verifier == nil {
		return VerificationResult{}, errors.New("buyplan: verifier not configured")
	}
	return s.verifier.Reconcile(ctx, id)
}

func canView(plan BuyPlan, actor Actor) bool {
	if actor.Role.Privileged() {
		return true
	}
	if actor.ID == 0 {
		return false
	}
	if plan.SubmittedBy == actor.ID {
		return true
	}
	for _, item := range plan.LineItems {
		if item.EnteredByID != nil && *item.EnteredByID == actor.ID {
			return true
		}
	}
	return false
}

type lockFunc func(context.Context, TxRepository) (BuyPlan, error)

func lockByID(id uuid.UUID) lockFunc {
	return func(ctx context.Context, tx TxRepository) (BuyPlan, error) {
		return tx.LockPlan(ctx, id)
	}
}

func lockByToken(token string) lockFunc {
	return func(ctx context.Context, tx TxRepository) (BuyPlan, error) {
		return tx.LockPlanByToken(ctx, token)
	}
}

func requireStatus(plan BuyPlan, op string, allowed ...Status) error {
	for _, status := range allowed {
		if plan.Status == status {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s a plan in status %s", ErrPrecondition, op, plan.Status)
}

func (s *Service) appendActivity(ctx context.Context, tx TxRepository, plan BuyPlan, actor Actor, kind, subject, detail string, at time.Time) error {
	return tx.AppendActivity(ctx, ActivityLog{
		BuyPlanID:  plan.ID,
		ActorID:    actor.userID(),
		ViaToken:   actor.ViaToken,
		Kind:       kind,
		Subject:    subject,
		Detail:     detail,
		OccurredAt: at,
	})
}

// notify hands the event to the scheduler after commit. The request context
// may already be done, so the enqueue runs detached from its cancellation.
func (s *Service) notify(ctx context.Context, planID uuid.UUID, event Event, actor Actor) {
	if s.scheduler == nil {
		return
	}
	req := NotificationRequest{PlanID: planID, Event: event, ActorID: actor.userID(), ViaToken: actor.ViaToken}
	if err := s.scheduler.EnqueueNotification(context.WithoutCancel(ctx), req); err != nil {
		s.logger.Warn("enqueue notification",
			slog.String("plan_id", planID.String()),
			slog.String("event", string(event)),
			slog.Any("error", err))
	}
}
