package buyplan

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/buyplans/internal/ledger"
)

type memoryQuote struct {
	requisitionID int64
	status        string
	subtotal      float64
	wonRevenue    *float64
	createdAt     time.Time
}

type memoryState struct {
	plans        map[uuid.UUID]BuyPlan
	activities   []ActivityLog
	quotes       map[int64]memoryQuote
	requisitions map[int64]string
	offers       map[int64]ledger.Offer
	nextActivity int64
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		plans:        make(map[uuid.UUID]BuyPlan, len(s.plans)),
		activities:   append([]ActivityLog(nil), s.activities...),
		quotes:       make(map[int64]memoryQuote, len(s.quotes)),
		requisitions: make(map[int64]string, len(s.requisitions)),
		offers:       make(map[int64]ledger.Offer, len(s.offers)),
		nextActivity: s.nextActivity,
	}
	for id, plan := range s.plans {
		out.plans[id] = clonePlan(plan)
	}
	for id, q := range s.quotes {
		out.quotes[id] = q
	}
	for id, status := range s.requisitions {
		out.requisitions[id] = status
	}
	for id, offer := range s.offers {
		out.offers[id] = offer
	}
	return out
}

func clonePlan(plan BuyPlan) BuyPlan {
	plan.LineItems = append([]LineItem(nil), plan.LineItems...)
	return plan
}

// memoryRepo serialises transactions on a mutex and commits a cloned state
// only when the callback succeeds.
type memoryRepo struct {
	mu    sync.Mutex
	state memoryState
}

type memoryTx struct {
	state *memoryState
}

type memoryLedger struct {
	state *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: memoryState{
		plans:        make(map[uuid.UUID]BuyPlan),
		quotes:       make(map[int64]memoryQuote),
		requisitions: make(map[int64]string),
		offers:       make(map[int64]ledger.Offer),
	}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	working := r.state.clone()
	if err := fn(ctx, &memoryTx{state: &working}); err != nil {
		return err
	}
	r.state = working
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id uuid.UUID) (BuyPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.state.plans[id]
	if !ok {
		return BuyPlan{}, ErrNotFound
	}
	return clonePlan(plan), nil
}

func (r *memoryRepo) GetByToken(ctx context.Context, token string) (BuyPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, plan := range r.state.plans {
		if plan.ApprovalToken == token {
			return clonePlan(plan), nil
		}
	}
	return BuyPlan{}, ErrNotFound
}

func (r *memoryRepo) List(ctx context.Context, filter ListFilter) ([]BuyPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var plans []BuyPlan
	for _, plan := range r.state.plans {
		if filter.Status != "" && plan.Status != filter.Status {
			continue
		}
		if filter.VisibleTo != nil && !canView(plan, Actor{ID: *filter.VisibleTo}) {
			continue
		}
		plans = append(plans, clonePlan(plan))
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.After(plans[j].CreatedAt) })
	if filter.Offset >= len(plans) {
		return nil, nil
	}
	plans = plans[filter.Offset:]
	if filter.Limit > 0 && len(plans) > filter.Limit {
		plans = plans[:filter.Limit]
	}
	return plans, nil
}

func (r *memoryRepo) ListIDsByStatus(ctx context.Context, status Status, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id, plan := range r.state.plans {
		if plan.Status == status && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memoryRepo) ListActivities(ctx context.Context, planID uuid.UUID) ([]ActivityLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var logs []ActivityLog
	for _, entry := range r.state.activities {
		if entry.BuyPlanID == planID {
			logs = append(logs, entry)
		}
	}
	return logs, nil
}

func (r *memoryRepo) OfferEntrants(ctx context.Context, offerIDs []int64) (map[int64]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memoryLedger{state: &r.state}).offerEntrants(offerIDs), nil
}

// seedOffer registers an offer, its requisition and a quote raised against it.
func (r *memoryRepo) seedOffer(offer ledger.Offer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offer.Status == "" {
		offer.Status = ledger.StatusActive
	}
	r.state.offers[offer.ID] = offer
	if _, ok := r.state.requisitions[offer.RequisitionID]; !ok {
		r.state.requisitions[offer.RequisitionID] = ledger.StatusActive
	}
}

func (r *memoryRepo) seedQuote(id, requisitionID int64, subtotal float64, createdAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.quotes[id] = memoryQuote{requisitionID: requisitionID, status: ledger.StatusSent, subtotal: subtotal, createdAt: createdAt}
}

func (r *memoryRepo) mutatePlan(id uuid.UUID, fn func(*BuyPlan)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan := r.state.plans[id]
	fn(&plan)
	r.state.plans[id] = plan
}

func (r *memoryRepo) snapshot() memoryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (tx *memoryTx) LockPlan(ctx context.Context, id uuid.UUID) (BuyPlan, error) {
	plan, ok := tx.state.plans[id]
	if !ok {
		return BuyPlan{}, ErrNotFound
	}
	return clonePlan(plan), nil
}

func (tx *memoryTx) LockPlanByToken(ctx context.Context, token string) (BuyPlan, error) {
	for _, plan := range tx.state.plans {
		if plan.ApprovalToken == token {
			return clonePlan(plan), nil
		}
	}
	return BuyPlan{}, ErrNotFound
}

func (tx *memoryTx) InsertPlan(ctx context.Context, plan BuyPlan) error {
	for _, existing := range tx.state.plans {
		if existing.ApprovalToken == plan.ApprovalToken {
			return ErrPrecondition
		}
		if plan.ResubmittedFrom != nil && existing.ResubmittedFrom != nil && *existing.ResubmittedFrom == *plan.ResubmittedFrom {
			return ErrPrecondition
		}
	}
	tx.state.plans[plan.ID] = clonePlan(plan)
	return nil
}

func (tx *memoryTx) UpdatePlan(ctx context.Context, plan BuyPlan) error {
	if _, ok := tx.state.plans[plan.ID]; !ok {
		return ErrNotFound
	}
	tx.state.plans[plan.ID] = clonePlan(plan)
	return nil
}

func (tx *memoryTx) AppendActivity(ctx context.Context, entry ActivityLog) error {
	tx.state.nextActivity++
	entry.ID = tx.state.nextActivity
	tx.state.activities = append(tx.state.activities, entry)
	return nil
}

func (tx *memoryTx) Ledger() Ledger {
	return &memoryLedger{state: tx.state}
}

func (l *memoryLedger) Offers(ctx context.Context, ids []int64) (map[int64]ledger.Offer, error) {
	out := make(map[int64]ledger.Offer)
	for _, id := range ids {
		if offer, ok := l.state.offers[id]; ok {
			out[id] = offer
		}
	}
	return out, nil
}

func (l *memoryLedger) offerEntrants(ids []int64) map[int64]int64 {
	out := make(map[int64]int64)
	for _, id := range ids {
		if offer, ok := l.state.offers[id]; ok && offer.EnteredByID != nil {
			out[id] = *offer.EnteredByID
		}
	}
	return out
}

func (l *memoryLedger) LatestQuoteID(ctx context.Context, requisitionID int64) (int64, error) {
	var (
		best   int64
		bestAt time.Time
	)
	for id, q := range l.state.quotes {
		if q.requisitionID != requisitionID {
			continue
		}
		if best == 0 || q.createdAt.After(bestAt) {
			best, bestAt = id, q.createdAt
		}
	}
	if best == 0 {
		return 0, ledger.ErrNotFound
	}
	return best, nil
}

func (l *memoryLedger) MarkQuoteWon(ctx context.Context, quoteID int64, at time.Time) error {
	q, ok := l.state.quotes[quoteID]
	if !ok {
		return ledger.ErrNotFound
	}
	revenue := q.subtotal
	q.status = ledger.StatusWon
	q.wonRevenue = &revenue
	l.state.quotes[quoteID] = q
	return nil
}

func (l *memoryLedger) RevertQuote(ctx context.Context, quoteID int64, at time.Time) error {
	q, ok := l.state.quotes[quoteID]
	if !ok {
		return ledger.ErrNotFound
	}
	q.status = ledger.StatusSent
	q.wonRevenue = nil
	l.state.quotes[quoteID] = q
	return nil
}

func (l *memoryLedger) MarkRequisitionStatus(ctx context.Context, requisitionID int64, status string, at time.Time) (bool, error) {
	current, ok := l.state.requisitions[requisitionID]
	if !ok || current == status {
		return false, nil
	}
	l.state.requisitions[requisitionID] = status
	return true, nil
}

func (l *memoryLedger) MarkOffersStatus(ctx context.Context, ids []int64, status string, at time.Time) error {
	for _, id := range ids {
		if offer, ok := l.state.offers[id]; ok {
			offer.Status = status
			l.state.offers[id] = offer
		}
	}
	return nil
}

func (l *memoryLedger) RevertWonOffers(ctx context.Context, ids []int64, at time.Time) error {
	for _, id := range ids {
		if offer, ok := l.state.offers[id]; ok && offer.Status == ledger.StatusWon {
			offer.Status = ledger.StatusActive
			l.state.offers[id] = offer
		}
	}
	return nil
}

// recordingScheduler captures enqueued work.
type recordingScheduler struct {
	mu            sync.Mutex
	notifications []NotificationRequest
	verifications []verificationRequest
	failWith      error
}

type verificationRequest struct {
	planID   uuid.UUID
	revision time.Time
}

func (s *recordingScheduler) EnqueueNotification(ctx context.Context, req NotificationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.notifications = append(s.notifications, req)
	return nil
}

func (s *recordingScheduler) EnqueueVerification(ctx context.Context, planID uuid.UUID, revision time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.verifications = append(s.verifications, verificationRequest{planID: planID, revision: revision})
	return nil
}

func (s *recordingScheduler) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, n.Event)
	}
	return out
}

func (s *recordingScheduler) verificationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.verifications)
}

func (s *recordingScheduler) verificationRevisions() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, 0, len(s.verifications))
	for _, v := range s.verifications {
		out = append(out, v.revision)
	}
	return out
}
