package buyplan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/buyplans/internal/mailbox"
)

// TokenSource issues delegated mailbox tokens per user.
type TokenSource interface {
	TokenFor(ctx context.Context, userID int64) (string, error)
}

// MailSearcher searches a user's sent mail with a delegated token.
type MailSearcher interface {
	SearchSent(ctx context.Context, token, query string, limit int) ([]mailbox.Message, error)
}

// VerificationObserver records lookup outcomes.
type VerificationObserver interface {
	ObserveVerification(result string)
}

// Lookup outcomes reported to the VerificationObserver.
const (
	LookupMatched   = "matched"
	LookupUnmatched = "unmatched"
	LookupError     = "error"
)

// LineVerification is the per-line outcome of a reconciliation pass.
type LineVerification struct {
	LineIndex       int        `json:"line_index"`
	PONumber        string     `json:"po_number"`
	Verified        bool       `json:"verified"`
	AlreadyVerified bool       `json:"already_verified,omitempty"`
	Recipient       string     `json:"recipient,omitempty"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// VerificationResult summarises one reconciliation pass over a plan.
type VerificationResult struct {
	PlanID   uuid.UUID          `json:"plan_id"`
	Status   Status             `json:"status"`
	Promoted bool               `json:"promoted"`
	Lines    []LineVerification `json:"lines"`
}

// ReconcilerConfig tunes mailbox lookups. Timeout bounds one line's lookup,
// PassTimeout bounds a whole reconciliation pass.
type ReconcilerConfig struct {
	Concurrency int
	Timeout     time.Duration
	PassTimeout time.Duration
	SearchLimit int
}

// Reconciler confirms entered PO numbers against the buyer's sent mail.
type Reconciler struct {
	repo      RepositoryPort
	tokens    TokenSource
	search    MailSearcher
	scheduler Scheduler
	observer  VerificationObserver
	logger    *slog.Logger
	cfg       ReconcilerConfig
	now       func() time.Time
	inflight  singleflight.Group
}

// NewReconciler constructs a Reconciler. scheduler and observer may be nil.
func NewReconciler(repo RepositoryPort, tokens TokenSource, search MailSearcher, scheduler Scheduler, observer VerificationObserver, logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 2 * time.Minute
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		repo:      repo,
		tokens:    tokens,
		search:    search,
		scheduler: scheduler,
		observer:  observer,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile verifies every unverified PO on the plan. Concurrent calls for the
// same plan share one pass. The pass is detached from the caller's
// cancellation and bounded by PassTimeout; a caller that gives up early gets
// its own context error while the pass runs to completion for the others.
func (r *Reconciler) Reconcile(ctx context.Context, planID uuid.UUID) (VerificationResult, error) {
	ch := r.inflight.DoChan(planID.String(), func() (any, error) {
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PassTimeout)
		defer cancel()
		return r.reconcile(passCtx, planID)
	})
	select {
	case <-ctx.Done():
		return VerificationResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return VerificationResult{}, res.Err
		}
		return res.Val.(VerificationResult), nil
	}
}

type pendingLookup struct {
	lineIndex int
	poNumber  string
	buyerID   int64
}

func (r *Reconciler) reconcile(ctx context.Context, planID uuid.UUID) (VerificationResult, error) {
	plan, err := r.repo.Get(ctx, planID)
	if err != nil {
		return VerificationResult{}, err
	}

	lines := make([]LineVerification, 0, len(plan.LineItems))
	var pending []pendingLookup
	var missingBuyer []int64
	for i, item := range plan.LineItems {
		if !item.HasPO() {
			continue
		}
		if item.POVerified {
			line := LineVerification{LineIndex: i, PONumber: *item.PONumber, Verified: true, AlreadyVerified: true, SentAt: item.POSentAt}
			if item.PORecipient != nil {
				line.Recipient = *item.PORecipient
			}
			lines = append(lines, line)
			continue
		}
		lookup := pendingLookup{lineIndex: i, poNumber: *item.PONumber}
		if item.EnteredByID != nil {
			lookup.buyerID = *item.EnteredByID
		} else {
			missingBuyer = append(missingBuyer, item.OfferID)
		}
		pending = append(pending, lookup)
	}

	if len(missingBuyer) > 0 {
		entrants, err := r.repo.OfferEntrants(ctx, missingBuyer)
		if err != nil {
			r.logger.Warn("resolve offer entrants", slog.String("plan_id", planID.String()), slog.Any("error", err))
		}
		for i := range pending {
			if pending[i].buyerID == 0 {
				pending[i].buyerID = entrants[plan.LineItems[pending[i].lineIndex].OfferID]
			}
		}
	}

	// Lookup failures are recorded per line; only an expired pass stops the group.
	found := make([]LineVerification, len(pending))
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, lookup := range pending {
		i, lookup := i, lookup
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			found[i] = r.lookup(ctx, lookup)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return VerificationResult{}, fmt.Errorf("buyplan: verification pass for %s: %w", planID, err)
	}

	matched := 0
	for _, line := range found {
		if line.Verified {
			matched++
		}
	}

	result := VerificationResult{PlanID: plan.ID, Status: plan.Status}
	if matched > 0 || (plan.Status == StatusPOEntered && plan.AllPOsVerified()) {
		applied, err := r.apply(ctx, planID, found)
		if err != nil {
			return VerificationResult{}, err
		}
		result = applied
	}
	result.Lines = mergeLines(lines, found)

	if result.Promoted && r.scheduler != nil {
		req := NotificationRequest{PlanID: plan.ID, Event: EventPOConfirmed}
		if err := r.scheduler.EnqueueNotification(context.WithoutCancel(ctx), req); err != nil {
			r.logger.Warn("enqueue notification", slog.String("plan_id", planID.String()),
				slog.String("event", string(EventPOConfirmed)), slog.Any("error", err))
		}
	}
	return result, nil
}

func (r *Reconciler) lookup(ctx context.Context, p pendingLookup) LineVerification {
	line := LineVerification{LineIndex: p.lineIndex, PONumber: p.poNumber}
	if p.buyerID == 0 {
		line.Error = "no buyer recorded for line"
		r.observe(LookupError)
		return line
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	token, err := r.tokens.TokenFor(ctx, p.buyerID)
	if err != nil {
		line.Error = lookupError("mailbox token", err)
		r.observe(LookupError)
		return line
	}
	messages, err := r.search.SearchSent(ctx, token, p.poNumber, r.cfg.SearchLimit)
	if err != nil {
		line.Error = lookupError("mailbox search", err)
		r.observe(LookupError)
		return line
	}
	if len(messages) == 0 {
		r.observe(LookupUnmatched)
		return line
	}
	first := messages[0]
	sentAt := first.SentAt.UTC()
	line.Verified = true
	line.Recipient = first.FirstRecipient()
	line.SentAt = &sentAt
	r.observe(LookupMatched)
	return line
}

func lookupError(stage string, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return stage + ": timed out"
	case errors.Is(err, mailbox.ErrNoToken):
		return stage + ": no delegated mailbox access"
	default:
		return fmt.Sprintf("%s: %v", stage, err)
	}
}

// apply writes matches under lock. A line is verified only if its PO number
// still equals the one that was searched.
func (r *Reconciler) apply(ctx context.Context, planID uuid.UUID, found []LineVerification) (VerificationResult, error) {
	var result VerificationResult
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		plan, err := tx.LockPlan(ctx, planID)
		if err != nil {
			return err
		}
		now := r.now()
		changed := false
		for i := range found {
			line := &found[i]
			if !line.Verified {
				continue
			}
			if line.LineIndex >= len(plan.LineItems) {
				line.Verified = false
				line.Error = "line removed during verification"
				continue
			}
			item := &plan.LineItems[line.LineIndex]
			if !item.HasPO() || *item.PONumber != line.PONumber {
				line.Verified = false
				line.Error = "PO number changed during verification"
				continue
			}
			if item.POVerified {
				line.AlreadyVerified = true
				continue
			}
			recipient := line.Recipient
			item.POVerified = true
			item.POSentAt = line.SentAt
			if recipient != "" {
				item.PORecipient = &recipient
			}
			changed = true
			detail := "sent"
			if recipient != "" {
				detail = "sent to " + recipient
			}
			if err := tx.AppendActivity(ctx, ActivityLog{
				BuyPlanID:  plan.ID,
				Kind:       ActivityPOVerified,
				Subject:    fmt.Sprintf("Line %d PO %s verified", line.LineIndex, line.PONumber),
				Detail:     detail,
				OccurredAt: now,
			}); err != nil {
				return err
			}
		}

		promoted := false
		if plan.Status == StatusPOEntered && plan.AllPOsVerified() {
			plan.Status = StatusPOConfirmed
			promoted = true
			changed = true
			if err := tx.AppendActivity(ctx, ActivityLog{
				BuyPlanID:  plan.ID,
				Kind:       ActivityPOConfirmed,
				Subject:    "All POs confirmed",
				OccurredAt: now,
			}); err != nil {
				return err
			}
		}
		if changed {
			plan.UpdatedAt = now
			if err := tx.UpdatePlan(ctx, plan); err != nil {
				return err
			}
		}
		result = VerificationResult{PlanID: plan.ID, Status: plan.Status, Promoted: promoted}
		return nil
	})
	return result, err
}

func mergeLines(done, found []LineVerification) []LineVerification {
	out := make([]LineVerification, 0, len(done)+len(found))
	i, j := 0, 0
	for i < len(done) || j < len(found) {
		switch {
		case j >= len(found) || (i < len(done) && done[i].LineIndex < found[j].LineIndex):
			out = append(out, done[i])
			i++
		default:
			out = append(out, found[j])
			j++
		}
	}
	return out
}

// Sweep reconciles up to limit plans waiting in po_entered and returns how many
// were promoted. Per-plan failures are logged and skipped.
func (r *Reconciler) Sweep(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.repo.ListIDsByStatus(ctx, StatusPOEntered, limit)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		result, err := r.Reconcile(ctx, id)
		if err != nil {
			r.logger.Warn("po sweep reconcile", slog.String("plan_id", id.String()), slog.Any("error", err))
			continue
		}
		if result.Promoted {
			promoted++
		}
	}
	return promoted, nil
}

func (r *Reconciler) observe(result string) {
	if r.observer != nil {
		r.observer.ObserveVerification(result)
	}
}
