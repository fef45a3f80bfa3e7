package buyplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/buyplans/internal/ledger"
	"github.com/odyssey-erp/buyplans/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn in a read-committed transaction. Transitions lock the plan row
// with SELECT ... FOR UPDATE so a racing caller re-reads the committed status.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const planColumns = `id, requisition_id, quote_id, status, is_stock_sale, line_items, approval_token,
sales_order_number, salesperson_notes, manager_notes, rejection_reason, cancellation_reason,
submitted_by, submitted_at, approved_by, approved_at, rejected_by, rejected_at,
cancelled_by, cancelled_at, completed_by, completed_at, resubmitted_from, created_at, updated_at`

func scanPlan(row pgx.Row) (BuyPlan, error) {
	var (
		plan  BuyPlan
		items []byte
	)
	err := row.Scan(
		&plan.ID, &plan.RequisitionID, &plan.QuoteID, &plan.Status, &plan.IsStockSale, &items, &plan.ApprovalToken,
		&plan.SalesOrderNumber, &plan.SalespersonNotes, &plan.ManagerNotes, &plan.RejectionReason, &plan.CancellationReason,
		&plan.SubmittedBy, &plan.SubmittedAt, &plan.ApprovedBy, &plan.ApprovedAt, &plan.RejectedBy, &plan.RejectedAt,
		&plan.CancelledBy, &plan.CancelledAt, &plan.CompletedBy, &plan.CompletedAt, &plan.ResubmittedFrom,
		&plan.CreatedAt, &plan.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BuyPlan{}, ErrNotFound
		}
		return BuyPlan{}, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &plan.LineItems); err != nil {
			return BuyPlan{}, fmt.Errorf("buyplan: decode line items: %w", err)
		}
	}
	return plan, nil
}

func scanPlans(rows pgx.Rows) ([]BuyPlan, error) {
	defer rows.Close()
	var plans []BuyPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return plans, nil
}

// Get loads a plan by id without locking.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (BuyPlan, error) {
	return scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM buy_plans WHERE id = $1`, id))
}

// GetByToken loads a plan by approval token without locking.
func (r *Repository) GetByToken(ctx context.Context, token string) (BuyPlan, error) {
	return scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM buy_plans WHERE approval_token = $1`, token))
}

// List returns plans newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]BuyPlan, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+planColumns+` FROM buy_plans
WHERE ($1::text = '' OR status = $1::text)
  AND ($2::bigint IS NULL OR submitted_by = $2
       OR line_items @> jsonb_build_array(jsonb_build_object('entered_by_id', $2::bigint)))
ORDER BY created_at DESC, id
LIMIT $3 OFFSET $4`, string(filter.Status), filter.VisibleTo, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	return scanPlans(rows)
}

// ListIDsByStatus returns up to limit plan ids in status, oldest update first.
func (r *Repository) ListIDsByStatus(ctx context.Context, status Status, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM buy_plans WHERE status = $1 ORDER BY updated_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListActivities returns the audit trail of a plan in occurrence order.
func (r *Repository) ListActivities(ctx context.Context, planID uuid.UUID) ([]ActivityLog, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, buy_plan_id, actor_id, via_token, kind, subject, detail, occurred_at
FROM buy_plan_activities WHERE buy_plan_id = $1 ORDER BY occurred_at, id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ActivityLog
	for rows.Next() {
		var entry ActivityLog
		if err := rows.Scan(&entry.ID, &entry.BuyPlanID, &entry.ActorID, &entry.ViaToken, &entry.Kind,
			&entry.Subject, &entry.Detail, &entry.OccurredAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// OfferEntrants resolves the buyers who entered the given offers.
func (r *Repository) OfferEntrants(ctx context.Context, offerIDs []int64) (map[int64]int64, error) {
	return ledger.New(r.pool).OfferEntrants(ctx, offerIDs)
}

func (t *txRepo) LockPlan(ctx context.Context, id uuid.UUID) (BuyPlan, error) {
	return scanPlan(t.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM buy_plans WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) LockPlanByToken(ctx context.Context, token string) (BuyPlan, error) {
	return scanPlan(t.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM buy_plans WHERE approval_token = $1 FOR UPDATE`, token))
}

func (t *txRepo) InsertPlan(ctx context.Context, plan BuyPlan) error {
	items, err := json.Marshal(plan.LineItems)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO buy_plans (`+planColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		plan.ID, plan.RequisitionID, plan.QuoteID, string(plan.Status), plan.IsStockSale, items, plan.ApprovalToken,
		plan.SalesOrderNumber, plan.SalespersonNotes, plan.ManagerNotes, plan.RejectionReason, plan.CancellationReason,
		plan.SubmittedBy, plan.SubmittedAt, plan.ApprovedBy, plan.ApprovedAt, plan.RejectedBy, plan.RejectedAt,
		plan.CancelledBy, plan.CancelledAt, plan.CompletedBy, plan.CompletedAt, plan.ResubmittedFrom,
		plan.CreatedAt, plan.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: duplicate buy plan", ErrPrecondition)
	}
	return err
}

func (t *txRepo) UpdatePlan(ctx context.Context, plan BuyPlan) error {
	items, err := json.Marshal(plan.LineItems)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE buy_plans SET status=$2, line_items=$3, sales_order_number=$4, salesperson_notes=$5,
manager_notes=$6, rejection_reason=$7, cancellation_reason=$8, approved_by=$9, approved_at=$10, rejected_by=$11,
rejected_at=$12, cancelled_by=$13, cancelled_at=$14, completed_by=$15, completed_at=$16, updated_at=$17
WHERE id=$1`,
		plan.ID, string(plan.Status), items, plan.SalesOrderNumber, plan.SalespersonNotes,
		plan.ManagerNotes, plan.RejectionReason, plan.CancellationReason, plan.ApprovedBy, plan.ApprovedAt, plan.RejectedBy,
		plan.RejectedAt, plan.CancelledBy, plan.CancelledAt, plan.CompletedBy, plan.CompletedAt, plan.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) AppendActivity(ctx context.Context, entry ActivityLog) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO buy_plan_activities (buy_plan_id, actor_id, via_token, kind, subject, detail, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.BuyPlanID, entry.ActorID, entry.ViaToken, entry.Kind, entry.Subject, entry.Detail, entry.OccurredAt)
	return err
}

func (t *txRepo) Ledger() Ledger {
	return ledger.New(t.tx)
}

var _ RepositoryPort = (*Repository)(nil)
