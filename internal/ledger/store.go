package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/buyplans/internal/platform/db"
)

// Store reads and updates ledger rows through a pool or an open transaction.
type Store struct {
	q db.Querier
}

// New constructs a Store bound to q.
func New(q db.Querier) *Store {
	return &Store{q: q}
}

// Offers loads the offers with the given ids, keyed by id.
func (s *Store) Offers(ctx context.Context, ids []int64) (map[int64]Offer, error) {
	out := make(map[int64]Offer, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.q.Query(ctx, `SELECT id, requisition_id, mpn, vendor_name, COALESCE(manufacturer,''), qty, cost_price,
COALESCE(lead_time,''), COALESCE(condition,''), entered_by_id, status
FROM offers WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("ledger: load offers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o Offer
		if err := rows.Scan(&o.ID, &o.RequisitionID, &o.MPN, &o.VendorName, &o.Manufacturer, &o.Qty, &o.CostPrice,
			&o.LeadTime, &o.Condition, &o.EnteredByID, &o.Status); err != nil {
			return nil, err
		}
		out[o.ID] = o
	}
	return out, rows.Err()
}

// OfferEntrants maps offer ids to the buyer who entered each offer. Offers with
// no recorded entrant are omitted.
func (s *Store) OfferEntrants(ctx context.Context, ids []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.q.Query(ctx, `SELECT id, entered_by_id FROM offers WHERE id = ANY($1) AND entered_by_id IS NOT NULL`, ids)
	if err != nil {
		return nil, fmt.Errorf("ledger: load offer entrants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, entrant int64
		if err := rows.Scan(&id, &entrant); err != nil {
			return nil, err
		}
		out[id] = entrant
	}
	return out, rows.Err()
}

// LatestQuoteID returns the most recent quote raised against a requisition.
func (s *Store) LatestQuoteID(ctx context.Context, requisitionID int64) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, `SELECT id FROM quotes WHERE requisition_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, requisitionID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

// MarkQuoteWon flags the quote as won and captures its subtotal as won revenue.
func (s *Store) MarkQuoteWon(ctx context.Context, quoteID int64, at time.Time) error {
	tag, err := s.q.Exec(ctx, `UPDATE quotes SET status = $2, won_revenue = subtotal, won_at = $3, updated_at = $3 WHERE id = $1`,
		quoteID, StatusWon, at)
	if err != nil {
		return fmt.Errorf("ledger: mark quote won: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: quote %d", ErrNotFound, quoteID)
	}
	return nil
}

// RevertQuote returns the quote to sent and clears its won markers.
func (s *Store) RevertQuote(ctx context.Context, quoteID int64, at time.Time) error {
	tag, err := s.q.Exec(ctx, `UPDATE quotes SET status = $2, won_revenue = NULL, won_at = NULL, updated_at = $3 WHERE id = $1`,
		quoteID, StatusSent, at)
	if err != nil {
		return fmt.Errorf("ledger: revert quote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: quote %d", ErrNotFound, quoteID)
	}
	return nil
}

// MarkRequisitionStatus sets the requisition status and reports whether it changed.
func (s *Store) MarkRequisitionStatus(ctx context.Context, requisitionID int64, status string, at time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx, `UPDATE requisitions SET status = $2, updated_at = $3 WHERE id = $1 AND status IS DISTINCT FROM $2`,
		requisitionID, status, at)
	if err != nil {
		return false, fmt.Errorf("ledger: mark requisition: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkOffersStatus sets status on every listed offer.
func (s *Store) MarkOffersStatus(ctx context.Context, ids []int64, status string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.q.Exec(ctx, `UPDATE offers SET status = $2, updated_at = $3 WHERE id = ANY($1)`, ids, status, at); err != nil {
		return fmt.Errorf("ledger: mark offers: %w", err)
	}
	return nil
}

// RevertWonOffers moves the listed offers that are still won back to active.
func (s *Store) RevertWonOffers(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.q.Exec(ctx, `UPDATE offers SET status = $2, updated_at = $4 WHERE id = ANY($1) AND status = $3`,
		ids, StatusActive, StatusWon, at); err != nil {
		return fmt.Errorf("ledger: revert offers: %w", err)
	}
	return nil
}
