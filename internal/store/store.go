package store

import (
	"context"
	"database/sql"
	"time"

	"MarketEscrow/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const offerColumns = `offer_id, listing_id, buyer_id, seller_id, amount, message, fee_tier,
	status, payment_intent_ref, expires_at, created_at, updated_at`

func (s *Store) CreateOffer(ctx context.Context, offer *models.Offer) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO offers (
			offer_id, listing_id, buyer_id, seller_id, amount, message,
			fee_tier, status, payment_intent_ref, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		offer.OfferID,
		offer.ListingID,
		offer.BuyerID,
		offer.SellerID,
		offer.Amount,
		offer.Message,
		offer.FeeTier,
		offer.Status,
		offer.PaymentIntentRef,
		offer.ExpiresAt,
	)
	return err
}

func (s *Store) GetOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE offer_id=$1`, offerID)
	return scanOffer(row)
}

func (s *Store) GetOfferByIntent(ctx context.Context, intentRef string) (*models.Offer, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE payment_intent_ref=$1`, intentRef)
	return scanOffer(row)
}

// UpdateOffer advances the offer's status while the stored status still
// matches expect. Money fields and the intent linkage are deliberately not
// written here; the amount is immutable and the intent ref belongs to the
// settlement coordinator.
func (s *Store) UpdateOffer(ctx context.Context, offer *models.Offer, expect models.OfferStatus) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE offers
		SET status=$2, updated_at=now()
		WHERE offer_id=$1 AND status=$3
	`, offer.OfferID, offer.Status, expect)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) SetOfferIntent(ctx context.Context, offerID, intentRef string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE offers SET payment_intent_ref=$2, updated_at=now() WHERE offer_id=$1
	`, offerID, intentRef)
	return err
}

// MarkExpiredOffers expires every overdue offer that has not been paid.
func (s *Store) MarkExpiredOffers(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE offers
		SET status='expired', updated_at=now()
		WHERE status IN ('pending','pending_payment') AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) ListPendingPaymentOffers(ctx context.Context) ([]*models.Offer, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE status='pending_payment' AND payment_intent_ref IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []*models.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (*models.Offer, error) {
	var offer models.Offer
	var intentRef sql.NullString

	err := row.Scan(
		&offer.OfferID,
		&offer.ListingID,
		&offer.BuyerID,
		&offer.SellerID,
		&offer.Amount,
		&offer.Message,
		&offer.FeeTier,
		&offer.Status,
		&intentRef,
		&offer.ExpiresAt,
		&offer.CreatedAt,
		&offer.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if intentRef.Valid {
		offer.PaymentIntentRef = &intentRef.String
	}
	return &offer, nil
}

const orderColumns = `order_id, buyer_id, seller_id, listing_id, offer_id, amount, platform_fee,
	seller_amount, currency, status, revisions, max_revisions, payment_intent_ref,
	payment_released, created_at, paid_at, delivered_at, completed_at, cancelled_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, buyer_id, seller_id, listing_id, offer_id, amount,
			platform_fee, seller_amount, currency, status, revisions,
			max_revisions, payment_intent_ref, payment_released
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		order.OrderID,
		order.BuyerID,
		order.SellerID,
		order.ListingID,
		order.OfferID,
		order.Amount,
		order.PlatformFee,
		order.SellerAmount,
		order.Currency,
		order.Status,
		order.Revisions,
		order.MaxRevisions,
		order.PaymentIntentRef,
		order.PaymentReleased,
	)
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	return scanOrder(row)
}

func (s *Store) GetOrderByIntent(ctx context.Context, intentRef string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_ref=$1`, intentRef)
	return scanOrder(row)
}

// UpdateOrder writes the fields the state machine owns, conditioned on the
// stored status still matching expect. The intent ref is excluded; only
// SetOrderIntent touches it.
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order, expect models.OrderStatus) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$2, revisions=$3, payment_released=$4, paid_at=$5,
			delivered_at=$6, completed_at=$7, cancelled_at=$8, updated_at=now()
		WHERE order_id=$1 AND status=$9
	`,
		order.OrderID,
		order.Status,
		order.Revisions,
		order.PaymentReleased,
		order.PaidAt,
		order.DeliveredAt,
		order.CompletedAt,
		order.CancelledAt,
		expect,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) SetOrderIntent(ctx context.Context, orderID, intentRef string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE orders SET payment_intent_ref=$2, updated_at=now() WHERE order_id=$1
	`, orderID, intentRef)
	return err
}

func (s *Store) ListPendingPaymentOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status='pending_payment' AND payment_intent_ref IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var offerID, intentRef sql.NullString
	var paidAt, deliveredAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&order.OrderID,
		&order.BuyerID,
		&order.SellerID,
		&order.ListingID,
		&offerID,
		&order.Amount,
		&order.PlatformFee,
		&order.SellerAmount,
		&order.Currency,
		&order.Status,
		&order.Revisions,
		&order.MaxRevisions,
		&intentRef,
		&order.PaymentReleased,
		&order.CreatedAt,
		&paidAt,
		&deliveredAt,
		&completedAt,
		&cancelledAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if offerID.Valid {
		order.OfferID = &offerID.String
	}
	if intentRef.Valid {
		order.PaymentIntentRef = &intentRef.String
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if deliveredAt.Valid {
		order.DeliveredAt = &deliveredAt.Time
	}
	if completedAt.Valid {
		order.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		order.CancelledAt = &cancelledAt.Time
	}
	return &order, nil
}

// AppendEvent inserts a timeline fact. Events carry their own ids, so a
// replayed insert is a no-op rather than a duplicate.
func (s *Store) AppendEvent(ctx context.Context, ev *models.TimelineEvent) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO timeline_events (event_id, order_id, event_type, performed_by, event_data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (event_id) DO NOTHING
	`,
		ev.EventID,
		ev.OrderID,
		ev.EventType,
		ev.PerformedBy,
		ev.EventData,
		ev.CreatedAt,
	)
	return err
}

func (s *Store) ListEvents(ctx context.Context, orderID string) ([]*models.TimelineEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT event_id, order_id, event_type, performed_by, event_data, created_at
		FROM timeline_events
		WHERE order_id=$1
		ORDER BY seq
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.TimelineEvent
	for rows.Next() {
		var ev models.TimelineEvent
		if err := rows.Scan(
			&ev.EventID,
			&ev.OrderID,
			&ev.EventType,
			&ev.PerformedBy,
			&ev.EventData,
			&ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
