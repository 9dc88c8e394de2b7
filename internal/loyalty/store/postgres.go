package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"loyaltyhub/internal/common/database"
	"loyaltyhub/internal/loyalty"
)

// Migrations holds the schema for the Postgres stores.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations.
const MigrationsDir = "migrations"

// codeConstraint is the name Postgres gives the UNIQUE on redemption_holds.code.
const codeConstraint = "redemption_holds_code_key"

const holdColumns = `id, COALESCE(code, ''), customer_id, cart_token, price_rule_id,
	points_redeemed, status, created_at, expires_at, used_at`

// PostgresStore keeps holds in Postgres. Pending reservations are rows with
// status 'pending'; a partial unique index on customer_id makes Reserve and
// Put atomic across connections.
type PostgresStore struct {
	db  *database.DB
	now func() time.Time
}

var _ loyalty.HoldStore = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed hold store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source used for expiry checks.
func (s *PostgresStore) SetClock(now func() time.Time) { s.now = now }

// freeSlot clears stale reservations and retires expired holds for a
// customer so they no longer occupy the open-slot index. Retired holds stay
// until SweepExpired deprovisions them.
func freeSlot(ctx context.Context, q database.Querier, customerID string, now time.Time) error {
	if _, err := q.Exec(ctx, `
		DELETE FROM redemption_holds
		WHERE customer_id = $1 AND status = 'pending' AND expires_at <= $2
	`, customerID, now); err != nil {
		return fmt.Errorf("clearing stale reservations: %w", err)
	}
	if _, err := q.Exec(ctx, `
		UPDATE redemption_holds SET status = 'expired'
		WHERE customer_id = $1 AND status = 'unused' AND expires_at <= $2
	`, customerID, now); err != nil {
		return fmt.Errorf("retiring expired holds: %w", err)
	}
	return nil
}

// occupant explains why the customer's slot is taken.
func occupant(ctx context.Context, q database.Querier, customerID string) error {
	row := q.QueryRow(ctx, `
		SELECT `+holdColumns+`
		FROM redemption_holds
		WHERE customer_id = $1 AND status IN ('pending', 'unused')
	`, customerID)
	h, err := scanHold(row)
	if err != nil {
		if errors.Is(err, loyalty.ErrHoldNotFound) {
			// Freed between the insert and this read; the caller may retry.
			return loyalty.ErrReservationPending
		}
		return err
	}
	if h.Status == "pending" {
		return loyalty.ErrReservationPending
	}
	return loyalty.ConflictError(h)
}

func (s *PostgresStore) Reserve(ctx context.Context, customerID string, until time.Time) (string, error) {
	id := ulid.Make().String()
	now := s.now()

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := freeSlot(ctx, tx, customerID, now); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO redemption_holds (id, customer_id, status, created_at, expires_at)
			VALUES ($1, $2, 'pending', $3, $4)
			ON CONFLICT (customer_id) WHERE status IN ('pending', 'unused') DO NOTHING
		`, id, customerID, now, until)
		if err != nil {
			return fmt.Errorf("inserting reservation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return occupant(ctx, tx, customerID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) Record(ctx context.Context, reservationID string, hold *loyalty.RedemptionHold) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE redemption_holds
		SET id = $2, code = $3, cart_token = $4, price_rule_id = $5, points_redeemed = $6,
			status = 'unused', created_at = $7, expires_at = $8, used_at = NULL
		WHERE id = $1 AND customer_id = $9 AND status = 'pending'
	`,
		reservationID,
		hold.ID,
		hold.Code,
		hold.CartToken,
		hold.PriceRuleID,
		hold.PointsRedeemed,
		hold.CreatedAt,
		hold.ExpiresAt,
		hold.CustomerID,
	)
	if err != nil {
		return holdWriteError("recording", hold.Code, err)
	}
	if tag.RowsAffected() == 0 {
		return loyalty.ErrReservationLost
	}
	return nil
}

// holdWriteError wraps a failed hold write. Only a clash on the code column
// means the code is taken; an id clash is an ordinary failure.
func holdWriteError(op, code string, err error) error {
	if database.IsUniqueViolation(err) && database.ConstraintName(err) == codeConstraint {
		return fmt.Errorf("%s %s: %w", op, code, loyalty.ErrDuplicateCode)
	}
	return fmt.Errorf("%s hold: %w", op, err)
}

func (s *PostgresStore) Release(ctx context.Context, customerID, reservationID string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM redemption_holds
		WHERE id = $1 AND customer_id = $2 AND status = 'pending'
	`, reservationID, customerID)
	if err != nil {
		return fmt.Errorf("releasing reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loyalty.ErrReservationLost
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, hold *loyalty.RedemptionHold) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := freeSlot(ctx, tx, hold.CustomerID, s.now()); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO redemption_holds (
				id, code, customer_id, cart_token, price_rule_id, points_redeemed,
				status, created_at, expires_at, used_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (customer_id) WHERE status IN ('pending', 'unused') DO NOTHING
		`,
			hold.ID,
			hold.Code,
			hold.CustomerID,
			hold.CartToken,
			hold.PriceRuleID,
			hold.PointsRedeemed,
			hold.Status,
			hold.CreatedAt,
			hold.ExpiresAt,
			hold.UsedAt,
		)
		if err != nil {
			return holdWriteError("inserting", hold.Code, err)
		}
		if tag.RowsAffected() == 0 {
			return occupant(ctx, tx, hold.CustomerID)
		}
		return nil
	})
}

func (s *PostgresStore) FindActiveByCustomer(ctx context.Context, customerID string) (*loyalty.RedemptionHold, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+holdColumns+`
		FROM redemption_holds
		WHERE customer_id = $1 AND status = 'unused' AND expires_at > $2
	`, customerID, s.now())
	return scanHold(row)
}

func (s *PostgresStore) FindByCode(ctx context.Context, code string) (*loyalty.RedemptionHold, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+holdColumns+`
		FROM redemption_holds
		WHERE code = $1 AND status IN ('unused', 'used')
	`, code)
	h, err := scanHold(row)
	if err != nil {
		return nil, err
	}
	if h.IsExpired(s.now()) {
		return nil, loyalty.ErrHoldNotFound
	}
	return h, nil
}

func (s *PostgresStore) MarkUsed(ctx context.Context, code string, usedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE redemption_holds SET status = 'used', used_at = $2
		WHERE code = $1 AND status IN ('unused', 'expired')
	`, code, usedAt)
	if err != nil {
		return fmt.Errorf("marking hold used: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRow(ctx, `SELECT status FROM redemption_holds WHERE code = $1`, code).Scan(&status)
	if err != nil {
		if database.IsNotFound(err) {
			return loyalty.ErrHoldNotFound
		}
		return fmt.Errorf("reading hold status: %w", err)
	}
	if status != string(loyalty.HoldUsed) {
		return fmt.Errorf("hold %s is %s", code, status)
	}
	return nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) ([]loyalty.RedemptionHold, error) {
	rows, err := s.db.Query(ctx, `
		DELETE FROM redemption_holds
		WHERE (status = 'unused' AND expires_at <= $1) OR status = 'expired'
		RETURNING `+holdColumns, now)
	if err != nil {
		return nil, fmt.Errorf("sweeping expired holds: %w", err)
	}
	defer rows.Close()

	var expired []loyalty.RedemptionHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		h.Status = loyalty.HoldExpired
		expired = append(expired, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweeping expired holds: %w", err)
	}

	if _, err := s.db.Exec(ctx, `
		DELETE FROM redemption_holds WHERE status = 'pending' AND expires_at <= $1
	`, now); err != nil {
		return expired, fmt.Errorf("clearing stale reservations: %w", err)
	}
	return expired, nil
}

func (s *PostgresStore) SweepUsed(ctx context.Context, usedBefore time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM redemption_holds WHERE status = 'used' AND used_at < $1
	`, usedBefore)
	if err != nil {
		return 0, fmt.Errorf("sweeping used holds: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanHold(row pgx.Row) (*loyalty.RedemptionHold, error) {
	var h loyalty.RedemptionHold
	err := row.Scan(
		&h.ID,
		&h.Code,
		&h.CustomerID,
		&h.CartToken,
		&h.PriceRuleID,
		&h.PointsRedeemed,
		&h.Status,
		&h.CreatedAt,
		&h.ExpiresAt,
		&h.UsedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, loyalty.ErrHoldNotFound
		}
		return nil, fmt.Errorf("scanning hold: %w", err)
	}
	return &h, nil
}

// PostgresAwardStore keeps order awards in Postgres.
type PostgresAwardStore struct {
	db *database.DB
}

var _ loyalty.AwardStore = (*PostgresAwardStore)(nil)

// NewPostgresAwardStore creates a Postgres-backed award store.
func NewPostgresAwardStore(db *database.DB) *PostgresAwardStore {
	return &PostgresAwardStore{db: db}
}

const awardColumns = `order_id, customer_id, points, awarded_at, reversed_at`

func (s *PostgresAwardStore) Reserve(ctx context.Context, award loyalty.OrderAward) (*loyalty.OrderAward, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO order_awards (order_id, customer_id, points, awarded_at, reversed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO NOTHING
	`, award.OrderID, award.CustomerID, award.Points, award.AwardedAt, award.ReversedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting award: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return &award, nil
	}

	existing, err := s.get(ctx, award.OrderID)
	if err != nil {
		return nil, err
	}
	return existing, loyalty.ErrAwardExists
}

func (s *PostgresAwardStore) Delete(ctx context.Context, orderID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM order_awards WHERE order_id = $1`, orderID); err != nil {
		return fmt.Errorf("deleting award: %w", err)
	}
	return nil
}

func (s *PostgresAwardStore) Take(ctx context.Context, orderID string, at time.Time) (*loyalty.OrderAward, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE order_awards SET reversed_at = $2
		WHERE order_id = $1 AND reversed_at IS NULL
		RETURNING `+awardColumns, orderID, at)
	award, err := scanAward(row)
	if err == nil {
		return award, nil
	}
	if !errors.Is(err, loyalty.ErrAwardNotFound) {
		return nil, err
	}

	existing, err := s.get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return existing, loyalty.ErrAwardReversed
}

func (s *PostgresAwardStore) Restore(ctx context.Context, orderID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE order_awards SET reversed_at = NULL WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("restoring award: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loyalty.ErrAwardNotFound
	}
	return nil
}

func (s *PostgresAwardStore) get(ctx context.Context, orderID string) (*loyalty.OrderAward, error) {
	row := s.db.QueryRow(ctx, `SELECT `+awardColumns+` FROM order_awards WHERE order_id = $1`, orderID)
	return scanAward(row)
}

func scanAward(row pgx.Row) (*loyalty.OrderAward, error) {
	var a loyalty.OrderAward
	if err := row.Scan(&a.OrderID, &a.CustomerID, &a.Points, &a.AwardedAt, &a.ReversedAt); err != nil {
		if database.IsNotFound(err) {
			return nil, loyalty.ErrAwardNotFound
		}
		return nil, fmt.Errorf("scanning award: %w", err)
	}
	return &a, nil
}
