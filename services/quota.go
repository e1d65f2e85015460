package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"fileconvert/models"

	"github.com/google/uuid"
)

// QuotaLimits are the defaults applied when a user's record is first created.
type QuotaLimits struct {
	Conversions int
	StorageMB   int64
}

// PostgresQuota keeps quota counters in Postgres. Every counter change is a
// single conditional UPDATE so concurrent reservations cannot overdraw.
type PostgresQuota struct {
	db     *sql.DB
	limits QuotaLimits
}

func NewPostgresQuota(db *sql.DB, limits QuotaLimits) *PostgresQuota {
	return &PostgresQuota{db: db, limits: limits}
}

// ensure creates the record lazily and rolls it into the current period.
func (q *PostgresQuota) ensure(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	period := models.PeriodStart(now)
	if _, err := tx.ExecContext(ctx, `INSERT INTO quota_records
		(user_id, conversions_limit, storage_limit_mb, period_start, updated_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (user_id) DO NOTHING`,
		userID, q.limits.Conversions, q.limits.StorageMB, period, now); err != nil {
		return fmt.Errorf("failed to create quota record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE quota_records
		SET conversions_used = 0, storage_used_mb = 0, period_start = $2, updated_at = $3
		WHERE user_id = $1 AND period_start < $2`, userID, period, now); err != nil {
		return fmt.Errorf("failed to roll quota period: %w", err)
	}
	return nil
}

func (q *PostgresQuota) Reserve(ctx context.Context, userID string, cost models.Cost) (*models.Reservation, error) {
	now := time.Now().UTC()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := q.ensure(ctx, tx, userID, now); err != nil {
		return nil, err
	}

	var period time.Time
	err = tx.QueryRowContext(ctx, `UPDATE quota_records
		SET conversions_used = conversions_used + $2, storage_used_mb = storage_used_mb + $3, updated_at = $4
		WHERE user_id = $1
			AND conversions_used + $2 <= conversions_limit
			AND storage_used_mb + $3 <= storage_limit_mb
		RETURNING period_start`, userID, cost.Conversions, cost.StorageMB, now).Scan(&period)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, models.ErrQuotaExceeded)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve quota: %w", err)
	}

	res := &models.Reservation{
		ID:          uuid.NewString(),
		UserID:      userID,
		Cost:        cost,
		State:       models.ReservationHeld,
		PeriodStart: period,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO quota_reservations
		(id, user_id, conversions, storage_mb, state, period_start, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		res.ID, userID, cost.Conversions, cost.StorageMB, string(res.State), period, now); err != nil {
		return nil, fmt.Errorf("failed to record reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return res, nil
}

// settle moves a held reservation to state and applies the counter delta
// computed from it. A reservation that is no longer held is left alone.
func (q *PostgresQuota) settle(ctx context.Context, reservationID string, state models.ReservationState, delta func(held models.Cost) models.Cost, newStorage func(held models.Cost) int64) error {
	now := time.Now().UTC()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		userID string
		held   models.Cost
		period time.Time
	)
	err = tx.QueryRowContext(ctx, `SELECT user_id, conversions, storage_mb, period_start
		FROM quota_reservations WHERE id = $1 AND state = 'held' FOR UPDATE`, reservationID).
		Scan(&userID, &held.Conversions, &held.StorageMB, &period)
	if errors.Is(err, sql.ErrNoRows) {
		return q.checkReservation(ctx, reservationID)
	}
	if err != nil {
		return fmt.Errorf("failed to load reservation %s: %w", reservationID, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE quota_reservations
		SET state = $2, storage_mb = $3, updated_at = $4 WHERE id = $1`,
		reservationID, string(state), newStorage(held), now); err != nil {
		return fmt.Errorf("failed to update reservation %s: %w", reservationID, err)
	}

	// Usage from a period that has since been reset is already gone.
	d := delta(held)
	if _, err := tx.ExecContext(ctx, `UPDATE quota_records
		SET conversions_used = GREATEST(conversions_used + $3, 0),
			storage_used_mb = GREATEST(storage_used_mb + $4, 0),
			updated_at = $5
		WHERE user_id = $1 AND period_start = $2`,
		userID, period, d.Conversions, d.StorageMB, now); err != nil {
		return fmt.Errorf("failed to adjust quota for %s: %w", userID, err)
	}

	return tx.Commit()
}

func (q *PostgresQuota) checkReservation(ctx context.Context, reservationID string) error {
	var exists bool
	if err := q.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM quota_reservations WHERE id = $1)`, reservationID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("reservation %s: %w", reservationID, models.ErrNotFound)
	}
	return nil
}

// Commit keeps the conversion charge and replaces the storage estimate with
// the actual size.
func (q *PostgresQuota) Commit(ctx context.Context, reservationID string, actual models.Cost) error {
	return q.settle(ctx, reservationID, models.ReservationCommitted,
		func(held models.Cost) models.Cost {
			return models.Cost{StorageMB: actual.StorageMB - held.StorageMB}
		},
		func(models.Cost) int64 { return actual.StorageMB },
	)
}

func (q *PostgresQuota) Release(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	err := q.settle(ctx, reservationID, models.ReservationReleased,
		func(held models.Cost) models.Cost {
			return models.Cost{Conversions: -held.Conversions, StorageMB: -held.StorageMB}
		},
		func(held models.Cost) int64 { return held.StorageMB },
	)
	if errors.Is(err, models.ErrNotFound) {
		log.Printf("[Quota] Release of unknown reservation %s ignored", reservationID)
		return nil
	}
	return err
}

func (q *PostgresQuota) Get(ctx context.Context, userID string) (*models.QuotaRecord, error) {
	now := time.Now().UTC()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := q.ensure(ctx, tx, userID, now); err != nil {
		return nil, err
	}

	rec := &models.QuotaRecord{UserID: userID}
	err = tx.QueryRowContext(ctx, `SELECT conversions_used, conversions_limit, storage_used_mb, storage_limit_mb, period_start, updated_at
		FROM quota_records WHERE user_id = $1`, userID).
		Scan(&rec.ConversionsUsed, &rec.ConversionsLimit, &rec.StorageUsedMB, &rec.StorageLimitMB, &rec.PeriodStart, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota for %s: %w", userID, err)
	}
	return rec, tx.Commit()
}

// ResetExpired rolls every stale record into the period containing now.
func (q *PostgresQuota) ResetExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE quota_records
		SET conversions_used = 0, storage_used_mb = 0, period_start = $1, updated_at = $2
		WHERE period_start < $1`, models.PeriodStart(now), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reset quotas: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
