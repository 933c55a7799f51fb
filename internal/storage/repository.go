package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
        id             TEXT PRIMARY KEY,
        user_id        TEXT        NOT NULL,
        coin_id        TEXT        NOT NULL,
        threshold      NUMERIC     NOT NULL CHECK (threshold > 0),
        condition      TEXT        NOT NULL CHECK (condition IN ('above', 'below')),
        is_triggered   BOOLEAN     NOT NULL DEFAULT FALSE,
        last_triggered TIMESTAMPTZ,
        created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS alerts_coin_untriggered_idx ON alerts (coin_id) WHERE NOT is_triggered;`,
	`CREATE INDEX IF NOT EXISTS alerts_user_created_idx ON alerts (user_id, created_at DESC);`,
}

const (
	alertColumns = `id, user_id, coin_id, threshold::text, condition, is_triggered, last_triggered, created_at, updated_at`

	insertAlertSQL = `INSERT INTO alerts (id, user_id, coin_id, threshold, condition)
    VALUES ($1, $2, $3, $4::numeric, $5)
    RETURNING ` + alertColumns + `;`

	listAlertsByOwnerSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE user_id = $1
    ORDER BY created_at DESC;`

	listUntriggeredByCoinSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE coin_id = $1
      AND NOT is_triggered
    ORDER BY created_at;`

	markTriggeredSQL = `UPDATE alerts
    SET is_triggered = TRUE, last_triggered = $2, updated_at = now()
    WHERE id = $1
      AND NOT is_triggered;`

	deleteAlertSQL = `DELETE FROM alerts WHERE id = $1 AND user_id = $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL alert store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the alerts table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return ioErr("ensure schema", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Create inserts a new untriggered alert.
func (s *Store) Create(ctx context.Context, alert NewAlert) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}
	if err := alert.Validate(); err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		uuid.NewString(),
		alert.OwnerID,
		alert.AssetID,
		alert.Threshold.String(),
		string(alert.Condition),
	)
	rec, err := scanAlert(row)
	if err != nil {
		return AlertRecord{}, ioErr("insert alert", err)
	}
	return rec, nil
}

// FindByOwner lists an owner's alerts, newest first.
func (s *Store) FindByOwner(ctx context.Context, ownerID string) ([]AlertRecord, error) {
	return s.list(ctx, "list alerts by owner", listAlertsByOwnerSQL, ownerID)
}

// FindUntriggeredByAsset lists alerts on a coin that have not fired yet.
func (s *Store) FindUntriggeredByAsset(ctx context.Context, assetID string) ([]AlertRecord, error) {
	return s.list(ctx, "list untriggered alerts", listUntriggeredByCoinSQL, assetID)
}

// MarkTriggered flips an untriggered alert to triggered.
func (s *Store) MarkTriggered(ctx context.Context, id string, triggeredAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, markTriggeredSQL, id, triggeredAt.UTC())
	if err != nil {
		return ioErr("mark triggered", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByIDAndOwner removes an alert owned by ownerID.
func (s *Store) DeleteByIDAndOwner(ctx context.Context, id, ownerID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deleteAlertSQL, id, ownerID)
	if err != nil {
		return ioErr("delete alert", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) list(ctx context.Context, op, query string, arg string) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query, arg)
	if err != nil {
		return nil, ioErr(op, err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, ioErr(op, scanErr)
		}
		alerts = append(alerts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(op, err)
	}
	return alerts, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec          AlertRecord
		thresholdStr string
		condition    string
		triggeredAt  *time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.AssetID,
		&thresholdStr,
		&condition,
		&rec.Triggered,
		&triggeredAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AlertRecord{}, ErrNotFound
		}
		return AlertRecord{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold: %w", err)
	}
	rec.Threshold = threshold
	rec.Condition = Condition(condition)
	rec.TriggeredAt = triggeredAt
	return rec, nil
}

var (
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
