package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	lidex "github.com/ferromir/lidex-mongo"
	"github.com/ferromir/lidex-mongo/instance"
)

// Insert persists a new idle instance. A duplicate id is reported as a
// normal false result, never an error.
func (s *Store) Insert(ctx context.Context, id, handler string, input []byte) (bool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lidex_instances (id, handler, input, status)
		VALUES ($1, $2, $3, $4)`,
		id, handler, input, string(instance.StatusIdle),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("lidex/postgres: insert instance: %w", err)
	}
	return true, nil
}

// Claim atomically selects one eligible instance, marks it running and
// extends its lease to leaseUntil. The SKIP LOCKED subquery keeps
// concurrent claimers from blocking on or double-winning the same row.
func (s *Store) Claim(ctx context.Context, now, leaseUntil time.Time) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		UPDATE lidex_instances
		SET status = 'running', timeout_at = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM lidex_instances
			WHERE status = 'idle'
			   OR (status IN ('running', 'failed') AND timeout_at < $1)
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id`,
		now, leaseUntil,
	).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lidex/postgres: claim instance: %w", err)
	}
	return id, true, nil
}

// FindOutput returns the memoized output of one step.
func (s *Store) FindOutput(ctx context.Context, id, stepID string) ([]byte, bool, error) {
	var output []byte
	err := s.pool.QueryRow(ctx, `
		SELECT output FROM lidex_steps
		WHERE instance_id = $1 AND step_id = $2`,
		id, stepID,
	).Scan(&output)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lidex/postgres: find output: %w", err)
	}
	return output, true, nil
}

// UpdateOutput records a step output and refreshes the instance's lease in
// one transaction, so progress and lease extension land together.
func (s *Store) UpdateOutput(ctx context.Context, id, stepID string, output []byte, timeoutAt time.Time) error {
	return s.withLeaseRefresh(ctx, id, timeoutAt, "update output", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO lidex_steps (instance_id, step_id, output)
			VALUES ($1, $2, $3)
			ON CONFLICT (instance_id, step_id) DO UPDATE SET output = EXCLUDED.output`,
			id, stepID, output,
		)
		return err
	})
}

// FindWakeUpAt returns the memoized wake-up time of one nap.
func (s *Store) FindWakeUpAt(ctx context.Context, id, napID string) (time.Time, bool, error) {
	var wakeUpAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT wake_up_at FROM lidex_naps
		WHERE instance_id = $1 AND nap_id = $2`,
		id, napID,
	).Scan(&wakeUpAt)
	if err != nil {
		if isNoRows(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("lidex/postgres: find wake-up: %w", err)
	}
	return wakeUpAt, true, nil
}

// UpdateWakeUpAt records a nap's wake-up time and refreshes the instance's
// lease in one transaction.
func (s *Store) UpdateWakeUpAt(ctx context.Context, id, napID string, wakeUpAt, timeoutAt time.Time) error {
	return s.withLeaseRefresh(ctx, id, timeoutAt, "update wake-up", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO lidex_naps (instance_id, nap_id, wake_up_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (instance_id, nap_id) DO UPDATE SET wake_up_at = EXCLUDED.wake_up_at`,
			id, napID, wakeUpAt,
		)
		return err
	})
}

// withLeaseRefresh runs fn in a transaction that also bumps the instance's
// timeout_at. Reports ErrInstanceNotFound when the instance row is missing.
func (s *Store) withLeaseRefresh(ctx context.Context, id string, timeoutAt time.Time, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("lidex/postgres: %s begin: %w", op, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx, `
		UPDATE lidex_instances SET timeout_at = $2, updated_at = NOW()
		WHERE id = $1`,
		id, timeoutAt,
	)
	if err != nil {
		return fmt.Errorf("lidex/postgres: %s refresh lease: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return lidex.ErrInstanceNotFound
	}

	if err := fn(tx); err != nil {
		return fmt.Errorf("lidex/postgres: %s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("lidex/postgres: %s commit: %w", op, err)
	}
	return nil
}

// FindRunData returns the handler, input and failure count of an instance.
func (s *Store) FindRunData(ctx context.Context, id string) (*instance.RunData, bool, error) {
	var rd instance.RunData
	err := s.pool.QueryRow(ctx, `
		SELECT handler, input, failures FROM lidex_instances
		WHERE id = $1`,
		id,
	).Scan(&rd.Handler, &rd.Input, &rd.Failures)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lidex/postgres: find run data: %w", err)
	}
	return &rd, true, nil
}

// FindStatus returns the lifecycle state of an instance.
func (s *Store) FindStatus(ctx context.Context, id string) (instance.Status, bool, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM lidex_instances WHERE id = $1`,
		id,
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lidex/postgres: find status: %w", err)
	}
	return instance.Status(status), true, nil
}

// SetAsFinished marks the instance finished. Terminal and idempotent.
func (s *Store) SetAsFinished(ctx context.Context, id string) error {
	return s.setTerminal(ctx, id, instance.StatusFinished)
}

// SetAsAborted marks the instance aborted. Terminal.
func (s *Store) SetAsAborted(ctx context.Context, id string) error {
	return s.setTerminal(ctx, id, instance.StatusAborted)
}

func (s *Store) setTerminal(ctx context.Context, id string, status instance.Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lidex_instances SET status = $2, updated_at = NOW()
		WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("lidex/postgres: set %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return lidex.ErrInstanceNotFound
	}
	return nil
}

// UpdateStatus performs an unconditional multi-field lifecycle write.
func (s *Store) UpdateStatus(ctx context.Context, id string, status instance.Status, timeoutAt time.Time, failures int, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lidex_instances
		SET status = $2, timeout_at = $3, failures = $4, last_error = $5,
		    updated_at = NOW()
		WHERE id = $1`,
		id, string(status), timeoutAt, failures, lastError,
	)
	if err != nil {
		return fmt.Errorf("lidex/postgres: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lidex.ErrInstanceNotFound
	}
	return nil
}

// GetInstance retrieves a whole instance by id, including its memoized
// steps and naps.
func (s *Store) GetInstance(ctx context.Context, id string) (*instance.Instance, error) {
	inst, err := s.scanInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	inst.Steps = make(map[string][]byte)
	rows, err := s.pool.Query(ctx,
		`SELECT step_id, output FROM lidex_steps WHERE instance_id = $1`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("lidex/postgres: get instance steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stepID string
		var output []byte
		if err := rows.Scan(&stepID, &output); err != nil {
			return nil, fmt.Errorf("lidex/postgres: scan step: %w", err)
		}
		inst.Steps[stepID] = output
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lidex/postgres: get instance steps: %w", err)
	}

	inst.Naps = make(map[string]time.Time)
	rows, err = s.pool.Query(ctx,
		`SELECT nap_id, wake_up_at FROM lidex_naps WHERE instance_id = $1`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("lidex/postgres: get instance naps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var napID string
		var wakeUpAt time.Time
		if err := rows.Scan(&napID, &wakeUpAt); err != nil {
			return nil, fmt.Errorf("lidex/postgres: scan nap: %w", err)
		}
		inst.Naps[napID] = wakeUpAt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lidex/postgres: get instance naps: %w", err)
	}

	return inst, nil
}

func (s *Store) scanInstance(ctx context.Context, id string) (*instance.Instance, error) {
	var inst instance.Instance
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, handler, input, status, timeout_at, failures, last_error,
		       created_at, updated_at
		FROM lidex_instances
		WHERE id = $1`,
		id,
	).Scan(
		&inst.ID, &inst.Handler, &inst.Input, &status, &inst.TimeoutAt,
		&inst.Failures, &inst.LastError, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, lidex.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("lidex/postgres: get instance: %w", err)
	}
	inst.Status = instance.Status(status)
	return &inst, nil
}

// ListInstances returns instances matching the given options, ordered by
// creation time. Steps and naps are not loaded; use GetInstance for the
// full document.
func (s *Store) ListInstances(ctx context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	query := `
		SELECT id, handler, input, status, timeout_at, failures, last_error,
		       created_at, updated_at
		FROM lidex_instances`
	args := []any{}

	if opts.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lidex/postgres: list instances: %w", err)
	}
	defer rows.Close()

	var result []*instance.Instance
	for rows.Next() {
		var inst instance.Instance
		var status string
		if err := rows.Scan(
			&inst.ID, &inst.Handler, &inst.Input, &status, &inst.TimeoutAt,
			&inst.Failures, &inst.LastError, &inst.CreatedAt, &inst.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("lidex/postgres: scan instance: %w", err)
		}
		inst.Status = instance.Status(status)
		result = append(result, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lidex/postgres: list instances: %w", err)
	}
	return result, nil
}
