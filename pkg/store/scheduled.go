package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateScheduledItemParams carries the fields for a new timer or routine trigger.
type CreateScheduledItemParams struct {
	AgentID          string
	SessionKey       string
	Type             string
	Payload          string
	RunAt            int64
	Recurrence       string
	SourceRef        string
	PluginInstanceID string
	ResponseContext  string
	RoutineID        string
	RoutineRunID     string
}

// CreateScheduledItem inserts a new pending scheduled item.
func (s *Store) CreateScheduledItem(params CreateScheduledItemParams) (*ScheduledItem, error) {
	return createScheduledItem(s.db, params)
}

// CreateScheduledItemTx inserts a pending item inside an open transaction;
// the ticker uses this to chain the next occurrence of a recurring item.
func (s *Store) CreateScheduledItemTx(tx *sql.Tx, params CreateScheduledItemParams) (*ScheduledItem, error) {
	return createScheduledItem(tx, params)
}

func createScheduledItem(q execQuerier, params CreateScheduledItemParams) (*ScheduledItem, error) {
	if params.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if params.RunAt <= 0 {
		return nil, fmt.Errorf("run_at is required")
	}

	item := &ScheduledItem{
		ID:               uuid.New().String(),
		AgentID:          params.AgentID,
		SessionKey:       params.SessionKey,
		Type:             params.Type,
		Payload:          params.Payload,
		RunAt:            params.RunAt,
		Recurrence:       params.Recurrence,
		Status:           ScheduledPending,
		SourceRef:        params.SourceRef,
		PluginInstanceID: params.PluginInstanceID,
		ResponseContext:  params.ResponseContext,
		RoutineID:        params.RoutineID,
		RoutineRunID:     params.RoutineRunID,
		CreatedAt:        now(),
	}

	_, err := q.Exec(`
		INSERT INTO scheduled_items
			(id, agent_id, session_key, type, payload, run_at, recurrence, status,
			 source_ref, plugin_instance_id, response_context, routine_id, routine_run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.AgentID, item.SessionKey, item.Type, item.Payload,
		item.RunAt, item.Recurrence, string(item.Status),
		item.SourceRef, item.PluginInstanceID, item.ResponseContext,
		item.RoutineID, item.RoutineRunID, item.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert scheduled item: %w", err)
	}

	return item, nil
}

// ListDueItems returns pending items whose run_at has passed.
func (s *Store) ListDueItems(nowEpoch int64) ([]ScheduledItem, error) {
	rows, err := s.db.Query(
		selectScheduledSQL+" WHERE status = 'pending' AND run_at <= ? ORDER BY run_at",
		nowEpoch,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due items: %w", err)
	}
	defer rows.Close()

	var items []ScheduledItem
	for rows.Next() {
		item, err := scanScheduledRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ClaimScheduledItem performs the conditional pending→firing transition.
// It returns false when another worker already owns the item. The claim
// timestamp is what stale recovery judges against.
func (s *Store) ClaimScheduledItem(id string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE scheduled_items SET status = 'firing', claimed_at = ? WHERE id = ? AND status = 'pending'",
		now(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim scheduled item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ConfirmScheduledItemFired performs the conditional firing→fired
// transition inside tx. A false return means the item was not in firing
// state; the caller must roll back the whole transaction.
func (s *Store) ConfirmScheduledItemFired(tx *sql.Tx, id string) (bool, error) {
	res, err := tx.Exec(
		"UPDATE scheduled_items SET status = 'fired', fired_at = ? WHERE id = ? AND status = 'firing'",
		now(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to confirm scheduled item fired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseScheduledItem returns a claimed item to pending for retry on the
// next tick.
func (s *Store) ReleaseScheduledItem(id string) error {
	_, err := s.db.Exec(
		"UPDATE scheduled_items SET status = 'pending', claimed_at = NULL WHERE id = ? AND status = 'firing'",
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to release scheduled item: %w", err)
	}
	return nil
}

// RecoverStaleFiringItems resets items stuck in firing longer than
// thresholdSeconds back to pending, judged by when the claim was taken.
// A backlogged item another worker just claimed is not stale, however
// overdue its run_at is. Returns how many were recovered.
func (s *Store) RecoverStaleFiringItems(thresholdSeconds int64) (int, error) {
	cutoff := now() - thresholdSeconds
	res, err := s.db.Exec(
		"UPDATE scheduled_items SET status = 'pending', claimed_at = NULL WHERE status = 'firing' AND claimed_at <= ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale firing items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CancelScheduledItem marks a pending or firing item cancelled. An item
// already claimed may still fire once; work-item idempotency absorbs the
// duplicate.
func (s *Store) CancelScheduledItem(id string) error {
	res, err := s.db.Exec(
		"UPDATE scheduled_items SET status = 'cancelled', cancelled_at = ? WHERE id = ? AND status IN ('pending', 'firing')",
		now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel scheduled item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("scheduled item not cancellable: %s", id)
	}
	return nil
}

// GetScheduledItem returns a scheduled item by ID, or nil when absent.
func (s *Store) GetScheduledItem(id string) (*ScheduledItem, error) {
	row := s.db.QueryRow(selectScheduledSQL+" WHERE id = ?", id)
	item, err := scanScheduledRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

const selectScheduledSQL = `
	SELECT id, agent_id, session_key, type, payload, run_at, recurrence, status,
	       source_ref, plugin_instance_id, response_context, routine_id, routine_run_id,
	       created_at, claimed_at, fired_at, cancelled_at
	FROM scheduled_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduled(sc rowScanner) (*ScheduledItem, error) {
	var item ScheduledItem
	var status string
	var claimedAt, firedAt, cancelledAt sql.NullInt64
	err := sc.Scan(
		&item.ID, &item.AgentID, &item.SessionKey, &item.Type, &item.Payload,
		&item.RunAt, &item.Recurrence, &status,
		&item.SourceRef, &item.PluginInstanceID, &item.ResponseContext,
		&item.RoutineID, &item.RoutineRunID,
		&item.CreatedAt, &claimedAt, &firedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = ScheduledItemStatus(status)
	if claimedAt.Valid {
		item.ClaimedAt = claimedAt.Int64
	}
	if firedAt.Valid {
		item.FiredAt = firedAt.Int64
	}
	if cancelledAt.Valid {
		item.CancelledAt = cancelledAt.Int64
	}
	return &item, nil
}

func scanScheduledRow(row *sql.Row) (*ScheduledItem, error) {
	return scanScheduled(row)
}

func scanScheduledRows(rows *sql.Rows) (*ScheduledItem, error) {
	item, err := scanScheduled(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan scheduled item: %w", err)
	}
	return item, nil
}
