package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateRoutine registers a named trigger. Recurrence is empty for
// one-shot routines.
func (s *Store) CreateRoutine(agentID, name, recurrence string) (*Routine, error) {
	if agentID == "" || name == "" {
		return nil, fmt.Errorf("agent_id and name are required")
	}

	r := &Routine{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Name:       name,
		Recurrence: recurrence,
		Enabled:    true,
		CreatedAt:  now(),
	}

	_, err := s.db.Exec(
		"INSERT INTO routines (id, agent_id, name, recurrence, enabled, created_at) VALUES (?, ?, ?, ?, 1, ?)",
		r.ID, r.AgentID, r.Name, r.Recurrence, r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert routine: %w", err)
	}
	return r, nil
}

// GetRoutine returns a routine by ID, or nil when absent.
func (s *Store) GetRoutine(id string) (*Routine, error) {
	var r Routine
	var enabled int
	var lastFired sql.NullInt64
	err := s.db.QueryRow(
		"SELECT id, agent_id, name, recurrence, enabled, last_fired, created_at FROM routines WHERE id = ?",
		id,
	).Scan(&r.ID, &r.AgentID, &r.Name, &r.Recurrence, &enabled, &lastFired, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get routine: %w", err)
	}
	r.Enabled = enabled == 1
	if lastFired.Valid {
		r.LastFired = lastFired.Int64
	}
	return &r, nil
}

// CreateRoutineRun opens a bookkeeping row for an upcoming firing.
func (s *Store) CreateRoutineRun(routineID string) (*RoutineRun, error) {
	run := &RoutineRun{
		ID:        uuid.New().String(),
		RoutineID: routineID,
		CreatedAt: now(),
	}
	_, err := s.db.Exec(
		"INSERT INTO routine_runs (id, routine_id, created_at) VALUES (?, ?, ?)",
		run.ID, run.RoutineID, run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert routine run: %w", err)
	}
	return run, nil
}

// LinkRoutineRunTx records the work item produced by a firing, inside the
// ticker's dispatch transaction.
func (s *Store) LinkRoutineRunTx(tx *sql.Tx, runID, workItemID string) error {
	_, err := tx.Exec(
		"UPDATE routine_runs SET work_item_id = ?, fired_at = ? WHERE id = ?",
		workItemID, now(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to link routine run: %w", err)
	}
	return nil
}

// TouchRoutineTx updates routine fire metadata inside the dispatch transaction.
func (s *Store) TouchRoutineTx(tx *sql.Tx, routineID string) error {
	_, err := tx.Exec(
		"UPDATE routines SET last_fired = ? WHERE id = ?",
		now(), routineID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch routine: %w", err)
	}
	return nil
}

// DisableRoutineTx disables a one-shot routine after its firing, inside
// the dispatch transaction.
func (s *Store) DisableRoutineTx(tx *sql.Tx, routineID string) error {
	_, err := tx.Exec(
		"UPDATE routines SET enabled = 0 WHERE id = ?",
		routineID,
	)
	if err != nil {
		return fmt.Errorf("failed to disable routine: %w", err)
	}
	return nil
}
