package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateWorkItemParams carries the fields the router or ticker supplies
// when materializing a work item.
type CreateWorkItemParams struct {
	Source           string
	SourceRef        string
	PluginInstanceID string
	SessionKey       string
	Title            string
	Payload          string
}

// CreateWorkItem inserts a new work item, or returns the existing one if
// the (source, source_ref) pair was already delivered. The second return
// reports whether the item was newly created.
func (s *Store) CreateWorkItem(params CreateWorkItemParams) (*WorkItem, bool, error) {
	if params.Source == "" || params.SourceRef == "" {
		return nil, false, fmt.Errorf("source and source_ref are required")
	}
	if params.SessionKey == "" {
		return nil, false, fmt.Errorf("session_key is required")
	}

	existing, err := s.FindWorkItemBySourceRef(params.Source, params.SourceRef)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	item := newWorkItem(params)
	_, err = s.db.Exec(insertWorkItemSQL,
		item.ID, item.Source, item.SourceRef, item.PluginInstanceID,
		item.SessionKey, string(item.Status), item.Title, item.Payload,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		// Lost a race with a concurrent delivery of the same event; the
		// unique index makes the earlier row authoritative.
		if existing, lookupErr := s.FindWorkItemBySourceRef(params.Source, params.SourceRef); lookupErr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert work item: %w", err)
	}

	return item, true, nil
}

// CreateWorkItemTx is the transaction-scoped variant used by the ticker's
// single-transaction dispatch. It does not dedupe; scheduler source refs
// are generated uniquely per firing.
func (s *Store) CreateWorkItemTx(tx *sql.Tx, params CreateWorkItemParams) (*WorkItem, error) {
	if params.Source == "" || params.SourceRef == "" {
		return nil, fmt.Errorf("source and source_ref are required")
	}

	item := newWorkItem(params)
	_, err := tx.Exec(insertWorkItemSQL,
		item.ID, item.Source, item.SourceRef, item.PluginInstanceID,
		item.SessionKey, string(item.Status), item.Title, item.Payload,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert work item: %w", err)
	}

	return item, nil
}

const insertWorkItemSQL = `
	INSERT INTO work_items
		(id, source, source_ref, plugin_instance_id, session_key, status, title, payload, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func newWorkItem(params CreateWorkItemParams) *WorkItem {
	ts := now()
	return &WorkItem{
		ID:               uuid.New().String(),
		Source:           params.Source,
		SourceRef:        params.SourceRef,
		PluginInstanceID: params.PluginInstanceID,
		SessionKey:       params.SessionKey,
		Status:           WorkItemNew,
		Title:            params.Title,
		Payload:          params.Payload,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
}

// FindWorkItemBySourceRef looks up a work item by its idempotency key.
func (s *Store) FindWorkItemBySourceRef(source, sourceRef string) (*WorkItem, error) {
	row := s.db.QueryRow(
		selectWorkItemSQL+" WHERE source = ? AND source_ref = ?",
		source, sourceRef,
	)
	return scanWorkItem(row)
}

// GetWorkItem returns a work item by ID, or nil when absent.
func (s *Store) GetWorkItem(id string) (*WorkItem, error) {
	row := s.db.QueryRow(selectWorkItemSQL+" WHERE id = ?", id)
	return scanWorkItem(row)
}

// UpdateWorkItemStatus performs a status transition on behalf of the runner.
func (s *Store) UpdateWorkItemStatus(id string, status WorkItemStatus) error {
	res, err := s.db.Exec(
		"UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?",
		string(status), now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("work item not found: %s", id)
	}
	return nil
}

const selectWorkItemSQL = `
	SELECT id, source, source_ref, plugin_instance_id, session_key, status, title, payload, created_at, updated_at
	FROM work_items`

func scanWorkItem(row *sql.Row) (*WorkItem, error) {
	var item WorkItem
	var status string
	err := row.Scan(
		&item.ID, &item.Source, &item.SourceRef, &item.PluginInstanceID,
		&item.SessionKey, &status, &item.Title, &item.Payload,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}
	item.Status = WorkItemStatus(status)
	return &item, nil
}
