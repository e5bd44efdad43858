package store

import (
	"database/sql"
	"fmt"
)

// InsertQueueMessage appends a pending message to a lane.
func (s *Store) InsertQueueMessage(queueKey, workItemID string) (*QueueMessage, error) {
	return insertQueueMessage(s.db, queueKey, workItemID)
}

// InsertQueueMessageTx is the transaction-scoped variant used by the
// ticker's single-transaction dispatch.
func (s *Store) InsertQueueMessageTx(tx *sql.Tx, queueKey, workItemID string) (*QueueMessage, error) {
	return insertQueueMessage(tx, queueKey, workItemID)
}

type execQuerier interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertQueueMessage(q execQuerier, queueKey, workItemID string) (*QueueMessage, error) {
	if queueKey == "" || workItemID == "" {
		return nil, fmt.Errorf("queue_key and work_item_id are required")
	}

	arrived := now()
	res, err := q.Exec(
		"INSERT INTO queue_messages (queue_key, work_item_id, arrived_at, status) VALUES (?, ?, ?, 'pending')",
		queueKey, workItemID, arrived,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert queue message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &QueueMessage{
		ID:         id,
		QueueKey:   queueKey,
		WorkItemID: workItemID,
		ArrivedAt:  arrived,
		Status:     QueueMessagePending,
	}, nil
}

// MarkMessagesDispatched transitions lane messages to dispatched under a
// shared dispatch ID.
func (s *Store) MarkMessagesDispatched(ids []int64, dispatchID string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.Exec(
			"UPDATE queue_messages SET status = 'dispatched', dispatch_id = ? WHERE id = ? AND status = 'pending'",
			dispatchID, id,
		); err != nil {
			return fmt.Errorf("failed to mark message %d dispatched: %w", id, err)
		}
	}
	return nil
}

// MarkMessageDropped records a drop with its reason.
func (s *Store) MarkMessageDropped(id int64, reason string) error {
	_, err := s.db.Exec(
		"UPDATE queue_messages SET status = 'dropped', drop_reason = ? WHERE id = ?",
		reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message dropped: %w", err)
	}
	return nil
}

// ListPendingMessages returns the pending messages for a lane in arrival order.
func (s *Store) ListPendingMessages(queueKey string) ([]QueueMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, queue_key, work_item_id, arrived_at, status, dispatch_id, drop_reason
		 FROM queue_messages WHERE queue_key = ? AND status = 'pending' ORDER BY id`,
		queueKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	defer rows.Close()

	var msgs []QueueMessage
	for rows.Next() {
		var m QueueMessage
		var status string
		if err := rows.Scan(&m.ID, &m.QueueKey, &m.WorkItemID, &m.ArrivedAt, &status, &m.DispatchID, &m.DropReason); err != nil {
			return nil, fmt.Errorf("failed to scan queue message: %w", err)
		}
		m.Status = QueueMessageStatus(status)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListAllPendingMessages returns every pending message across all lanes
// in arrival order. The queue manager re-buffers these at startup so a
// crash between a committed insert and the in-memory enqueue does not
// orphan the work item.
func (s *Store) ListAllPendingMessages() ([]QueueMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, queue_key, work_item_id, arrived_at, status, dispatch_id, drop_reason
		 FROM queue_messages WHERE status = 'pending' ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	defer rows.Close()

	var msgs []QueueMessage
	for rows.Next() {
		var m QueueMessage
		var status string
		if err := rows.Scan(&m.ID, &m.QueueKey, &m.WorkItemID, &m.ArrivedAt, &status, &m.DispatchID, &m.DropReason); err != nil {
			return nil, fmt.Errorf("failed to scan queue message: %w", err)
		}
		m.Status = QueueMessageStatus(status)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountPendingMessages returns how many messages are waiting in a lane.
func (s *Store) CountPendingMessages(queueKey string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM queue_messages WHERE queue_key = ? AND status = 'pending'",
		queueKey,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return count, nil
}
