package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueOperation appends a deferred operation and returns its generated
// id. The type must belong to the known operation set; created_at is set
// once here and never changes.
func (s *Store) EnqueueOperation(typ, payloadJSON string) (string, error) {
	if !KnownOperationType(typ) {
		return "", fmt.Errorf("unknown operation type %q", typ)
	}
	if payloadJSON == "" {
		payloadJSON = "{}"
	}

	id := uuid.New().String()
	_, err := s.db.Exec(`
		INSERT INTO operations (id, type, payload_json, retry_count, created_at)
		VALUES (?, ?, ?, 0, ?)`,
		id, typ, payloadJSON, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListOperations returns every queued operation in insertion order,
// oldest first. Rowid breaks ties between entries created in the same
// instant so a drain pass always sees a stable order.
func (s *Store) ListOperations() ([]QueuedOperation, error) {
	rows, err := s.db.Query(`
		SELECT id, type, payload_json, retry_count, created_at
		FROM operations ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []QueuedOperation
	for rows.Next() {
		var op QueuedOperation
		var createdAt string
		if err := rows.Scan(&op.ID, &op.Type, &op.PayloadJSON, &op.RetryCount, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for operation %s: %w", op.ID, err)
		}
		op.CreatedAt = t
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// RemoveOperation deletes one operation by id.
func (s *Store) RemoveOperation(id string) error {
	res, err := s.db.Exec(`DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearOperations drops the whole queue.
func (s *Store) ClearOperations() error {
	_, err := s.db.Exec(`DELETE FROM operations`)
	return err
}

// IncrementRetry records one failed replay attempt and returns the new
// retry count. Only the queue processor calls this.
func (s *Store) IncrementRetry(id string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning retry transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRow(`SELECT retry_count FROM operations WHERE id = ?`, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	count++
	if _, err := tx.Exec(`UPDATE operations SET retry_count = ? WHERE id = ?`, count, id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// QueueLength returns the number of pending operations.
func (s *Store) QueueLength() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM operations`).Scan(&n)
	return n, err
}
