package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// AppendAudit writes one append-only audit record. details may be any
// JSON-marshalable value; nil records an empty object.
func (s *Store) AppendAudit(ctx context.Context, actorAgentID *string, action string, subjectID *string, details any) error {
	raw := json.RawMessage("{}")
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshaling audit details: %w", err)
		}
		raw = b
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (actor_agent_id, action, subject_id, details)
		 VALUES ($1, $2, $3, $4)`,
		actorAgentID, action, subjectID, raw,
	)
	if err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// ListAudit returns audit records newest first.
func (s *Store) ListAudit(ctx context.Context, limit, offset int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, actor_agent_id, action, subject_id, details, created_at
		 FROM audit_log
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.ActorAgentID, &rec.Action,
			&rec.SubjectID, &rec.Details, &rec.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}
