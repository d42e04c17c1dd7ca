package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
)

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type AuditRepositoryAdapter struct {
	db *sql.DB
}

func NewAuditRepositoryAdapter(db *sql.DB) *AuditRepositoryAdapter {
	return &AuditRepositoryAdapter{db: db}
}

var _ outbound.AuditRecorder = (*AuditRepositoryAdapter)(nil)

const insertAuditQuery = `
	INSERT INTO flag_audit (id, organization_id, flag_key, old_value, new_value, version, actor, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (organization_id, flag_key, version) DO NOTHING
`

func (r *AuditRepositoryAdapter) Append(ctx context.Context, record *entity.AuditRecord) error {
	return appendAudit(ctx, r.db, record)
}

func appendAudit(ctx context.Context, db execer, record *entity.AuditRecord) error {
	if record == nil {
		return fmt.Errorf("audit record cannot be nil")
	}
	_, err := db.ExecContext(ctx, insertAuditQuery,
		record.ID,
		record.OrganizationID,
		record.Key,
		record.OldValue,
		record.NewValue,
		record.Version,
		record.Actor,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (r *AuditRepositoryAdapter) Query(ctx context.Context, filter entity.AuditFilter) ([]*entity.AuditRecord, error) {
	if err := entity.ValidateOrganizationID(filter.OrganizationID); err != nil {
		return nil, err
	}

	query, args := buildAuditQuery(filter)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	records := make([]*entity.AuditRecord, 0)
	for rows.Next() {
		var rec entity.AuditRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.OrganizationID,
			&rec.Key,
			&rec.OldValue,
			&rec.NewValue,
			&rec.Version,
			&rec.Actor,
			&rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}

func buildAuditQuery(filter entity.AuditFilter) (string, []interface{}) {
	conditions := []string{"organization_id = $1"}
	args := []interface{}{filter.OrganizationID}

	add := func(cond string, v interface{}) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.Key != "" {
		add("flag_key = $%d", filter.Key)
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("created_at < $%d", filter.Until)
	}
	args = append(args, filter.EffectiveLimit())

	query := fmt.Sprintf(`
		SELECT id, organization_id, flag_key, old_value, new_value, version, actor, created_at
		FROM flag_audit
		WHERE %s
		ORDER BY created_at DESC, version DESC
		LIMIT $%d
	`, strings.Join(conditions, " AND "), len(args))
	return query, args
}
