package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
)

const uniqueViolation = "23505"

type FlagRepositoryAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewFlagRepositoryAdapter(db *sql.DB) outbound.FlagStore {
	return &FlagRepositoryAdapter{
		db:  db,
		now: time.Now,
	}
}

const selectFlagColumns = `organization_id, key, description, category, is_enabled, version, updated_at, updated_by`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlag(row rowScanner) (*entity.FeatureFlag, error) {
	var flag entity.FeatureFlag
	err := row.Scan(
		&flag.OrganizationID,
		&flag.Key,
		&flag.Description,
		&flag.Category,
		&flag.IsEnabled,
		&flag.Version,
		&flag.UpdatedAt,
		&flag.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

func (r *FlagRepositoryAdapter) Get(ctx context.Context, organizationID, key string) (*entity.FeatureFlag, error) {
	query := `SELECT ` + selectFlagColumns + `
		FROM feature_flags
		WHERE organization_id = $1 AND key = $2 AND archived = FALSE
	`
	flag, err := scanFlag(r.db.QueryRowContext(ctx, query, organizationID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbound.ErrFlagNotFound
		}
		return nil, fmt.Errorf("failed to find feature flag: %w", err)
	}
	return flag, nil
}

func (r *FlagRepositoryAdapter) List(ctx context.Context, organizationID string) ([]*entity.FeatureFlag, error) {
	query := `SELECT ` + selectFlagColumns + `
		FROM feature_flags
		WHERE organization_id = $1 AND archived = FALSE
		ORDER BY key
	`
	rows, err := r.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature flags: %w", err)
	}
	defer rows.Close()

	flags := make([]*entity.FeatureFlag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature flag: %w", err)
		}
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feature flags: %w", err)
	}
	return flags, nil
}

func (r *FlagRepositoryAdapter) Create(ctx context.Context, flag *entity.FeatureFlag) error {
	if flag == nil {
		return fmt.Errorf("feature flag cannot be nil")
	}
	if err := flag.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO feature_flags (organization_id, key, description, category, is_enabled, version, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		flag.OrganizationID,
		flag.Key,
		flag.Description,
		flag.Category,
		flag.IsEnabled,
		flag.UpdatedAt,
		flag.UpdatedBy,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return outbound.ErrFlagAlreadyExists
		}
		return fmt.Errorf("failed to create feature flag: %w", err)
	}
	flag.Version = 0
	return nil
}

// CompareAndSwap locks the row, checks the expected version, writes the new
// value and the audit record, and commits them together.
func (r *FlagRepositoryAdapter) CompareAndSwap(ctx context.Context, req outbound.CASRequest) (*entity.FlagTransition, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanFlag(tx.QueryRowContext(ctx, `SELECT `+selectFlagColumns+`
		FROM feature_flags
		WHERE organization_id = $1 AND key = $2 AND archived = FALSE
		FOR UPDATE
	`, req.OrganizationID, req.Key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbound.ErrFlagNotFound
		}
		return nil, fmt.Errorf("failed to lock feature flag: %w", err)
	}

	if req.ExpectedVersion != nil && *req.ExpectedVersion != current.Version {
		return nil, &outbound.VersionConflictError{Expected: *req.ExpectedVersion, Current: current}
	}

	at := req.At
	if at.IsZero() {
		at = r.now()
	}
	next := current.Transition(req.Intent().Resolve(current.IsEnabled), req.Actor, at)

	res, err := tx.ExecContext(ctx, `
		UPDATE feature_flags
		SET is_enabled = $1, version = $2, updated_at = $3, updated_by = $4
		WHERE organization_id = $5 AND key = $6 AND version = $7
	`, next.IsEnabled, next.Version, next.UpdatedAt, next.UpdatedBy, req.OrganizationID, req.Key, current.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update feature flag: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	} else if n != 1 {
		return nil, &outbound.VersionConflictError{Expected: current.Version, Current: current}
	}

	transition := &entity.FlagTransition{Previous: *current, Current: next}
	if err := appendAudit(ctx, tx, transition.AuditRecord(uuid.NewString())); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return transition, nil
}
