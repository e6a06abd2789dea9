package imaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Ledger Repository ===========

type ledgerRepoPG struct{ db queryable }

// NewLedgerRepoPG stores audit entries and orphaned archive studies in
// Postgres. The tables are created by the imaging migrations.
func NewLedgerRepoPG(pool *pgxpool.Pool) LedgerRepository {
	return &ledgerRepoPG{db: pool}
}

const auditCols = `id, action, study_id, patient, detail, actor, created_at`

func scanAudit(row pgx.Row) (*AuditEntry, error) {
	var e AuditEntry
	err := row.Scan(&e.ID, &e.Action, &e.StudyID, &e.Patient, &e.Detail, &e.Actor, &e.CreatedAt)
	return &e, err
}

func (r *ledgerRepoPG) RecordAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO imaging_audit (id, action, study_id, patient, detail, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.Action, e.StudyID, e.Patient, e.Detail, e.Actor, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *ledgerRepoPG) ListAudit(ctx context.Context, studyID int64, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + auditCols + ` FROM imaging_audit`
	args := []interface{}{}
	if studyID != 0 {
		query += ` WHERE study_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, studyID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	var items []*AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

const orphanCols = `id, archive_id, archive_study_uid, study_id, reason, created_at, resolved_at`

func scanOrphan(row pgx.Row) (*Orphan, error) {
	var o Orphan
	err := row.Scan(&o.ID, &o.ArchiveID, &o.ArchiveStudyUID, &o.StudyID, &o.Reason, &o.CreatedAt, &o.ResolvedAt)
	return &o, err
}

func (r *ledgerRepoPG) RecordOrphan(ctx context.Context, o *Orphan) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO imaging_orphan (id, archive_id, archive_study_uid, study_id, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		o.ID, o.ArchiveID, o.ArchiveStudyUID, o.StudyID, o.Reason, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert orphan: %w", err)
	}
	return nil
}

func (r *ledgerRepoPG) ListOrphans(ctx context.Context, includeResolved bool) ([]*Orphan, error) {
	query := `SELECT ` + orphanCols + ` FROM imaging_orphan`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	defer rows.Close()
	var items []*Orphan
	for rows.Next() {
		o, err := scanOrphan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

func (r *ledgerRepoPG) ResolveOrphan(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE imaging_orphan SET resolved_at = NOW() WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("resolve orphan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM imaging_orphan WHERE id = $1)`, id).Scan(&exists); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("resolve orphan: %w", err)
		}
		if !exists {
			return &NotFoundError{Entity: "orphan", ID: id.String()}
		}
	}
	return nil
}
