package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/navimed/navimed/internal/platform/auth"
	"github.com/navimed/navimed/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// InTx runs fn with a transaction in its context. Inside a request the
// tenant-scoped connection is used; the sweeper and CLI paths fall back to
// the pool.
func (r *repoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.ConnFromContext(ctx) != nil {
		return db.RunInTx(ctx, fn)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(db.ContextWithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// current_approver_role and current_deadline are denormalized from the
// workflow JSON on every write so pending-for-me and sweeper scans stay
// indexable SQL instead of JSON path queries.
const requestCols = `id, patient_id, requesting_physician_id, target_physician_id, reason,
	urgency, access_context, access_type, requested_duration_secs, sensitivity, workflow,
	current_level, status, retrospective_review,
	requested_at, reviewed_at, access_granted_until, swept_at,
	version_id, created_at, updated_at`

func (r *repoPG) scanRequest(row pgx.Row) (*AccessRequest, error) {
	var (
		req          AccessRequest
		workflowJSON []byte
		durationSecs int64
	)
	err := row.Scan(&req.ID, &req.PatientID, &req.RequestingPhysicianID, &req.TargetPhysicianID, &req.Reason,
		&req.Urgency, &req.AccessContext, &req.AccessType, &durationSecs, &req.Sensitivity, &workflowJSON,
		&req.CurrentLevel, &req.Status, &req.RetrospectiveReview,
		&req.RequestedAt, &req.ReviewedAt, &req.AccessGrantedUntil, &req.SweptAt,
		&req.VersionID, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	req.RequestedDuration = time.Duration(durationSecs) * time.Second
	if err := json.Unmarshal(workflowJSON, &req.Workflow); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &req, nil
}

// currentLevelMeta returns the denormalized role and deadline columns for
// the request's current level, empty when the request is terminal or past
// its last level.
func currentLevelMeta(req *AccessRequest) (string, *time.Time) {
	if req.Status != StatusPending {
		return "", nil
	}
	lvl := req.CurrentApprovalLevel()
	if lvl == nil {
		return "", nil
	}
	deadline := lvl.Deadline
	return string(lvl.ApproverRole), &deadline
}

func (r *repoPG) CreateRequest(ctx context.Context, req *AccessRequest) error {
	req.ID = uuid.New()
	req.VersionID = 1

	workflowJSON, err := json.Marshal(req.Workflow)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	role, deadline := currentLevelMeta(req)

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO access_request (id, patient_id, requesting_physician_id, target_physician_id, reason,
			urgency, access_context, access_type, requested_duration_secs, sensitivity, workflow,
			current_level, current_approver_role, current_deadline, status, retrospective_review,
			requested_at, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		req.ID, req.PatientID, req.RequestingPhysicianID, req.TargetPhysicianID, req.Reason,
		req.Urgency, req.AccessContext, req.AccessType, int64(req.RequestedDuration.Seconds()), req.Sensitivity, workflowJSON,
		req.CurrentLevel, role, deadline, req.Status, req.RetrospectiveReview,
		req.RequestedAt, req.VersionID)
	return err
}

func (r *repoPG) GetRequest(ctx context.Context, id uuid.UUID) (*AccessRequest, error) {
	return r.scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM access_request WHERE id = $1`, id))
}

// UpdateRequest writes the aggregate back, guarded by the version the caller
// read. Zero rows affected means another decision or sweep got there first.
func (r *repoPG) UpdateRequest(ctx context.Context, req *AccessRequest) error {
	workflowJSON, err := json.Marshal(req.Workflow)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	role, deadline := currentLevelMeta(req)

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE access_request SET workflow=$3, current_level=$4, current_approver_role=$5,
			current_deadline=$6, status=$7, sensitivity=$8, retrospective_review=$9,
			reviewed_at=$10, access_granted_until=$11, swept_at=$12,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $2`,
		req.ID, req.VersionID, workflowJSON, req.CurrentLevel, role,
		deadline, req.Status, req.Sensitivity, req.RetrospectiveReview,
		req.ReviewedAt, req.AccessGrantedUntil, req.SweptAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: request %s version %d superseded", ErrLevelMismatch, req.ID, req.VersionID)
	}
	req.VersionID++
	return nil
}

func (r *repoPG) ListRequests(ctx context.Context, f Filter, limit, offset int) ([]*AccessRequest, int, error) {
	query := `SELECT ` + requestCols + ` FROM access_request WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM access_request WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.PatientID != nil {
		query += fmt.Sprintf(` AND patient_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.Status != nil {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, *f.Status)
		idx++
	}
	if f.RequesterID != nil {
		query += fmt.Sprintf(` AND requesting_physician_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND requesting_physician_id = $%d`, idx)
		args = append(args, *f.RequesterID)
		idx++
	}
	if f.ReviewPending {
		query += ` AND retrospective_review = TRUE`
		countQuery += ` AND retrospective_review = TRUE`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY requested_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	return r.queryRequests(ctx, query, args, total)
}

func (r *repoPG) ListPendingByRoles(ctx context.Context, roles []auth.Role, limit, offset int) ([]*AccessRequest, int, error) {
	if len(roles) == 0 {
		return nil, 0, nil
	}
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM access_request WHERE status = 'pending' AND current_approver_role = ANY($1)`,
		names).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + requestCols + ` FROM access_request
		WHERE status = 'pending' AND current_approver_role = ANY($1)
		ORDER BY current_deadline ASC LIMIT $2 OFFSET $3`
	return r.queryRequests(ctx, query, []interface{}{names, limit, offset}, total)
}

func (r *repoPG) ListPendingByPatient(ctx context.Context, patientID uuid.UUID) ([]*AccessRequest, error) {
	items, _, err := r.queryRequests(ctx,
		`SELECT `+requestCols+` FROM access_request WHERE status = 'pending' AND patient_id = $1 ORDER BY requested_at`,
		[]interface{}{patientID}, 0)
	return items, err
}

func (r *repoPG) ListPendingPastDeadline(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.queryIDs(ctx, `
		SELECT id FROM access_request
		WHERE status = 'pending' AND current_deadline IS NOT NULL AND current_deadline < $1
		ORDER BY current_deadline ASC LIMIT $2`, now, limit)
}

func (r *repoPG) ListLapsedGrants(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.queryIDs(ctx, `
		SELECT ar.id FROM access_request ar
		WHERE ar.status = 'approved' AND ar.access_granted_until < $1
		  AND NOT EXISTS (SELECT 1 FROM access_revocation rv WHERE rv.request_id = ar.id)
		ORDER BY ar.access_granted_until ASC LIMIT $2`, now, limit)
}

func (r *repoPG) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM access_request WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func (r *repoPG) AddHistory(ctx context.Context, e *HistoryEntry) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO access_approval_history (id, request_id, approval_level, decision, approver_role, approver_id, notes, decided_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.RequestID, e.Level, e.Decision, e.ApproverRole, e.ApproverID, e.Notes, e.DecidedAt)
	return err
}

func (r *repoPG) ListHistory(ctx context.Context, requestID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, request_id, approval_level, decision, approver_role, approver_id, notes, decided_at
		FROM access_approval_history WHERE request_id = $1 ORDER BY decided_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Level, &e.Decision, &e.ApproverRole, &e.ApproverID, &e.Notes, &e.DecidedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, nil
}

func (r *repoPG) AddRevocation(ctx context.Context, e *RevocationEvent) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO access_revocation (id, request_id, patient_id, reason, revoked_by, revoked_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.RequestID, e.PatientID, e.Reason, e.RevokedBy, e.RevokedAt)
	return err
}

func (r *repoPG) HasRevocation(ctx context.Context, requestID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM access_revocation WHERE request_id = $1)`, requestID).Scan(&exists)
	return exists, err
}

func (r *repoPG) queryRequests(ctx context.Context, query string, args []interface{}, total int) ([]*AccessRequest, int, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AccessRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, req)
	}
	return items, total, nil
}

func (r *repoPG) queryIDs(ctx context.Context, query string, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
